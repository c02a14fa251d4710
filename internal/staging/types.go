package staging

import (
	"fmt"
	"strings"
	"time"
)

// System is the staging system a canonical stage is expressed in.
type System string

const (
	SystemTNM         System = "TNM"
	SystemAJCCSummary System = "AJCC_SUMMARY"
	SystemOther       System = "OTHER"
)

// Valid reports whether s is a known system.
func (s System) Valid() bool {
	switch s {
	case SystemTNM, SystemAJCCSummary, SystemOther:
		return true
	}
	return false
}

// Specificity ranks systems for tie-breaking. Higher is more specific.
func (s System) Specificity() int {
	switch s {
	case SystemTNM:
		return 3
	case SystemAJCCSummary:
		return 2
	case SystemOther:
		return 1
	}
	return 0
}

// Source identifies the extractor that produced a candidate.
type Source string

const (
	SourcePattern Source = "PATTERN"
	SourceModel   Source = "MODEL"
)

// Laterality of the staged tumor, when stated.
type Laterality string

const (
	LateralityNone      Laterality = ""
	LateralityLeft      Laterality = "LEFT"
	LateralityRight     Laterality = "RIGHT"
	LateralityBilateral Laterality = "BILATERAL"
)

// ParseLaterality normalizes free text ("left", "Right", "bilateral") to a Laterality.
func ParseLaterality(s string) (Laterality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return LateralityNone, nil
	case "LEFT", "L":
		return LateralityLeft, nil
	case "RIGHT", "R":
		return LateralityRight, nil
	case "BILATERAL", "BOTH":
		return LateralityBilateral, nil
	}
	return LateralityNone, fmt.Errorf("unknown laterality %q", s)
}

// ResolutionReason records how the reconciler arrived at a final stage.
type ResolutionReason string

const (
	ReasonSingleHighConfidence ResolutionReason = "SINGLE_HIGH_CONFIDENCE_MATCH"
	ReasonModelOverride        ResolutionReason = "MODEL_OVERRIDE"
	ReasonNoMatch              ResolutionReason = "NO_MATCH"
	ReasonConflictingDiscarded ResolutionReason = "CONFLICTING_DISCARDED"
)

// Status distinguishes reconciled results from explicit failed entries.
type Status string

const (
	StatusResolved Status = "RESOLVED"
	StatusFailed   Status = "FAILED"
)

// NoteRecord is one input note. Records are immutable once read.
type NoteRecord struct {
	PatientID    string    `json:"patient_id"`
	EncounterID  string    `json:"encounter_id"`
	NoteID       string    `json:"note_id"`
	NoteDateTime time.Time `json:"note_datetime"`
	NoteText     string    `json:"note_text"`
	NoteType     string    `json:"note_type"`
}

// Validate checks the per-record invariants.
func (n NoteRecord) Validate() error {
	if strings.TrimSpace(n.NoteID) == "" {
		return fmt.Errorf("%w: note_id is empty", ErrInvalidRecord)
	}
	if strings.TrimSpace(n.NoteText) == "" {
		return fmt.Errorf("%w: note %s has empty note_text", ErrInvalidRecord, n.NoteID)
	}
	return nil
}

// Span is a half-open byte range [Start, End) into a note's text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Candidate is one extractor's proposal for a note's stage.
type Candidate struct {
	ID         string  `json:"id"`
	NoteID     string  `json:"note_id"`
	Source     Source  `json:"extractor_source"`
	Pattern    string  `json:"pattern,omitempty"`
	RawMatch   string  `json:"raw_match"`
	Span       Span    `json:"span"`
	Stage      Stage   `json:"canonical_stage"`
	Confidence float64 `json:"confidence"`
	Negated    bool    `json:"is_negated"`
	Historical bool    `json:"is_historical"`
}

// Validate checks that the candidate's stage is well-formed and its
// confidence lies in [0, 1].
func (c Candidate) Validate() error {
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("candidate %s: confidence %v out of range", c.ID, c.Confidence)
	}
	if err := c.Stage.Validate(); err != nil {
		return fmt.Errorf("candidate %s: %w", c.ID, err)
	}
	return nil
}

// ProvenanceEntry names one candidate that contributed to a result.
type ProvenanceEntry struct {
	Source      Source  `json:"extractor_source"`
	CandidateID string  `json:"candidate_id"`
	Confidence  float64 `json:"confidence"`
}

// Result is the persisted determination for one note.
type Result struct {
	RunID          string            `json:"run_id"`
	NoteID         string            `json:"note_id"`
	EncounterID    string            `json:"encounter_id"`
	PatientID      string            `json:"patient_id"`
	NoteDateTime   time.Time         `json:"note_datetime"`
	Status         Status            `json:"status"`
	FinalStage     *Stage            `json:"final_stage"`
	Confidence     float64           `json:"confidence"`
	Provenance     []ProvenanceEntry `json:"provenance"`
	Reason         ResolutionReason  `json:"resolution_reason,omitempty"`
	Degraded       bool              `json:"degraded"`
	FailureKind    FailureKind       `json:"failure_kind,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
}

// Failed reports whether r is an explicit failed entry.
func (r Result) Failed() bool { return r.Status == StatusFailed }

// ForNote copies the identifying keys of note onto r.
func (r Result) ForNote(note NoteRecord) Result {
	r.NoteID = note.NoteID
	r.EncounterID = note.EncounterID
	r.PatientID = note.PatientID
	r.NoteDateTime = note.NoteDateTime
	return r
}

// FailedResult builds the explicit failed entry recorded for a note whose
// processing failed.
func FailedResult(note NoteRecord, err error) Result {
	r := Result{
		Status:      StatusFailed,
		Provenance:  []ProvenanceEntry{},
		Reason:      ReasonNoMatch,
		Degraded:    true,
		FailureKind: KindOf(err),
	}
	if err != nil {
		r.FailureMessage = err.Error()
	}
	return r.ForNote(note)
}
