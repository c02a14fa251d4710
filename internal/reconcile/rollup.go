package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// Policy selects how note results are combined per encounter.
type Policy string

const (
	// PolicyNone keeps one row per note.
	PolicyNone Policy = "none"
	// PolicyConsensus keeps a stage only when every staged note of the
	// encounter agrees on it.
	PolicyConsensus Policy = "consensus"
	// PolicyLatest takes the stage of the most recent staged note.
	PolicyLatest Policy = "latest"
)

// ParsePolicy parses a policy name. The empty string is PolicyNone.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyNone, nil
	case PolicyNone, PolicyConsensus, PolicyLatest:
		return p, nil
	}
	return "", fmt.Errorf("unknown rollup policy %q (want none, consensus or latest)", s)
}

// EncounterResult is the rolled-up stage of one encounter.
type EncounterResult struct {
	PatientID   string
	EncounterID string
	FinalStage  *staging.Stage
	Confidence  float64
	Reason      staging.ResolutionReason

	// SourceNoteID is the note whose stage was taken, if any.
	SourceNoteID string

	// NoteIDs lists every note of the encounter in input order.
	NoteIDs []string

	// StagedNotes counts notes with a final stage.
	StagedNotes int
}

// Rollup combines note results per (patient, encounter). Failed entries
// are listed in NoteIDs but never contribute a stage. Output is sorted by
// patient then encounter.
func Rollup(results []staging.Result, policy Policy) ([]EncounterResult, error) {
	if policy != PolicyConsensus && policy != PolicyLatest {
		return nil, fmt.Errorf("rollup policy %q does not combine notes", policy)
	}

	type encounterKey struct{ patient, encounter string }
	byKey := make(map[encounterKey][]staging.Result)
	var keys []encounterKey
	for _, r := range results {
		k := encounterKey{r.PatientID, r.EncounterID}
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].patient != keys[j].patient {
			return keys[i].patient < keys[j].patient
		}
		return keys[i].encounter < keys[j].encounter
	})

	out := make([]EncounterResult, 0, len(keys))
	for _, k := range keys {
		notes := byKey[k]
		er := EncounterResult{
			PatientID:   k.patient,
			EncounterID: k.encounter,
			Reason:      staging.ReasonNoMatch,
		}
		var staged []staging.Result
		for _, r := range notes {
			er.NoteIDs = append(er.NoteIDs, r.NoteID)
			if !r.Failed() && r.FinalStage != nil {
				staged = append(staged, r)
			}
		}
		er.StagedNotes = len(staged)

		if len(staged) > 0 {
			var pickFrom *staging.Result
			switch policy {
			case PolicyConsensus:
				pickFrom = consensus(staged)
				if pickFrom == nil {
					er.Reason = staging.ReasonConflictingDiscarded
				}
			case PolicyLatest:
				pickFrom = latest(staged)
			}
			if pickFrom != nil {
				stage := *pickFrom.FinalStage
				er.FinalStage = &stage
				er.Confidence = pickFrom.Confidence
				er.Reason = pickFrom.Reason
				er.SourceNoteID = pickFrom.NoteID
			}
		}
		out = append(out, er)
	}
	return out, nil
}

// consensus returns the most confident note when all staged notes share a
// key, or nil when they disagree.
func consensus(staged []staging.Result) *staging.Result {
	key := staged[0].FinalStage.Key()
	best := &staged[0]
	for i := range staged[1:] {
		r := &staged[i+1]
		if r.FinalStage.Key() != key {
			return nil
		}
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best
}

// latest returns the note with the greatest datetime, breaking ties by
// note id.
func latest(staged []staging.Result) *staging.Result {
	best := &staged[0]
	for i := range staged[1:] {
		r := &staged[i+1]
		switch {
		case r.NoteDateTime.After(best.NoteDateTime):
			best = r
		case r.NoteDateTime.Equal(best.NoteDateTime) && r.NoteID > best.NoteID:
			best = r
		}
	}
	return best
}
