package staging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Stage is the canonical structured value of a staging mention.
type Stage struct {
	System        System     `json:"system"`
	Prefix        string     `json:"prefix,omitempty"`
	T             string     `json:"t,omitempty"`
	N             string     `json:"n,omitempty"`
	M             string     `json:"m,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	Laterality    Laterality `json:"laterality,omitempty"`
	TumorSequence *int       `json:"tumor_sequence,omitempty"`
}

var (
	tGrammar       = regexp.MustCompile(`^T(?:0|[1-4](?:mi|[a-d])?|is|X)$`)
	nGrammar       = regexp.MustCompile(`^N(?:0|1mi|[1-3][a-c]?|X)$`)
	mGrammar       = regexp.MustCompile(`^M(?:0|1[a-d]?|X)$`)
	prefixGrammar  = regexp.MustCompile(`^(?:c|p|yc|yp|r|a)$`)
	summaryGrammar = regexp.MustCompile(`^(?:0|I{1,3}|IV)(?:[A-C][1-3]?)?$`)
	otherGrammar   = regexp.MustCompile(`^[A-Z][A-Z0-9 _-]{0,63}$`)
)

// Validate checks that s is well-formed for its system.
func (s Stage) Validate() error {
	if s.Prefix != "" && !prefixGrammar.MatchString(s.Prefix) {
		return fmt.Errorf("invalid stage prefix %q", s.Prefix)
	}
	switch s.Laterality {
	case LateralityNone, LateralityLeft, LateralityRight, LateralityBilateral:
	default:
		return fmt.Errorf("invalid laterality %q", s.Laterality)
	}
	if s.TumorSequence != nil && *s.TumorSequence < 1 {
		return fmt.Errorf("tumor sequence must be positive, got %d", *s.TumorSequence)
	}

	switch s.System {
	case SystemTNM:
		if s.T == "" && s.N == "" && s.M == "" {
			return fmt.Errorf("TNM stage requires at least one of T, N, M")
		}
		if s.T != "" && !tGrammar.MatchString(s.T) {
			return fmt.Errorf("invalid T component %q", s.T)
		}
		if s.N != "" && !nGrammar.MatchString(s.N) {
			return fmt.Errorf("invalid N component %q", s.N)
		}
		if s.M != "" && !mGrammar.MatchString(s.M) {
			return fmt.Errorf("invalid M component %q", s.M)
		}
		if s.Summary != "" {
			return fmt.Errorf("TNM stage cannot carry a summary stage")
		}
	case SystemAJCCSummary:
		if !summaryGrammar.MatchString(s.Summary) {
			return fmt.Errorf("invalid AJCC summary stage %q", s.Summary)
		}
		if s.T != "" || s.N != "" || s.M != "" || s.Prefix != "" {
			return fmt.Errorf("AJCC summary stage cannot carry TNM components")
		}
	case SystemOther:
		if !otherGrammar.MatchString(s.Summary) {
			return fmt.Errorf("invalid named stage %q", s.Summary)
		}
		if s.T != "" || s.N != "" || s.M != "" || s.Prefix != "" {
			return fmt.Errorf("named stage cannot carry TNM components")
		}
	default:
		return fmt.Errorf("unknown staging system %q", s.System)
	}
	return nil
}

// Key identifies the distinct stage value. Two candidates with the same
// key agree.
func (s Stage) Key() string {
	switch s.System {
	case SystemTNM:
		return string(s.System) + ":" + s.T + s.N + s.M
	default:
		return string(s.System) + ":" + s.Summary
	}
}

// String renders the stage the way clinicians write it.
func (s Stage) String() string {
	switch s.System {
	case SystemTNM:
		var b strings.Builder
		b.WriteString(s.Prefix)
		b.WriteString(s.T)
		b.WriteString(s.N)
		b.WriteString(s.M)
		return b.String()
	case SystemAJCCSummary:
		return "Stage " + s.Summary
	default:
		return s.Summary
	}
}

const encodedFields = 8

// Encode renders s in the canonical output encoding:
// system|prefix|t|n|m|summary|laterality|tumor_sequence.
func (s Stage) Encode() string {
	seq := ""
	if s.TumorSequence != nil {
		seq = strconv.Itoa(*s.TumorSequence)
	}
	return strings.Join([]string{
		string(s.System), s.Prefix, s.T, s.N, s.M, s.Summary, string(s.Laterality), seq,
	}, "|")
}

// DecodeStage parses the canonical output encoding produced by Encode.
func DecodeStage(encoded string) (Stage, error) {
	parts := strings.Split(encoded, "|")
	if len(parts) != encodedFields {
		return Stage{}, fmt.Errorf("decode stage %q: want %d fields, got %d", encoded, encodedFields, len(parts))
	}
	s := Stage{
		System:     System(parts[0]),
		Prefix:     parts[1],
		T:          parts[2],
		N:          parts[3],
		M:          parts[4],
		Summary:    parts[5],
		Laterality: Laterality(parts[6]),
	}
	if parts[7] != "" {
		seq, err := strconv.Atoi(parts[7])
		if err != nil {
			return Stage{}, fmt.Errorf("decode stage %q: tumor sequence: %w", encoded, err)
		}
		s.TumorSequence = &seq
	}
	if err := s.Validate(); err != nil {
		return Stage{}, fmt.Errorf("decode stage %q: %w", encoded, err)
	}
	return s, nil
}

// Equal reports whether two stages are identical in every field.
func (s Stage) Equal(o Stage) bool {
	if (s.TumorSequence == nil) != (o.TumorSequence == nil) {
		return false
	}
	if s.TumorSequence != nil && *s.TumorSequence != *o.TumorSequence {
		return false
	}
	return s.System == o.System && s.Prefix == o.Prefix &&
		s.T == o.T && s.N == o.N && s.M == o.M &&
		s.Summary == o.Summary && s.Laterality == o.Laterality
}
