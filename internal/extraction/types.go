package extraction

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// Extractor produces staging candidates for a single note.
type Extractor interface {
	// Name identifies the extractor in logs, metrics and pipeline config.
	Name() string

	// Extract returns zero or more candidates for req.Note.
	Extract(ctx context.Context, req Request) ([]staging.Candidate, error)
}

// Request is the input to one extraction call.
type Request struct {
	Note staging.NoteRecord

	// Prior holds candidates produced by earlier extractors for the same
	// note. The model extractor windows its prompt around their spans.
	Prior []staging.Candidate
}

// Inferencer is a synchronous text-generation capability.
type Inferencer interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// Pattern is one entry in the pattern table.
type Pattern struct {
	Name   string         `json:"name" toml:"name"`
	Regex  string         `json:"regex" toml:"regex"`
	Weight float64        `json:"weight" toml:"weight"`
	System staging.System `json:"system" toml:"system"`
}

// PatternConfig configures a PatternExtractor.
type PatternConfig struct {
	Patterns []Pattern

	// NegationWindow is the number of words scanned on each side of a match.
	NegationWindow int

	Cues *CueSet
}

// ModelConfig configures a ModelExtractor.
type ModelConfig struct {
	// Confidence is the fixed band assigned to every model candidate.
	Confidence float64

	// PromptCharCap bounds the full prompt length in bytes.
	PromptCharCap int

	// HintWindowChars is the context kept on each side of a hint span.
	HintWindowChars int

	// CallTimeout bounds one inference call. Zero means no timeout.
	CallTimeout time.Duration

	// TimeoutRetries is the number of fresh calls made after a timeout.
	TimeoutRetries int
}

const (
	defaultNegationWindow  = 6
	defaultModelConfidence = 0.75
	defaultPromptCharCap   = 24000
	defaultHintWindowChars = 600
	defaultTimeoutRetries  = 1
)

// DefaultPatternConfig returns the built-in pattern table and cues.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Patterns:       DefaultPatterns(),
		NegationWindow: defaultNegationWindow,
		Cues:           DefaultCues(),
	}
}

// DefaultModelConfig returns the model extractor defaults.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Confidence:      defaultModelConfidence,
		PromptCharCap:   defaultPromptCharCap,
		HintWindowChars: defaultHintWindowChars,
		CallTimeout:     60 * time.Second,
		TimeoutRetries:  defaultTimeoutRetries,
	}
}

const (
	prefixGroup = `(?P<prefix>yc|yp|c|p|r|a)?`
	compPrefix  = `(?:yc|yp|c|p)?`
	tGroup      = `(?P<t>T(?:is|x|[0-4](?:mi|[a-d])?))`
	nGroup      = `(?P<n>N(?:x|1mi|[0-3][a-c]?))`
	mGroup      = `(?P<m>M(?:x|[01][a-d]?))`
	sep         = `[\s,]*`
)

// DefaultPatterns returns the built-in table ordered from most to least
// specific.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Full TNM classification
		{
			Name:   "tnm_triple",
			System: staging.SystemTNM,
			Weight: 0.95,
			Regex:  `(?i)\b` + prefixGroup + tGroup + sep + compPrefix + nGroup + sep + compPrefix + mGroup + `\b`,
		},
		{
			Name:   "tnm_pair",
			System: staging.SystemTNM,
			Weight: 0.85,
			Regex:  `(?i)\b` + prefixGroup + tGroup + sep + compPrefix + nGroup + `\b`,
		},
		{
			Name:   "ajcc_roman",
			System: staging.SystemAJCCSummary,
			Weight: 0.85,
			Regex:  `\b(?i:(?:ajcc\s+)?(?:(?:clinical|pathologic(?:al)?|overall)\s+)?stage)\s*(?:is\s+|of\s+|:\s*|=\s*)?(?P<summary>IV|I{1,3}|0)(?P<sub>[A-Ca-c][1-3]?)?\b`,
		},
		{
			Name:   "tnm_nodes_mets",
			System: staging.SystemTNM,
			Weight: 0.80,
			Regex:  `(?i)\b` + `(?P<prefix>yc|yp|c|p)?` + nGroup + sep + compPrefix + mGroup + `\b`,
		},
		{
			Name:   "named_stage",
			System: staging.SystemOther,
			Weight: 0.80,
			Regex:  `(?i)\b(?P<named>limited|extensive)[\s-]+stage\b`,
		},
		{
			Name:   "ajcc_arabic",
			System: staging.SystemAJCCSummary,
			Weight: 0.60,
			Regex:  `(?i)\bstage\s*(?::\s*)?(?P<summary>[0-4])(?P<sub>[A-Ca-c][1-3]?)?\b`,
		},
		// Isolated components are ambiguous abbreviations; case-sensitive
		// to keep prose like "t2" out.
		{
			Name:   "tnm_component",
			System: staging.SystemTNM,
			Weight: 0.50,
			Regex:  `\b(?P<prefix>yc|yp|c|p)?(?:(?P<t>T(?:is|X|[0-4](?:mi|[a-d])?))|(?P<n>N(?:X|1mi|[0-3][a-c]?))|(?P<m>M(?:X|[01][a-d]?)))\b`,
		},
	}
}
