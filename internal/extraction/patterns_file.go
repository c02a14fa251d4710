package extraction

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// patternFile is the TOML layout of a pattern table.
type patternFile struct {
	Patterns []Pattern `toml:"pattern"`
	Cues     *CueSet   `toml:"cues"`
}

// LoadPatternFile reads a pattern table and optional cue vocabulary from a
// TOML file. Unknown keys are rejected so a typo cannot silently disable a
// pattern. The returned config still has to be compiled by
// NewPatternExtractor.
func LoadPatternFile(path string) (PatternConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return PatternConfig{}, &staging.PatternCompileError{Pattern: path, Err: err}
	}

	var pf patternFile
	md, err := toml.DecodeFile(path, &pf)
	if err != nil {
		return PatternConfig{}, &staging.PatternCompileError{Pattern: path, Err: fmt.Errorf("parse: %w", err)}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return PatternConfig{}, &staging.PatternCompileError{
			Pattern: path,
			Err:     fmt.Errorf("unknown keys: %s", strings.Join(keys, ", ")),
		}
	}
	if len(pf.Patterns) == 0 {
		return PatternConfig{}, &staging.PatternCompileError{Pattern: path, Err: fmt.Errorf("no [[pattern]] entries")}
	}

	cfg := DefaultPatternConfig()
	cfg.Patterns = pf.Patterns
	if pf.Cues != nil {
		cfg.Cues = mergeCues(DefaultCues(), pf.Cues)
	}
	return cfg, nil
}

// mergeCues replaces each default list the file sets.
func mergeCues(base, override *CueSet) *CueSet {
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&base.NegationPre, override.NegationPre)
	pick(&base.NegationPost, override.NegationPost)
	pick(&base.HistoricalPre, override.HistoricalPre)
	pick(&base.HistoricalPost, override.HistoricalPost)
	pick(&base.ExclusionPre, override.ExclusionPre)
	pick(&base.ExclusionPost, override.ExclusionPost)
	pick(&base.Breakers, override.Breakers)
	return base
}
