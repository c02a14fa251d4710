package extraction

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// PatternExtractor implements Extractor with an ordered pattern table.
// It is deterministic, makes no external calls and is safe for concurrent
// use: compiled patterns are read-only after construction.
type PatternExtractor struct {
	patterns []*compiledPattern
	window   int
	cues     *CueSet
}

// compiledPattern holds a pre-compiled table entry.
type compiledPattern struct {
	Pattern
	regex  *regexp.Regexp
	groups map[string]int
}

// NewPatternExtractor compiles cfg's table. Any bad entry fails the whole
// table with a *staging.PatternCompileError.
func NewPatternExtractor(cfg PatternConfig) (*PatternExtractor, error) {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}

	compiled := make([]*compiledPattern, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		cp, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, &staging.PatternCompileError{Pattern: p.Name, Err: fmt.Errorf("duplicate pattern name")}
		}
		seen[p.Name] = true
		compiled = append(compiled, cp)
	}

	window := cfg.NegationWindow
	if window == 0 {
		window = defaultNegationWindow
	}
	cues := cfg.Cues
	if cues == nil {
		cues = DefaultCues()
	}

	return &PatternExtractor{
		patterns: compiled,
		window:   window,
		cues:     cues,
	}, nil
}

func compilePattern(p Pattern) (*compiledPattern, error) {
	fail := func(format string, args ...any) error {
		return &staging.PatternCompileError{Pattern: p.Name, Err: fmt.Errorf(format, args...)}
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fail("pattern name is empty")
	}
	if p.Weight <= 0 || p.Weight > 1 {
		return nil, fail("weight %v outside (0, 1]", p.Weight)
	}
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return nil, &staging.PatternCompileError{Pattern: p.Name, Err: err}
	}

	groups := make(map[string]int)
	for i, name := range re.SubexpNames() {
		if name != "" {
			groups[name] = i
		}
	}
	has := func(names ...string) bool {
		for _, n := range names {
			if _, ok := groups[n]; ok {
				return true
			}
		}
		return false
	}

	switch p.System {
	case staging.SystemTNM:
		if !has("t", "n", "m") {
			return nil, fail("TNM pattern needs a t, n or m group")
		}
	case staging.SystemAJCCSummary:
		if !has("summary") {
			return nil, fail("AJCC_SUMMARY pattern needs a summary group")
		}
	case staging.SystemOther:
		if !has("named") {
			return nil, fail("OTHER pattern needs a named group")
		}
	default:
		return nil, fail("unknown system %q", p.System)
	}

	return &compiledPattern{Pattern: p, regex: re, groups: groups}, nil
}

// Name implements Extractor.
func (e *PatternExtractor) Name() string { return "pattern" }

// Patterns returns the active table in evaluation order.
func (e *PatternExtractor) Patterns() []Pattern {
	out := make([]Pattern, len(e.patterns))
	for i, p := range e.patterns {
		out[i] = p.Pattern
	}
	return out
}

// Extract scans the note text. Text that is not valid UTF-8 yields no
// candidates and an error wrapping staging.ErrInvalidEncoding.
func (e *PatternExtractor) Extract(_ context.Context, req Request) ([]staging.Candidate, error) {
	text := req.Note.NoteText
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("note %s: %w", req.Note.NoteID, staging.ErrInvalidEncoding)
	}

	var consumed []staging.Span
	var candidates []staging.Candidate

	for _, p := range e.patterns {
		for _, loc := range p.regex.FindAllStringSubmatchIndex(text, -1) {
			span := staging.Span{Start: loc[0], End: loc[1]}
			if overlapsAny(consumed, span) {
				continue
			}

			stage, ok := p.normalize(text, loc)
			if !ok || pronounFollows(p, stage, text, span) {
				continue
			}

			flags := ScanContext(text, span, e.window, e.cues)
			consumed = append(consumed, span)
			if flags.Excluded {
				continue
			}
			stage.Laterality = flags.Laterality

			candidates = append(candidates, staging.Candidate{
				NoteID:     req.Note.NoteID,
				Source:     staging.SourcePattern,
				Pattern:    p.Name,
				RawMatch:   text[span.Start:span.End],
				Span:       span,
				Stage:      stage,
				Confidence: p.Weight,
				Negated:    flags.Negated,
				Historical: flags.Historical,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Span.Start < candidates[j].Span.Start
	})
	for i := range candidates {
		candidates[i].ID = fmt.Sprintf("%s/pattern/%d", req.Note.NoteID, i)
	}
	return candidates, nil
}

// normalize builds a canonical stage from a match's named groups.
func (p *compiledPattern) normalize(text string, loc []int) (staging.Stage, bool) {
	group := func(name string) string {
		i, ok := p.groups[name]
		if !ok || loc[2*i] < 0 {
			return ""
		}
		return text[loc[2*i]:loc[2*i+1]]
	}

	var stage staging.Stage
	var err error
	switch p.System {
	case staging.SystemTNM:
		stage.System = staging.SystemTNM
		if stage.Prefix, err = staging.NormalizePrefix(group("prefix")); err != nil {
			return staging.Stage{}, false
		}
		for _, c := range []struct {
			name string
			dst  *string
		}{{"t", &stage.T}, {"n", &stage.N}, {"m", &stage.M}} {
			raw := group(c.name)
			if raw == "" {
				continue
			}
			if *c.dst, err = staging.NormalizeComponent(raw); err != nil {
				return staging.Stage{}, false
			}
		}
	case staging.SystemAJCCSummary:
		base := strings.ToUpper(group("summary"))
		if roman, ok := staging.RomanFromArabic(base); ok {
			base = roman
		}
		stage = staging.Stage{System: staging.SystemAJCCSummary, Summary: base + strings.ToUpper(group("sub"))}
	case staging.SystemOther:
		stage = staging.Stage{System: staging.SystemOther, Summary: strings.ToUpper(group("named"))}
	}

	if stage.Validate() != nil {
		return staging.Stage{}, false
	}
	return stage, true
}

// pronounVerbs follow the pronoun "I" in prose such as "at this stage I think".
var pronounVerbs = map[string]bool{
	"think": true, "believe": true, "feel": true, "would": true, "will": true,
	"am": true, "have": true, "recommend": true, "suspect": true, "discussed": true,
	"explained": true, "told": true, "do": true, "did": true, "can": true, "was": true,
}

// pronounFollows rejects a bare "stage I" that is really the pronoun.
func pronounFollows(p *compiledPattern, stage staging.Stage, text string, span staging.Span) bool {
	if p.System != staging.SystemAJCCSummary || stage.Summary != "I" {
		return false
	}
	next := firstN(words(text[span.End:]), 1)
	return len(next) == 1 && pronounVerbs[next[0]]
}

func overlapsAny(spans []staging.Span, s staging.Span) bool {
	for _, o := range spans {
		if o.Overlaps(s) {
			return true
		}
	}
	return false
}

var _ Extractor = (*PatternExtractor)(nil)
