package extraction

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// CueSet is the vocabulary for the cue-window scan. Pre cues are looked
// for before a match, post cues after it.
type CueSet struct {
	NegationPre    []string `toml:"negation_pre"`
	NegationPost   []string `toml:"negation_post"`
	HistoricalPre  []string `toml:"historical_pre"`
	HistoricalPost []string `toml:"historical_post"`

	// Exclusions mark non-oncologic uses of staging words ("stage 3 CKD",
	// "T1-weighted"). Excluded matches yield no candidate.
	ExclusionPre  []string `toml:"exclusion_pre"`
	ExclusionPost []string `toml:"exclusion_post"`

	// Breakers end a clause: scanning never crosses them.
	Breakers []string `toml:"breakers"`
}

// DefaultCues returns the built-in cue vocabulary.
func DefaultCues() *CueSet {
	return &CueSet{
		NegationPre: []string{
			"no evidence of", "negative for", "no", "not", "without",
			"free of", "denies", "rule out", "r/o",
		},
		NegationPost: []string{
			"ruled out", "was excluded", "is excluded", "excluded", "unlikely",
			"not present", "not seen",
		},
		HistoricalPre: []string{
			"history of", "hx of", "h/o", "prior", "previous", "previously",
			"remote", "status post", "s/p", "originally", "initially",
		},
		HistoricalPost: []string{
			"in the past", "years ago", "previously", "in remission",
		},
		ExclusionPre:  []string{"end", "ckd", "kidney", "renal", "ulcer", "injury"},
		ExclusionPost: []string{
			"ckd", "kidney", "renal", "pressure", "ulcer", "decubitus",
			"weighted", "sleep", "labor", "hypertension", "lymphedema",
		},
		Breakers: []string{"but", "however", "now", "although", "currently"},
	}
}

// ContextFlags is the outcome of scanning the text around one match.
type ContextFlags struct {
	Negated    bool
	Historical bool
	Excluded   bool
	Laterality staging.Laterality
}

const exclusionWords = 3

// ScanContext inspects up to window words on each side of span, stopping
// at sentence terminators and clause breakers, and reports which cues
// apply. Negation and historical cues before the match also stop at
// commas, colons and brackets; laterality does not. It is a pure function
// of its inputs.
func ScanContext(text string, span staging.Span, window int, cues *CueSet) ContextFlags {
	if cues == nil {
		cues = DefaultCues()
	}
	if span.Start < 0 {
		span.Start = 0
	}
	if span.End > len(text) {
		span.End = len(text)
	}

	pre := clipBefore(text[:span.Start])
	post := clipAfter(text[span.End:])

	preWords := dropBeforeBreaker(words(pre), cues.Breakers)
	postWords := keepBeforeBreaker(words(post), cues.Breakers)

	preWin := lastN(preWords, window)
	postWin := firstN(postWords, window)

	// Pre cues must sit in the same phrase as the match: in "no
	// lymphovascular invasion, pT2N0M0" the "no" belongs to the invasion.
	cueWin := lastN(dropBeforeBreaker(words(clipPhraseBefore(pre)), cues.Breakers), window)

	var flags ContextFlags
	flags.Negated = containsCue(cueWin, cues.NegationPre) || containsCue(postWin, cues.NegationPost)
	flags.Historical = containsCue(cueWin, cues.HistoricalPre) || containsCue(postWin, cues.HistoricalPost)

	phrase := firstN(words(clipPhrase(post)), exclusionWords)
	flags.Excluded = containsCue(lastN(preWords, 1), cues.ExclusionPre) || containsCue(phrase, cues.ExclusionPost)

	flags.Laterality = laterality(preWin, postWin)
	return flags
}

// clipBefore keeps the text after the last sentence terminator.
func clipBefore(s string) string {
	if i := strings.LastIndexAny(s, ".;!?\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// clipAfter keeps the text before the first sentence terminator.
func clipAfter(s string) string {
	if i := strings.IndexAny(s, ".;!?\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// clipPhrase keeps the text before the first phrase-level punctuation.
func clipPhrase(s string) string {
	if i := strings.IndexAny(s, ",:()[]"); i >= 0 {
		return s[:i]
	}
	return s
}

// clipPhraseBefore keeps the text after the last phrase-level punctuation.
func clipPhraseBefore(s string) string {
	if i := strings.LastIndexAny(s, ",:()[]"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '\'')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-/'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func dropBeforeBreaker(ws []string, breakers []string) []string {
	for i := len(ws) - 1; i >= 0; i-- {
		if contains(breakers, ws[i]) {
			return ws[i+1:]
		}
	}
	return ws
}

func keepBeforeBreaker(ws []string, breakers []string) []string {
	for i, w := range ws {
		if contains(breakers, w) {
			return ws[:i]
		}
	}
	return ws
}

func lastN(ws []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(ws) > n {
		return ws[len(ws)-n:]
	}
	return ws
}

func firstN(ws []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(ws) > n {
		return ws[:n]
	}
	return ws
}

// containsCue matches multi-word cues on word boundaries.
func containsCue(ws []string, cues []string) bool {
	if len(ws) == 0 {
		return false
	}
	joined := " " + strings.Join(ws, " ") + " "
	for _, c := range cues {
		c = strings.Join(words(c), " ")
		if c != "" && strings.Contains(joined, " "+c+" ") {
			return true
		}
	}
	return false
}

func contains(list []string, w string) bool {
	for _, v := range list {
		if v == w {
			return true
		}
	}
	return false
}

func laterality(pre, post []string) staging.Laterality {
	var left, right bool
	for _, w := range append(append([]string{}, pre...), post...) {
		switch w {
		case "bilateral":
			return staging.LateralityBilateral
		case "left":
			left = true
		case "right":
			right = true
		}
	}
	switch {
	case left && right:
		return staging.LateralityBilateral
	case left:
		return staging.LateralityLeft
	case right:
		return staging.LateralityRight
	}
	return staging.LateralityNone
}
