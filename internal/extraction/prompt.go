package extraction

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

const promptTemplate = `You are a medical assistant that extracts cancer staging information from clinical notes.

Read the clinical note below and report the cancer stage it states for the current encounter.
Ignore staging that is negated or ruled out. If the only stage given is a prior or recalled stage, report it and set "historical" to true.

Respond with ONLY a JSON object of this form and no other text:
{"found": true, "system": "TNM" | "AJCC_SUMMARY" | "OTHER", "prefix": "", "t": "", "n": "", "m": "", "summary": "", "laterality": "", "tumor_sequence": null, "historical": false, "evidence": ""}

Use {"found": false} when the note contains no staging information.

Clinical note:
%s`

const (
	elision        = " ... "
	truncateMarker = " [truncated]"
)

// BuildPrompt assembles the model prompt for text. When hints are given
// the note is reduced to windows around them; the result never exceeds
// cfg.PromptCharCap bytes.
func BuildPrompt(text string, hints []staging.Span, cfg ModelConfig) string {
	text = strings.ToValidUTF8(text, "�")
	budget := cfg.PromptCharCap - (len(promptTemplate) - len("%s"))
	if budget < 0 {
		budget = 0
	}

	body := text
	if len(hints) > 0 {
		body = windowAround(text, hints, cfg.HintWindowChars)
	}
	if len(body) > budget {
		cut := budget - len(truncateMarker)
		if cut < 0 {
			cut = 0
		}
		body = truncateUTF8(body, cut) + truncateMarker
		if len(body) > budget {
			body = truncateUTF8(body, budget)
		}
	}
	return fmt.Sprintf(promptTemplate, body)
}

// windowAround keeps ±width bytes around each span, merging overlaps.
func windowAround(text string, hints []staging.Span, width int) string {
	spans := make([]staging.Span, 0, len(hints))
	for _, h := range hints {
		start := clamp(h.Start-width, 0, len(text))
		end := clamp(h.End+width, 0, len(text))
		start = runeStart(text, start)
		end = runeStart(text, end)
		if end > start {
			spans = append(spans, staging.Span{Start: start, End: end})
		}
	}
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	merged := []staging.Span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}

	parts := make([]string, len(merged))
	for i, s := range merged {
		parts[i] = text[s.Start:s.End]
	}
	out := strings.Join(parts, elision)
	if merged[0].Start > 0 {
		out = strings.TrimLeft(elision, " ") + out
	}
	if merged[len(merged)-1].End < len(text) {
		out += strings.TrimRight(elision, " ")
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeStart(s, n)]
}

// PromptCapFromContext derives a prompt byte cap from a model context size,
// reserving room for the response and chat template.
func PromptCapFromContext(contextTokens int, charsPerToken float64, reservedTokens int) int {
	usable := contextTokens - reservedTokens
	if usable <= 0 || charsPerToken <= 0 {
		return 0
	}
	return int(float64(usable) * charsPerToken)
}
