package extraction

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

func TestBuildPrompt_ShortNote(t *testing.T) {
	note := "Pathology: T2N1M0, stage IIIA adenocarcinoma."
	prompt := BuildPrompt(note, nil, DefaultModelConfig())

	assert.Contains(t, prompt, note)
	assert.NotContains(t, prompt, truncateMarker)
	assert.LessOrEqual(t, len(prompt), DefaultModelConfig().PromptCharCap)
}

func TestBuildPrompt_Cap(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.PromptCharCap = 2000

	prompt := BuildPrompt(strings.Repeat("a", 10000), nil, cfg)

	assert.LessOrEqual(t, len(prompt), cfg.PromptCharCap)
	assert.Contains(t, prompt, truncateMarker)
}

func TestBuildPrompt_CapKeepsUTF8(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.PromptCharCap = len(promptTemplate) + 101

	prompt := BuildPrompt(strings.Repeat("é", 500), nil, cfg)

	assert.True(t, utf8.ValidString(prompt))
	assert.LessOrEqual(t, len(prompt), cfg.PromptCharCap)
}

func TestBuildPrompt_WindowsAroundHints(t *testing.T) {
	before := strings.Repeat("x ", 1000)
	after := strings.Repeat(" y", 1000)
	text := before + "T2N0M0" + after
	hint := staging.Span{Start: len(before), End: len(before) + len("T2N0M0")}

	cfg := DefaultModelConfig()
	cfg.HintWindowChars = 20
	prompt := BuildPrompt(text, []staging.Span{hint}, cfg)

	assert.Contains(t, prompt, "T2N0M0")
	assert.Contains(t, prompt, "...")
	assert.NotContains(t, prompt, before)
	assert.Less(t, len(prompt), len(promptTemplate)+200)
}

func TestWindowAround_MergesOverlaps(t *testing.T) {
	text := "0123456789abcdefghij"
	got := windowAround(text, []staging.Span{{Start: 2, End: 3}, {Start: 5, End: 6}}, 2)
	assert.Equal(t, "01234567 ...", got)
}

func TestPromptCapFromContext(t *testing.T) {
	assert.Equal(t, 25088, PromptCapFromContext(8192, 3.5, 1024))
	assert.Equal(t, 0, PromptCapFromContext(100, 3.5, 200))
	assert.Equal(t, 0, PromptCapFromContext(8192, 0, 0))
}
