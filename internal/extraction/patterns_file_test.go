package extraction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

func writePatternFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPatternFile(t *testing.T) {
	path := writePatternFile(t, `
[[pattern]]
name = "figo_like"
regex = '(?i)\bgrade\s+(?P<summary>[1-4])\b'
weight = 0.7
system = "AJCC_SUMMARY"

[cues]
negation_pre = ["absent"]
`)

	cfg, err := LoadPatternFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Patterns, 1)
	assert.Equal(t, "figo_like", cfg.Patterns[0].Name)
	assert.Equal(t, []string{"absent"}, cfg.Cues.NegationPre)
	assert.Equal(t, DefaultCues().Breakers, cfg.Cues.Breakers)

	e, err := NewPatternExtractor(cfg)
	require.NoError(t, err)

	cands, err := e.Extract(context.Background(), Request{Note: staging.NoteRecord{NoteID: "n1", NoteText: "Tumor grade 2."}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "AJCC_SUMMARY:II", cands[0].Stage.Key())
	assert.Equal(t, "figo_like", cands[0].Pattern)
}

func TestLoadPatternFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown key",
			content: "[[pattern]]\nname = \"x\"\nregx = \"T1\"\nweight = 0.5\nsystem = \"TNM\"\n",
		},
		{
			name:    "no patterns",
			content: "[cues]\nbreakers = [\"but\"]\n",
		},
		{
			name:    "invalid toml",
			content: "[[pattern]\nname = ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPatternFile(writePatternFile(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, staging.ErrPatternCompile)
		})
	}
}

func TestLoadPatternFile_Missing(t *testing.T) {
	_, err := LoadPatternFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, staging.ErrPatternCompile)
}
