package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

func cand(conf float64, negated bool) staging.Candidate {
	return staging.Candidate{
		Source:     staging.SourcePattern,
		Stage:      staging.Stage{System: staging.SystemAJCCSummary, Summary: "II"},
		Confidence: conf,
		Negated:    negated,
	}
}

func TestBelowConfidence(t *testing.T) {
	gate := BelowConfidence(0.80)
	tests := []struct {
		name  string
		prior []staging.Candidate
		want  bool
	}{
		{"no candidates", nil, true},
		{"only negated", []staging.Candidate{cand(0.95, true)}, true},
		{"weak match", []staging.Candidate{cand(0.60, false)}, true},
		{"at threshold", []staging.Candidate{cand(0.80, false)}, false},
		{"strong match", []staging.Candidate{cand(0.60, false), cand(0.95, false)}, false},
		{"negated strong, weak kept", []staging.Candidate{cand(0.95, true), cand(0.50, false)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gate(staging.NoteRecord{}, tt.prior))
		})
	}
}

func TestPipeline(t *testing.T) {
	pattern := &funcExtractor{name: "pattern"}
	model := &funcExtractor{name: "model"}

	t.Run("pattern only", func(t *testing.T) {
		stages := Pipeline(pattern, nil, 4, 2, 0.80)
		require.Len(t, stages, 1)
		assert.Equal(t, "pattern", stages[0].Extractor.Name())
		assert.Equal(t, 4, stages[0].Workers)
	})

	t.Run("with model", func(t *testing.T) {
		stages := Pipeline(pattern, model, 4, 2, 0.80)
		require.Len(t, stages, 2)
		assert.Equal(t, "model", stages[1].Extractor.Name())
		assert.Equal(t, 2, stages[1].Workers)
		assert.True(t, stages[1].Gate(staging.NoteRecord{}, []staging.Candidate{cand(0.60, false)}))
		assert.False(t, stages[1].Gate(staging.NoteRecord{}, []staging.Candidate{cand(0.95, false)}))
	})
}
