package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

func newPatternExtractor(t *testing.T) *PatternExtractor {
	t.Helper()
	e, err := NewPatternExtractor(DefaultPatternConfig())
	require.NoError(t, err)
	return e
}

func extract(t *testing.T, e Extractor, text string) []staging.Candidate {
	t.Helper()
	cands, err := e.Extract(context.Background(), Request{Note: staging.NoteRecord{NoteID: "n1", NoteText: text}})
	require.NoError(t, err)
	return cands
}

func TestPatternExtractor_PathologyScenario(t *testing.T) {
	cands := extract(t, newPatternExtractor(t), "Pathology: T2N1M0, stage IIIA adenocarcinoma")
	require.Len(t, cands, 2)

	tnm := cands[0]
	assert.Equal(t, "tnm_triple", tnm.Pattern)
	assert.Equal(t, staging.Stage{System: staging.SystemTNM, T: "T2", N: "N1", M: "M0"}, tnm.Stage)
	assert.Equal(t, 0.95, tnm.Confidence)
	assert.Equal(t, "T2N1M0", tnm.RawMatch)
	assert.False(t, tnm.Negated)
	assert.Equal(t, "n1/pattern/0", tnm.ID)

	summary := cands[1]
	assert.Equal(t, staging.Stage{System: staging.SystemAJCCSummary, Summary: "IIIA"}, summary.Stage)
	assert.Less(t, summary.Confidence, tnm.Confidence)
	assert.Equal(t, staging.SourcePattern, summary.Source)
}

func TestPatternExtractor_NegatedScenario(t *testing.T) {
	cands := extract(t, newPatternExtractor(t), "No evidence of metastatic disease (M0 ruled out)")
	require.Len(t, cands, 1)
	assert.Equal(t, "M0", cands[0].Stage.M)
	assert.True(t, cands[0].Negated)
	assert.Equal(t, "tnm_component", cands[0].Pattern)
}

func TestPatternExtractor_NoStagingVocabulary(t *testing.T) {
	e := newPatternExtractor(t)
	notes := []string{
		"Patient doing well. Follow up in 3 months.",
		"Discussed diet and exercise; blood pressure 120/80.",
		"MRI of the brain was unremarkable. Tissue sample sent.",
		"Tumor board meeting scheduled for Tuesday.",
		"She reports fatigue but no fevers.",
	}
	for _, note := range notes {
		assert.Empty(t, extract(t, e, note), note)
	}
}

func TestPatternExtractor_Specificity(t *testing.T) {
	e := newPatternExtractor(t)

	tests := []struct {
		name        string
		text        string
		wantPattern []string
		wantKeys    []string
	}{
		{
			name:        "prefixed spaced triple",
			text:        "Final: pT1c pN0 cM0 invasive ductal carcinoma",
			wantPattern: []string{"tnm_triple"},
			wantKeys:    []string{"TNM:T1cN0M0"},
		},
		{
			name:        "pair",
			text:        "ypT2 N1 after neoadjuvant therapy",
			wantPattern: []string{"tnm_pair"},
			wantKeys:    []string{"TNM:T2N1"},
		},
		{
			name:        "roman with label",
			text:        "AJCC stage: IIB",
			wantPattern: []string{"ajcc_roman"},
			wantKeys:    []string{"AJCC_SUMMARY:IIB"},
		},
		{
			name:        "arabic",
			text:        "Diagnosed with stage 4 lung cancer",
			wantPattern: []string{"ajcc_arabic"},
			wantKeys:    []string{"AJCC_SUMMARY:IV"},
		},
		{
			name:        "named",
			text:        "extensive-stage small cell lung cancer",
			wantPattern: []string{"named_stage"},
			wantKeys:    []string{"OTHER:EXTENSIVE"},
		},
		{
			name:        "multi tumor",
			text:        "Left breast: T2N0M0. Right breast: T1N0M0.",
			wantPattern: []string{"tnm_triple", "tnm_triple"},
			wantKeys:    []string{"TNM:T2N0M0", "TNM:T1N0M0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cands := extract(t, e, tt.text)
			require.Len(t, cands, len(tt.wantKeys))
			for i := range cands {
				assert.Equal(t, tt.wantPattern[i], cands[i].Pattern)
				assert.Equal(t, tt.wantKeys[i], cands[i].Stage.Key())
			}
		})
	}
}

func TestPatternExtractor_Laterality(t *testing.T) {
	cands := extract(t, newPatternExtractor(t), "Left breast: T2N0M0. Right breast: T1N0M0.")
	require.Len(t, cands, 2)
	assert.Equal(t, staging.LateralityLeft, cands[0].Stage.Laterality)
	assert.Equal(t, staging.LateralityRight, cands[1].Stage.Laterality)
}

func TestPatternExtractor_Historical(t *testing.T) {
	cands := extract(t, newPatternExtractor(t), "History of stage II breast cancer in 2010, now with stage IV recurrence.")
	require.Len(t, cands, 2)
	assert.True(t, cands[0].Historical)
	assert.Equal(t, "AJCC_SUMMARY:II", cands[0].Stage.Key())
	assert.False(t, cands[1].Historical)
	assert.Equal(t, "AJCC_SUMMARY:IV", cands[1].Stage.Key())
}

func TestPatternExtractor_Exclusions(t *testing.T) {
	e := newPatternExtractor(t)
	for _, text := range []string{
		"CKD stage 3, on dialysis evaluation",
		"stage 3 CKD",
		"T1-weighted images show no enhancement",
		"stage 2 pressure ulcer on the sacrum",
		"at this stage I think we should wait",
	} {
		assert.Empty(t, extract(t, e, text), text)
	}
}

func TestPatternExtractor_InvalidEncoding(t *testing.T) {
	e := newPatternExtractor(t)
	cands, err := e.Extract(context.Background(), Request{Note: staging.NoteRecord{NoteID: "bad", NoteText: "stage \xff\xfe IV"}})
	assert.Empty(t, cands)
	assert.True(t, errors.Is(err, staging.ErrInvalidEncoding))
}

func TestPatternExtractor_Deterministic(t *testing.T) {
	e := newPatternExtractor(t)
	text := "cT3 N2 M0, clinical stage IIIB; prior stage IIA in 2015."
	first := extract(t, e, text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, extract(t, e, text))
	}
}

func TestNewPatternExtractor_CompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
	}{
		{"bad regex", Pattern{Name: "bad", Regex: `(?P<t>T[0-4]`, Weight: 0.5, System: staging.SystemTNM}},
		{"zero weight", Pattern{Name: "w", Regex: `(?P<t>T[0-4])`, Weight: 0, System: staging.SystemTNM}},
		{"weight above one", Pattern{Name: "w", Regex: `(?P<t>T[0-4])`, Weight: 1.5, System: staging.SystemTNM}},
		{"missing groups", Pattern{Name: "g", Regex: `T[0-4]`, Weight: 0.5, System: staging.SystemTNM}},
		{"summary group", Pattern{Name: "s", Regex: `stage (I+)`, Weight: 0.5, System: staging.SystemAJCCSummary}},
		{"unknown system", Pattern{Name: "u", Regex: `(?P<t>T[0-4])`, Weight: 0.5, System: "ROMAN"}},
		{"empty name", Pattern{Regex: `(?P<t>T[0-4])`, Weight: 0.5, System: staging.SystemTNM}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPatternExtractor(PatternConfig{Patterns: []Pattern{tt.pattern}})
			require.Error(t, err)
			assert.ErrorIs(t, err, staging.ErrPatternCompile)
			var pce *staging.PatternCompileError
			assert.ErrorAs(t, err, &pce)
		})
	}

	dup := Pattern{Name: "d", Regex: `(?P<t>T[0-4])`, Weight: 0.5, System: staging.SystemTNM}
	_, err := NewPatternExtractor(PatternConfig{Patterns: []Pattern{dup, dup}})
	assert.ErrorIs(t, err, staging.ErrPatternCompile)
}
