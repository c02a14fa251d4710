package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// fakeInferencer replays a scripted sequence of responses.
type fakeInferencer struct {
	mu      sync.Mutex
	replies []func(ctx context.Context) (string, error)
	prompts []string
}

func (f *fakeInferencer) Infer(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if i >= len(f.replies) {
		return "", fmt.Errorf("unexpected call %d", i+1)
	}
	return f.replies[i](ctx)
}

func (f *fakeInferencer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func reply(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func newModelExtractor(t *testing.T, infer Inferencer, mutate func(*ModelConfig)) *ModelExtractor {
	t.Helper()
	cfg := DefaultModelConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewModelExtractor(infer, cfg, nil)
	require.NoError(t, err)
	return e
}

func modelRequest(text string) Request {
	return Request{Note: staging.NoteRecord{NoteID: "n1", PatientID: "p1", NoteText: text}}
}

func TestModelExtractor_Candidate(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){
		reply(`{"found": true, "system": "TNM", "prefix": "p", "t": "T2", "n": "N0", "m": "M0", "laterality": "left"}`),
	}}
	e := newModelExtractor(t, infer, nil)

	cands, err := e.Extract(context.Background(), modelRequest("Left breast mass, pT2 pN0 cM0."))
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, "n1/model/0", c.ID)
	assert.Equal(t, staging.SourceModel, c.Source)
	assert.Equal(t, "TNM:T2N0M0", c.Stage.Key())
	assert.Equal(t, staging.LateralityLeft, c.Stage.Laterality)
	assert.InDelta(t, 0.75, c.Confidence, 1e-9)
	assert.False(t, c.Negated)
	assert.NoError(t, c.Validate())
}

func TestModelExtractor_NoStage(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){reply("NA")}}
	e := newModelExtractor(t, infer, nil)

	cands, err := e.Extract(context.Background(), modelRequest("Routine follow-up."))
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestModelExtractor_Historical(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){
		reply(`{"found": true, "system": "AJCC_SUMMARY", "summary": "IIA", "historical": true}`),
	}}
	e := newModelExtractor(t, infer, nil)

	cands, err := e.Extract(context.Background(), modelRequest("Stage IIA breast cancer in 2012."))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.True(t, cands[0].Historical)
}

func TestModelExtractor_RetriesTimeoutOnce(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){
		fail(context.DeadlineExceeded),
		reply("TNM: T1N0M0"),
	}}
	e := newModelExtractor(t, infer, nil)

	cands, err := e.Extract(context.Background(), modelRequest("T1N0M0"))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 2, infer.calls())
}

func TestModelExtractor_TimeoutAfterRetry(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){
		fail(context.DeadlineExceeded),
		fail(context.DeadlineExceeded),
	}}
	e := newModelExtractor(t, infer, nil)

	_, err := e.Extract(context.Background(), modelRequest("T1N0M0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrModelTimeout)
	assert.Equal(t, staging.KindModelTimeout, staging.KindOf(err))
	assert.Equal(t, 2, infer.calls())
}

func TestModelExtractor_CallTimeout(t *testing.T) {
	blocking := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){blocking}}
	e := newModelExtractor(t, infer, func(c *ModelConfig) {
		c.CallTimeout = 10 * time.Millisecond
		c.TimeoutRetries = 0
	})

	_, err := e.Extract(context.Background(), modelRequest("T1N0M0"))
	assert.ErrorIs(t, err, staging.ErrModelTimeout)
	assert.Equal(t, 1, infer.calls())
}

func TestModelExtractor_UnavailableNotRetried(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){
		fail(fmt.Errorf("%w: connection refused", staging.ErrModelUnavailable)),
	}}
	e := newModelExtractor(t, infer, nil)

	_, err := e.Extract(context.Background(), modelRequest("T1N0M0"))
	assert.ErrorIs(t, err, staging.ErrModelUnavailable)
	assert.Equal(t, 1, infer.calls())
}

func TestModelExtractor_MalformedOutput(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){
		reply("I am not sure what you mean."),
	}}
	e := newModelExtractor(t, infer, nil)

	cands, err := e.Extract(context.Background(), modelRequest("T1N0M0"))
	assert.Nil(t, cands)
	assert.True(t, errors.Is(err, staging.ErrModelMalformedOutput))
}

func TestModelExtractor_PromptUsesHints(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){reply("NA")}}
	e := newModelExtractor(t, infer, func(c *ModelConfig) { c.HintWindowChars = 10 })

	filler := strings.Repeat("unrelated text ", 200)
	text := filler + "stage IIB" + filler
	prior := staging.Candidate{
		ID:     "n1/pattern/0",
		Span:   staging.Span{Start: len(filler), End: len(filler) + len("stage IIB")},
		Source: staging.SourcePattern,
	}

	_, err := e.Extract(context.Background(), Request{Note: modelRequest(text).Note, Prior: []staging.Candidate{prior}})
	require.NoError(t, err)
	require.Equal(t, 1, infer.calls())
	assert.Contains(t, infer.prompts[0], "stage IIB")
	assert.NotContains(t, infer.prompts[0], filler)
}

func TestModelExtractor_TracesPromptWithoutText(t *testing.T) {
	infer := &fakeInferencer{replies: []func(context.Context) (string, error){reply("NA")}}
	logger := logging.NewTestLogger()
	e, err := NewModelExtractor(infer, DefaultModelConfig(), logger.Logger)
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), modelRequest("Pathology: T2N1M0"))
	require.NoError(t, err)

	logger.AssertLogged(t, logging.TraceLevel, "model prompt built")
	entries := logger.FilterMessage("model prompt built").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, fmt.Sprintf("[REDACTED:%d]", len(infer.prompts[0])), fields["prompt"])
	assert.Equal(t, int64(0), fields["hints"])
	logger.AssertNoSecrets(t)
}

func TestNewModelExtractor_Validation(t *testing.T) {
	_, err := NewModelExtractor(nil, DefaultModelConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultModelConfig()
	cfg.Confidence = 1.5
	_, err = NewModelExtractor(&fakeInferencer{}, cfg, nil)
	assert.Error(t, err)
}
