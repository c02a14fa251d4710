package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// fakeModel replays scripted replies; an entry with a nil error and an
// empty text blocks until the context ends.
type fakeModel struct {
	mu      sync.Mutex
	replies []fakeReply
	calls   int
	opts    llms.CallOptions
}

type fakeReply struct {
	text  string
	err   error
	block bool
}

func (f *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	for _, o := range options {
		o(&f.opts)
	}
	f.mu.Unlock()

	if idx >= len(f.replies) {
		return nil, fmt.Errorf("unexpected call %d", idx+1)
	}
	r := f.replies[idx]
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: r.text}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Model:          "llama3.1:8b",
		MaxTokens:      128,
		Temperature:    0.1,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}
}

func TestLangChain_Infer(t *testing.T) {
	model := &fakeModel{replies: []fakeReply{{text: `{"found": false}`}}}
	lc := NewLangChain("ollama", model, testConfig(), nil)

	out, err := lc.Infer(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"found": false}`, out)
	assert.Equal(t, 1, model.callCount())
	assert.Equal(t, 0.1, model.opts.Temperature)
	assert.Equal(t, 128, model.opts.MaxTokens)
	assert.Equal(t, "ollama", lc.Name())
}

func TestLangChain_RetriesConnectionRefused(t *testing.T) {
	refused := fmt.Errorf("post: %w", syscall.ECONNREFUSED)
	model := &fakeModel{replies: []fakeReply{{err: refused}, {text: "NA"}}}
	lc := NewLangChain("ollama", model, testConfig(), nil)

	out, err := lc.Infer(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "NA", out)
	assert.Equal(t, 2, model.callCount())
}

func TestLangChain_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		replies   []fakeReply
		wantIs    error
		wantCalls int
	}{
		{
			name: "refused until retries exhausted",
			replies: []fakeReply{
				{err: errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")},
				{err: errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")},
				{err: errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")},
			},
			wantIs:    staging.ErrModelUnavailable,
			wantCalls: 3,
		},
		{
			name:      "missing model is not retried",
			replies:   []fakeReply{{err: errors.New(`model "llama3.1:8b" not found, try pulling it first`)}},
			wantIs:    staging.ErrModelUnavailable,
			wantCalls: 1,
		},
		{
			name:      "empty response is a per-request failure",
			replies:   []fakeReply{{err: errors.New("empty response from model")}},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{replies: tt.replies}
			lc := NewLangChain("ollama", model, testConfig(), nil)

			_, err := lc.Infer(context.Background(), "prompt")
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			} else {
				assert.NotErrorIs(t, err, staging.ErrModelUnavailable)
				assert.NotErrorIs(t, err, staging.ErrModelTimeout)
			}
			assert.Equal(t, tt.wantCalls, model.callCount())
		})
	}
}

func TestLangChain_DeadlineIsTimeout(t *testing.T) {
	model := &fakeModel{replies: []fakeReply{{block: true}}}
	lc := NewLangChain("ollama", model, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := lc.Infer(ctx, "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrModelTimeout)
	assert.Equal(t, staging.KindModelTimeout, staging.KindOf(err))
	assert.Equal(t, 1, model.callCount())
}

func TestLangChain_CancellationPassesThrough(t *testing.T) {
	model := &fakeModel{replies: []fakeReply{{block: true}}}
	lc := NewLangChain("ollama", model, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := lc.Infer(ctx, "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, staging.ErrModelTimeout)
}

func TestLangChain_RateLimitWaitBeyondDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerMinute = 1
	model := &fakeModel{replies: []fakeReply{{text: "NA"}, {text: "NA"}}}
	lc := NewLangChain("ollama", model, cfg, nil)

	_, err := lc.Infer(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = lc.Infer(ctx, "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrModelTimeout)
	assert.Equal(t, 1, model.callCount())
}

func TestNewOllama_RequiresModel(t *testing.T) {
	_, err := NewOllama(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model name is required")
}

func TestNew_Providers(t *testing.T) {
	inf, err := New(Config{Provider: "ollama", Model: "llama3.1:8b", BaseURL: "http://localhost:11434"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LangChain{}, inf)

	inf, err = New(Config{Provider: "openai", Model: "qwen2.5", BaseURL: "http://localhost:8000/v1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LangChain{}, inf)

	_, err = New(Config{Provider: "vertex", Model: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
