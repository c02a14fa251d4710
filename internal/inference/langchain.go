package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
)

// LangChain runs prompts through a langchaingo model.
type LangChain struct {
	llm     llms.Model
	name    string
	options []llms.CallOption
	caller  *caller
}

// NewOllama connects to a local Ollama server. The model is asked for
// JSON output.
func NewOllama(cfg Config, logger *logging.Logger) (*LangChain, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
		ollama.WithFormat("json"),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return NewLangChain("ollama", llm, cfg, logger), nil
}

// NewOpenAI connects to an OpenAI-compatible chat completions endpoint
// (vLLM, TGI, Ollama's /v1, or the hosted API).
func NewOpenAI(cfg Config, logger *logging.Logger) (*LangChain, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// The client refuses to start without a token; local servers ignore it.
	token := cfg.APIKey.Value()
	if token == "" {
		token = "unused"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewLangChain("openai", llm, cfg, logger), nil
}

// NewLangChain wraps an already constructed model.
func NewLangChain(name string, llm llms.Model, cfg Config, logger *logging.Logger) *LangChain {
	cfg.applyDefaults()
	return &LangChain{
		llm:  llm,
		name: name,
		options: []llms.CallOption{
			llms.WithTemperature(cfg.Temperature),
			llms.WithMaxTokens(cfg.MaxTokens),
		},
		caller: newCaller(name, cfg, classifyLangChain, logger),
	}
}

// Infer implements extraction.Inferencer.
func (l *LangChain) Infer(ctx context.Context, prompt string) (string, error) {
	return l.caller.do(ctx, func(ctx context.Context) (string, error) {
		return llms.GenerateFromSinglePrompt(ctx, l.llm, prompt, l.options...)
	})
}

// Name returns the backend name.
func (l *LangChain) Name() string { return l.name }

func classifyLangChain(err error) verdict {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return retry
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return retry
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return retry
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return unavailable
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"):
		return unavailable
	case strings.Contains(msg, "429"), strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"):
		return retry
	}
	return fail
}
