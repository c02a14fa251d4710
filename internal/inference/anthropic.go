package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/config"
	"github.com/fyrsmithlabs/stagextract/internal/logging"
)

// ErrAPIKeyRequired is returned when the Anthropic backend has no key.
var ErrAPIKeyRequired = errors.New("API key required")

// Anthropic runs prompts through the Anthropic Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
	caller      *caller
}

// NewAnthropic creates a Messages API backend. ANTHROPIC_API_KEY is used
// when the configuration carries no key.
func NewAnthropic(cfg Config, logger *logging.Logger) (*Anthropic, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set model.api_key or ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}

	// Retries are ours so every attempt is rate limited and logged.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	a := &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		caller:      newCaller("anthropic", cfg, classifyAnthropic, logger),
	}
	a.caller.logger.Debug(context.Background(), "anthropic backend ready",
		zap.String("model", cfg.Model),
		logging.Secret("api_key", config.Secret(apiKey)),
	)
	return a, nil
}

// Infer implements extraction.Inferencer.
func (a *Anthropic) Infer(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(a.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	return a.caller.do(ctx, func(ctx context.Context) (string, error) {
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(message.Content) == 0 {
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}
		content := message.Content[0]
		if content.Type != "text" {
			return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
		}
		return content.Text, nil
	})
}

// Name returns the backend name.
func (a *Anthropic) Name() string { return "anthropic" }

func classifyAnthropic(err error) verdict {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return retry
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch status := apiErr.StatusCode; {
		case status == 429 || status >= 500:
			return retry
		case status == 401 || status == 403 || status == 404:
			return unavailable
		}
	}
	return fail
}
