package inference

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stagextract/internal/config"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxTokens      = 256
)

// Config holds backend settings.
type Config struct {
	Provider          string
	Model             string
	BaseURL           string
	APIKey            config.Secret
	MaxTokens         int
	Temperature       float64
	MaxRetries        int
	InitialBackoff    time.Duration
	RequestsPerMinute int
}

// FromModelConfig maps the model section of the run configuration.
func FromModelConfig(m config.ModelConfig) Config {
	return Config{
		Provider:          m.Provider,
		Model:             m.Name,
		BaseURL:           m.BaseURL,
		APIKey:            m.APIKey,
		MaxTokens:         m.MaxTokens,
		Temperature:       m.Temperature,
		MaxRetries:        m.MaxRetries,
		InitialBackoff:    defaultInitialBackoff,
		RequestsPerMinute: m.RequestsPerMinute,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
}

func (c Config) validate() error {
	if c.Model == "" {
		return fmt.Errorf("inference: model name is required")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("inference: requests per minute must be >= 0, got %d", c.RequestsPerMinute)
	}
	return nil
}
