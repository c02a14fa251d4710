// Package config provides configuration loading for stagextract.
//
// Configuration is read from an optional YAML file, then STAGEXTRACT_*
// environment variables; the command layer applies flag overrides last
// and re-runs Validate.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Output modes.
const (
	ModeResume    = "resume"
	ModeOverwrite = "overwrite"
)

// Model providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai" // any OpenAI-compatible server
	ProviderAnthropic = "anthropic"
)

// Config holds the complete stagextract configuration.
type Config struct {
	Input      InputConfig      `koanf:"input" json:"input"`
	Output     OutputConfig     `koanf:"output" json:"output"`
	Extraction ExtractionConfig `koanf:"extraction" json:"extraction"`
	Model      ModelConfig      `koanf:"model" json:"model"`
	Batch      BatchConfig      `koanf:"batch" json:"batch"`
	Logging    LoggingConfig    `koanf:"logging" json:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics" json:"metrics"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" json:"telemetry"`
	Progress   ProgressConfig   `koanf:"progress" json:"progress"`
}

// InputConfig selects the note corpus.
type InputConfig struct {
	Dir    string `koanf:"dir" json:"dir"`
	Format string `koanf:"format" json:"format"` // auto, parquet, jsonl
	Glob   string `koanf:"glob" json:"glob"`
}

// OutputConfig selects the result store.
type OutputConfig struct {
	Path string `koanf:"path" json:"path"`
	Mode string `koanf:"mode" json:"mode"`
}

// ExtractionConfig holds the extractor and reconciler knobs.
type ExtractionConfig struct {
	UseModel        bool    `koanf:"use_model" json:"use_model"`
	PatternHigh     float64 `koanf:"pattern_high" json:"pattern_high"`
	ModelHigh       float64 `koanf:"model_high" json:"model_high"`
	ModelConfidence float64 `koanf:"model_confidence" json:"model_confidence"`
	Epsilon         float64 `koanf:"epsilon" json:"epsilon"`
	NegationWindow  int     `koanf:"negation_window" json:"negation_window"`
	PatternsFile    string  `koanf:"patterns_file" json:"patterns_file"`
	// PromptCharCap of 0 derives the cap from the model context size.
	PromptCharCap   int `koanf:"prompt_char_cap" json:"prompt_char_cap"`
	HintWindowChars int `koanf:"hint_window_chars" json:"hint_window_chars"`
}

// ModelConfig configures the inference backend.
type ModelConfig struct {
	Provider          string   `koanf:"provider" json:"provider"`
	Name              string   `koanf:"name" json:"name"`
	BaseURL           string   `koanf:"base_url" json:"base_url"`
	APIKey            Secret   `koanf:"api_key" json:"api_key"`
	Timeout           Duration `koanf:"timeout" json:"timeout"`
	TimeoutRetries    int      `koanf:"timeout_retries" json:"timeout_retries"`
	MaxRetries        int      `koanf:"max_retries" json:"max_retries"`
	Workers           int      `koanf:"workers" json:"workers"`
	RequestsPerMinute int      `koanf:"requests_per_minute" json:"requests_per_minute"`
	MaxTokens         int      `koanf:"max_tokens" json:"max_tokens"`
	Temperature       float64  `koanf:"temperature" json:"temperature"`
	ContextTokens     int      `koanf:"context_tokens" json:"context_tokens"`
	CharsPerToken     float64  `koanf:"chars_per_token" json:"chars_per_token"`
	ReservedTokens    int      `koanf:"reserved_tokens" json:"reserved_tokens"`
	FallbackToPattern bool     `koanf:"fallback_to_pattern" json:"fallback_to_pattern"`
}

// BatchConfig controls chunking and failure handling.
type BatchConfig struct {
	ChunkSize              int      `koanf:"chunk_size" json:"chunk_size"`
	PatternWorkers         int      `koanf:"pattern_workers" json:"pattern_workers"`
	MaxConsecutiveFailures int      `koanf:"max_consecutive_failures" json:"max_consecutive_failures"`
	WriteRetryBackoff      Duration `koanf:"write_retry_backoff" json:"write_retry_backoff"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
	File   string `koanf:"file" json:"file"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed in the file.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled" json:"enabled"`
	Endpoint   string  `koanf:"endpoint" json:"endpoint"`
	Protocol   string  `koanf:"protocol" json:"protocol"`
	Insecure   bool    `koanf:"insecure" json:"insecure"`
	SampleRate float64 `koanf:"sample_rate" json:"sample_rate"`
}

// ProgressConfig enables NATS progress events when NATSURL is set.
type ProgressConfig struct {
	NATSURL string `koanf:"nats_url" json:"nats_url"`
	Subject string `koanf:"subject" json:"subject"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Input: InputConfig{Format: "auto"},
		Output: OutputConfig{
			Mode: ModeResume,
		},
		Extraction: ExtractionConfig{
			PatternHigh:     0.80,
			ModelHigh:       0.70,
			ModelConfidence: 0.75,
			Epsilon:         0.05,
			NegationWindow:  6,
			HintWindowChars: 600,
		},
		Model: ModelConfig{
			Provider:       ProviderOllama,
			Name:           "llama3.1:8b",
			BaseURL:        "http://localhost:11434",
			Timeout:        Duration(60 * time.Second),
			TimeoutRetries: 1,
			MaxRetries:     3,
			Workers:        1,
			MaxTokens:      256,
			ContextTokens:  8192,
			CharsPerToken:  3.5,
			ReservedTokens: 1024,
		},
		Batch: BatchConfig{
			ChunkSize:              500,
			PatternWorkers:         runtime.NumCPU(),
			MaxConsecutiveFailures: 50,
			WriteRetryBackoff:      Duration(2 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4318",
			Protocol:   "http/protobuf",
			Insecure:   true,
			SampleRate: 1.0,
		},
		Progress: ProgressConfig{
			Subject: "stagextract.progress",
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	switch c.Input.Format {
	case "auto", "parquet", "jsonl":
	default:
		return fmt.Errorf("input.format must be auto, parquet or jsonl, got %q", c.Input.Format)
	}
	if c.Output.Mode != ModeResume && c.Output.Mode != ModeOverwrite {
		return fmt.Errorf("output.mode must be %q or %q, got %q", ModeResume, ModeOverwrite, c.Output.Mode)
	}

	e := c.Extraction
	for name, v := range map[string]float64{
		"pattern_high":     e.PatternHigh,
		"model_high":       e.ModelHigh,
		"model_confidence": e.ModelConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("extraction.%s must be between 0 and 1, got %v", name, v)
		}
	}
	if e.Epsilon < 0 || e.Epsilon >= 1 {
		return fmt.Errorf("extraction.epsilon must be in [0, 1), got %v", e.Epsilon)
	}
	if e.NegationWindow < 1 {
		return fmt.Errorf("extraction.negation_window must be >= 1, got %d", e.NegationWindow)
	}
	if e.PromptCharCap < 0 {
		return fmt.Errorf("extraction.prompt_char_cap must be >= 0, got %d", e.PromptCharCap)
	}

	m := c.Model
	switch m.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("model.provider must be one of %q, %q, %q, got %q",
			ProviderOllama, ProviderOpenAI, ProviderAnthropic, m.Provider)
	}
	if m.Workers < 1 {
		return fmt.Errorf("model.workers must be >= 1, got %d", m.Workers)
	}
	if m.TimeoutRetries < 0 || m.MaxRetries < 0 {
		return errors.New("model retry counts must be >= 0")
	}
	if m.RequestsPerMinute < 0 {
		return fmt.Errorf("model.requests_per_minute must be >= 0, got %d", m.RequestsPerMinute)
	}
	if c.Extraction.UseModel {
		if m.Name == "" {
			return errors.New("model.name is required when the model extractor is enabled")
		}
		if m.Timeout.Duration() <= 0 {
			return errors.New("model.timeout must be positive")
		}
		if m.Provider == ProviderAnthropic && !m.APIKey.IsSet() {
			return errors.New("model.api_key is required for the anthropic provider")
		}
		if e.PromptCharCap == 0 && m.ContextTokens <= m.ReservedTokens {
			return fmt.Errorf("model.context_tokens (%d) must exceed model.reserved_tokens (%d)", m.ContextTokens, m.ReservedTokens)
		}
		if e.PromptCharCap == 0 && m.CharsPerToken <= 0 {
			return errors.New("model.chars_per_token must be positive")
		}
	}

	b := c.Batch
	if b.ChunkSize < 1 {
		return fmt.Errorf("batch.chunk_size must be >= 1, got %d", b.ChunkSize)
	}
	if b.PatternWorkers < 1 {
		return fmt.Errorf("batch.pattern_workers must be >= 1, got %d", b.PatternWorkers)
	}
	if b.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("batch.max_consecutive_failures must be >= 1, got %d", b.MaxConsecutiveFailures)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}
	if c.Progress.NATSURL != "" && c.Progress.Subject == "" {
		return errors.New("progress.subject is required when progress.nats_url is set")
	}
	return nil
}

// ValidateRun adds the checks that only apply to an extraction run.
func (c *Config) ValidateRun() error {
	if c.Input.Dir == "" {
		return errors.New("input directory is required")
	}
	if c.Output.Path == "" {
		return errors.New("output path is required")
	}
	return c.Validate()
}

// Hash fingerprints the settings that can change results: extraction,
// model and the pattern table location. The API key never contributes.
func (c *Config) Hash() string {
	model := c.Model
	model.APIKey = ""
	model.Workers = 0
	model.RequestsPerMinute = 0

	payload := struct {
		Extraction ExtractionConfig `json:"extraction"`
		Model      ModelConfig      `json:"model"`
	}{c.Extraction, model}

	data, err := json.Marshal(payload)
	if err != nil {
		// All fields are plain values; Marshal cannot fail.
		panic(fmt.Sprintf("config: hash: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
