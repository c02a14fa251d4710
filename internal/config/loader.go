package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "STAGEXTRACT_"

	defaultAnthropicModel = "claude-3-5-haiku-20241022"
)

// Load reads configuration from the YAML file at path (optional; empty
// means defaults only), then applies environment overrides.
//
// Precedence (highest to lowest):
//  1. Environment variables (STAGEXTRACT_BATCH_CHUNK_SIZE, ...)
//  2. YAML config file
//  3. Built-in defaults
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	STAGEXTRACT_EXTRACTION_PATTERN_HIGH -> extraction.pattern_high
//	STAGEXTRACT_MODEL_API_KEY           -> model.api_key
//	STAGEXTRACT_BATCH_CHUNK_SIZE        -> batch.chunk_size
//
// The file must not be readable or writable by other users since it may
// hold a model API key, and must be smaller than 1MB.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps STAGEXTRACT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens path once and validates the open descriptor to
// avoid a stat/read race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o007 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be accessible to other users)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values that depend on the host or on other fields.
func applyDefaults(cfg *Config) {
	if cfg.Batch.PatternWorkers == 0 {
		cfg.Batch.PatternWorkers = runtime.NumCPU()
	}
	if cfg.Model.Provider == ProviderAnthropic && cfg.Model.Name == "llama3.1:8b" {
		cfg.Model.Name = defaultAnthropicModel
	}
	if cfg.Model.Provider == ProviderAnthropic && cfg.Model.BaseURL == "http://localhost:11434" {
		cfg.Model.BaseURL = ""
	}
	if cfg.Model.Provider == ProviderOpenAI && cfg.Model.BaseURL == "http://localhost:11434" {
		cfg.Model.BaseURL = "http://localhost:11434/v1"
	}
	cfg.Output.Mode = strings.ToLower(cfg.Output.Mode)
	cfg.Input.Format = strings.ToLower(cfg.Input.Format)
}
