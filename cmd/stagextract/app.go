package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/batch"
	"github.com/fyrsmithlabs/stagextract/internal/config"
	"github.com/fyrsmithlabs/stagextract/internal/extraction"
	"github.com/fyrsmithlabs/stagextract/internal/inference"
	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/metrics"
	"github.com/fyrsmithlabs/stagextract/internal/progress"
	"github.com/fyrsmithlabs/stagextract/internal/reconcile"
	"github.com/fyrsmithlabs/stagextract/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// newLogger builds the process logger from the file-level settings.
func newLogger(cfg *config.Config, levelOverride string) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()

	level := cfg.Logging.Level
	if levelOverride != "" {
		level = levelOverride
	}
	if level != "" {
		l, err := logging.LevelFromString(level)
		if err != nil {
			return nil, usageError("log level %q: %v", level, err)
		}
		lc.Level = l
	}
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.Output.File.Path = cfg.Logging.File
	lc.Fields["version"] = version

	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// patternConfig returns the active pattern table: the file named by
// override, else the configured file, else the built-in table.
func patternConfig(cfg *config.Config, override string) (extraction.PatternConfig, error) {
	path := cfg.Extraction.PatternsFile
	if override != "" {
		path = override
	}

	pc := extraction.DefaultPatternConfig()
	if path != "" {
		loaded, err := extraction.LoadPatternFile(path)
		if err != nil {
			return extraction.PatternConfig{}, err
		}
		pc = loaded
	}
	if cfg.Extraction.NegationWindow > 0 {
		pc.NegationWindow = cfg.Extraction.NegationWindow
	}
	return pc, nil
}

func modelConfig(cfg *config.Config) extraction.ModelConfig {
	mc := extraction.ModelConfig{
		Confidence:      cfg.Extraction.ModelConfidence,
		PromptCharCap:   cfg.Extraction.PromptCharCap,
		HintWindowChars: cfg.Extraction.HintWindowChars,
		CallTimeout:     cfg.Model.Timeout.Duration(),
		TimeoutRetries:  cfg.Model.TimeoutRetries,
	}
	if mc.PromptCharCap == 0 {
		mc.PromptCharCap = extraction.PromptCapFromContext(cfg.Model.ContextTokens, cfg.Model.CharsPerToken, cfg.Model.ReservedTokens)
	}
	return mc
}

// buildPipeline compiles the pattern table and, when the model is enabled,
// connects the inference backend.
func buildPipeline(cfg *config.Config, patternsOverride string, logger *logging.Logger) ([]batch.Stage, error) {
	pc, err := patternConfig(cfg, patternsOverride)
	if err != nil {
		return nil, err
	}
	pattern, err := extraction.NewPatternExtractor(pc)
	if err != nil {
		return nil, err
	}

	var model extraction.Extractor
	if cfg.Extraction.UseModel {
		infer, err := inference.New(inference.FromModelConfig(cfg.Model), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize inference backend: %w", err)
		}
		m, err := extraction.NewModelExtractor(infer, modelConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		model = m
	}

	return batch.Pipeline(pattern, model, cfg.Batch.PatternWorkers, cfg.Model.Workers, cfg.Extraction.PatternHigh), nil
}

func newReconciler(cfg *config.Config) (*reconcile.Reconciler, error) {
	return reconcile.New(reconcile.Thresholds{
		PatternHigh: cfg.Extraction.PatternHigh,
		ModelHigh:   cfg.Extraction.ModelHigh,
		Epsilon:     cfg.Extraction.Epsilon,
	})
}

// newReporter always logs progress and also publishes to NATS when
// configured. An unreachable NATS server is not fatal.
func newReporter(ctx context.Context, cfg *config.Config, logger *logging.Logger) (progress.Reporter, func()) {
	reporters := progress.Multi{progress.NewLog(logger)}
	if cfg.Progress.NATSURL == "" {
		return reporters, func() {}
	}

	pub, err := progress.DialNATS(cfg.Progress.NATSURL, cfg.Progress.Subject)
	if err != nil {
		logger.Warn(ctx, "progress publisher unavailable, continuing with log reporting",
			zap.String("url", cfg.Progress.NATSURL),
			zap.Error(err),
		)
		return reporters, func() {}
	}
	logger.Info(ctx, "publishing progress events",
		zap.String("url", cfg.Progress.NATSURL),
		zap.String("subject", cfg.Progress.Subject),
	)
	return append(reporters, pub), func() {
		if err := pub.Close(); err != nil {
			logger.Warn(ctx, "failed to drain progress publisher", zap.Error(err))
		}
	}
}

// startMetrics serves /metrics, /health and run status when an address is
// configured. The returned function stops the server.
func startMetrics(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry, status metrics.StatusSource) (func(), error) {
	if cfg.Metrics.Addr == "" {
		return func() {}, nil
	}

	srv, err := metrics.NewServer(logger, &metrics.Config{
		Addr:    cfg.Metrics.Addr,
		Version: version,
		Health:  telemetryHealth(tel),
	}, status)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error(ctx, "metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info(ctx, "metrics server listening", zap.String("addr", cfg.Metrics.Addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "metrics server shutdown failed", zap.Error(err))
		}
	}, nil
}

func telemetryHealth(tel *telemetry.Telemetry) func() string {
	return func() string {
		h := tel.Health()
		switch {
		case h.Degraded:
			return "degraded: " + h.Reason
		case !tel.IsEnabled():
			return "disabled"
		default:
			return "healthy"
		}
	}
}

func shutdownTelemetry(ctx context.Context, tel *telemetry.Telemetry, logger *logging.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
}
