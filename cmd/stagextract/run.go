package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/batch"
	"github.com/fyrsmithlabs/stagextract/internal/config"
	"github.com/fyrsmithlabs/stagextract/internal/corpus"
	"github.com/fyrsmithlabs/stagextract/internal/sink"
	"github.com/fyrsmithlabs/stagextract/internal/telemetry"
)

// runFlags holds the run command overrides. Only flags set on the command
// line replace configured values.
type runFlags struct {
	inputDir       string
	inputGlob      string
	inputFormat    string
	output         string
	mode           string
	patterns       string
	useModel       bool
	chunkSize      int
	modelWorkers   int
	patternWorkers int
	maxFailures    int
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract staging from a note corpus",
		Long: `Run reads every note under --input-dir, extracts staging candidates,
reconciles them and writes one result per note to --output.

In resume mode (the default) notes that already have a result are skipped,
so an interrupted run can be restarted with the same command.

Exit status is 0 when the run completes (per-note failures are recorded in
the output), 1 when it aborts, and 130 when interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtract(cmd, g, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.inputDir, "input-dir", "", "directory of parquet or jsonl note files")
	fl.StringVar(&f.inputGlob, "input-glob", "", "only read files matching this glob")
	fl.StringVar(&f.inputFormat, "input-format", "", "input format: auto, parquet or jsonl")
	fl.StringVar(&f.output, "output", "", "result store (.db for sqlite, .jsonl for jsonl)")
	fl.StringVar(&f.mode, "mode", "", "resume or overwrite")
	fl.StringVar(&f.patterns, "patterns", "", "TOML pattern table replacing the built-in one")
	fl.BoolVar(&f.useModel, "use-model", false, "run the model extractor on notes the patterns could not stage")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "notes per chunk")
	fl.IntVar(&f.modelWorkers, "model-workers", 0, "concurrent model calls")
	fl.IntVar(&f.patternWorkers, "pattern-workers", 0, "concurrent pattern scans")
	fl.IntVar(&f.maxFailures, "max-failures", 0, "abort after this many consecutive failed notes")
	return cmd
}

// applyRunFlags overlays the flags set on the command line and validates
// the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, f *runFlags) error {
	changed := cmd.Flags().Changed
	if changed("input-dir") {
		cfg.Input.Dir = f.inputDir
	}
	if changed("input-glob") {
		cfg.Input.Glob = f.inputGlob
	}
	if changed("input-format") {
		cfg.Input.Format = f.inputFormat
	}
	if changed("output") {
		cfg.Output.Path = f.output
	}
	if changed("mode") {
		cfg.Output.Mode = f.mode
	}
	if changed("patterns") {
		cfg.Extraction.PatternsFile = f.patterns
	}
	if changed("use-model") {
		cfg.Extraction.UseModel = f.useModel
	}
	if changed("chunk-size") {
		cfg.Batch.ChunkSize = f.chunkSize
	}
	if changed("model-workers") {
		cfg.Model.Workers = f.modelWorkers
	}
	if changed("pattern-workers") {
		cfg.Batch.PatternWorkers = f.patternWorkers
	}
	if changed("max-failures") {
		cfg.Batch.MaxConsecutiveFailures = f.maxFailures
	}

	if err := cfg.ValidateRun(); err != nil {
		return usageError("%v", err)
	}
	return nil
}

func runExtract(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	ctx := cmd.Context()

	cfg, err := config.Load(g.configFile)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg, f); err != nil {
		return err
	}

	logger, err := newLogger(cfg, g.logLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := telemetry.New(ctx, telemetry.NewConfig(cfg.Telemetry, version))
	if err != nil {
		return err
	}
	defer shutdownTelemetry(ctx, tel, logger)

	stages, err := buildPipeline(cfg, "", logger)
	if err != nil {
		return err
	}
	resolver, err := newReconciler(cfg)
	if err != nil {
		return err
	}

	src, err := corpus.OpenDir(cfg.Input.Dir, corpus.Options{Format: cfg.Input.Format, Glob: cfg.Input.Glob})
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := sink.Open(cfg.Output.Path, sink.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error(ctx, "failed to close output", zap.Error(err))
		}
	}()

	reporter, closeReporter := newReporter(ctx, cfg, logger)
	defer closeReporter()

	runner, err := batch.New(stages, resolver, batch.Options{
		ChunkSize:              cfg.Batch.ChunkSize,
		MaxConsecutiveFailures: cfg.Batch.MaxConsecutiveFailures,
		WriteRetryBackoff:      cfg.Batch.WriteRetryBackoff.Duration(),
		Overwrite:              cfg.Output.Mode == config.ModeOverwrite,
		FallbackToPattern:      cfg.Model.FallbackToPattern,
		ConfigHash:             cfg.Hash(),
		Version:                version,
		UseModel:               cfg.Extraction.UseModel,
	},
		batch.WithLogger(logger),
		batch.WithTracer(tel.Tracer("github.com/fyrsmithlabs/stagextract/internal/batch")),
		batch.WithReporter(reporter),
	)
	if err != nil {
		return err
	}

	stopMetrics, err := startMetrics(ctx, cfg, logger, tel, runner)
	if err != nil {
		return err
	}
	defer stopMetrics()

	logger.Info(ctx, "starting stagextract",
		zap.String("input_dir", cfg.Input.Dir),
		zap.Int("input_files", len(src.Files())),
		zap.String("output", cfg.Output.Path),
		zap.String("config_hash", cfg.Hash()),
	)

	summary, runErr := runner.Run(ctx, src, out)
	if err := writeSummary(cmd.OutOrStdout(), summary); err != nil {
		logger.Warn(ctx, "failed to print summary", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", summary.RunID, runErr)
	}
	return nil
}

func writeSummary(w io.Writer, summary batch.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
