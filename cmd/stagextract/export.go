package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/config"
	"github.com/fyrsmithlabs/stagextract/internal/reconcile"
	"github.com/fyrsmithlabs/stagextract/internal/sink"
)

type exportFlags struct {
	from       string
	to         string
	rollup     string
	onlyStaged bool
}

func newExportCmd(g *globalFlags) *cobra.Command {
	f := &exportFlags{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export results to parquet or csv",
		Long: `Export writes the results of a store as a table, one row per note or,
with --rollup, one row per encounter. The format follows the extension of
--to (.parquet or .csv). Every row carries run_id, run_started_at and
config_hash.

Export opens the store read-only and can run while an extraction is in
progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, g, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.from, "from", "", "result store written by run")
	fl.StringVar(&f.to, "to", "", "output file (.parquet or .csv)")
	fl.StringVar(&f.rollup, "rollup", string(reconcile.PolicyNone), "encounter rollup: none, consensus or latest")
	fl.BoolVar(&f.onlyStaged, "only-staged", false, "omit notes without a final stage")
	return cmd
}

func runExport(cmd *cobra.Command, g *globalFlags, f *exportFlags) error {
	ctx := cmd.Context()

	if f.from == "" || f.to == "" {
		return usageError("--from and --to are required")
	}
	policy, err := reconcile.ParsePolicy(f.rollup)
	if err != nil {
		return usageError("%v", err)
	}

	cfg, err := config.Load(g.configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, g.logLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := sink.Open(f.from, sink.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := sink.Export(ctx, store, f.to, sink.ExportOptions{Rollup: policy, OnlyStaged: f.onlyStaged})
	if err != nil {
		return err
	}
	logger.Info(ctx, "export written",
		zap.String("from", f.from),
		zap.String("to", f.to),
		zap.String("rollup", string(policy)),
		zap.Int("rows", n),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", n, f.to)
	return nil
}
