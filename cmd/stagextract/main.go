// Package main implements the stagextract CLI for extracting cancer staging
// from clinical notes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitCancelled
	default:
		return exitFailure
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "stagextract",
		Short: "Extract cancer staging from clinical notes",
		Long: `stagextract reads a corpus of clinical notes and produces one canonical
cancer stage per note, with provenance, using a pattern extractor and an
optional model extractor.

Examples:
  # Regex-only run over a directory of parquet files
  stagextract run --input-dir notes/ --output results.db

  # Add the model extractor for notes the patterns could not stage
  stagextract run --input-dir notes/ --output results.db --use-model

  # Export encounter-level results
  stagextract export --from results.db --to staging.parquet --rollup latest`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newExportCmd(g))
	root.AddCommand(newPatternsCmd(g))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stagextract %s\n", version)
		},
	}
}

// usageError marks invalid invocations.
func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

var errUsage = errors.New("invalid invocation")
