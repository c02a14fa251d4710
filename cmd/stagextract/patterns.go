package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stagextract/internal/config"
	"github.com/fyrsmithlabs/stagextract/internal/extraction"
)

func newPatternsCmd(g *globalFlags) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Compile and list the active pattern table",
		Long: `Patterns compiles the pattern table a run would use and lists it in
evaluation order. It fails the same way a run would on a bad table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return err
			}
			pc, err := patternConfig(cfg, path)
			if err != nil {
				return err
			}
			ext, err := extraction.NewPatternExtractor(pc)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSYSTEM\tWEIGHT\tREGEX")
			for _, p := range ext.Patterns() {
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", p.Name, p.System, p.Weight, p.Regex)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "patterns", "", "TOML pattern table to check instead of the configured one")
	return cmd
}
