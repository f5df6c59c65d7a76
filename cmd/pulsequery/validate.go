package main

import (
	"fmt"

	"github.com/jpalmerr/pulsequery/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a pulsequery configuration file without starting the server.

This command parses the YAML, expands environment variables, validates all
fields and expands query grids. It's useful for CI/CD pipelines or
pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  pulsequery validate -c config.yaml
  pulsequery validate --config /etc/pulsequery/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// grid templates only fail on execution, so expand them too
	defs, err := config.BuildQueries(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	direct := len(cfg.Queries)
	records := cfg.Evaluator.Dir
	if records == "" {
		records = "(evaluator disabled)"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:          %d\n", cfg.Port)
	fmt.Fprintf(out, "  Storage:       %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "  Records:       %s\n", records)
	fmt.Fprintf(out, "  Eval interval: %s\n", cfg.Evaluator.Interval.Duration())
	fmt.Fprintf(out, "  Queries:       %d direct + %d from grids = %d total\n",
		direct, len(defs)-direct, len(defs))

	return nil
}
