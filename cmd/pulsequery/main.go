// Package main is the entry point for the pulsequery CLI.
//
// pulsequery can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach
// and a small client for a running server.
//
// Usage:
//
//	pulsequery serve -c config.yaml            # Start the dashboard
//	pulsequery validate -c config.yaml         # Validate configuration
//	pulsequery query add --select 'count(*)'   # Submit a query
//	pulsequery results list <query-id>         # Show computed results
//	pulsequery exec uptime                     # Run a remote command
//	pulsequery version                         # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "pulsequery",
	Short: "A reactive query dashboard",
	Long: `pulsequery is a reactive query dashboard.

Clients submit queries (one aggregate over records matching a filter tree).
The server evaluates them over JSON-lines files dropped into a records
directory and streams every new result to the browser over Server-Sent Events.

Quick start:
  1. Create a config file (pulsequery.yaml)
  2. Run: pulsequery serve -c pulsequery.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  evaluator:
    dir: ./records
    interval: 10s
  queries:
    - name: HAPPY-1
      select: count(*)
      where:
        text: {contains: ":)"}`,
	SilenceUsage: true,
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this pulsequery binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pulsequery %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
