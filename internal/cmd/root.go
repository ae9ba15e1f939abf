package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Run a fleet of coding agents against a PRD",
	Long: `flotilla executes a product requirements document by spawning one coding
agent per task, scheduling agents so that tasks predicted to touch the same
files never run together, merging finished work into a per-PRD integration
branch, and pausing risky operations for human approval.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, which commands use for
// cancellation
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is .flotilla/config.yaml in the repository)")
	rootCmd.PersistentFlags().StringP("format", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (overrides log.level)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json (overrides log.format)")
}
