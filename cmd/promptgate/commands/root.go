package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "promptgate",
		Short: "PromptGate - Real-time policy evaluation and enforcement for LLM traffic",
		Long: `PromptGate evaluates content against organizational policies in real time
and enforces the resulting verdicts at an LLM proxy boundary.

Features:
  - Two-tier evaluation: fast deterministic checks, then ML-backed scoring
  - Early exit on blocking violations before any model is called
  - Per-policy timeouts and failure isolation
  - Guarded OpenAI-compatible chat completions proxy
  - SQLite-backed policy and evaluation storage
  - YAML policy files with live reload`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newEvaluateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
