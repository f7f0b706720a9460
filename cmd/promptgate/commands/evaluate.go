package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/evaluator"
	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

func newEvaluateCommand() *cobra.Command {
	var (
		policyPaths []string
		policyIDs   []string
		org         string
	)

	cmd := &cobra.Command{
		Use:   "evaluate [content]",
		Short: "Evaluate content against policies from the command line",
		Long: `Evaluate content against a set of YAML policy files without running
the server. Content comes from the argument or from stdin.

Slow-tier policies needing a scoring backend use the scorer settings
from the config file.`,
		Example: `  # Evaluate a string against a policy directory
  promptgate evaluate --policies ./policies "some prompt text"

  # Evaluate stdin and print the full result as JSON
  cat prompt.txt | promptgate evaluate --policies ./policies --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}

			content := ""
			if len(args) > 0 {
				content = args[0]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				content = string(data)
			}

			logger, err := telemetry.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}

			store := policy.NewMemoryStore()
			loader := policy.NewLoader(logger)
			if len(policyPaths) == 0 {
				policyPaths = cfg.Policies.Paths
			}
			loaded, err := loader.LoadFromPaths(cmd.Context(), org, policyPaths)
			if err != nil {
				return err
			}
			for _, p := range loaded {
				if err := store.Create(cmd.Context(), p); err != nil {
					return err
				}
			}

			registry := evaluator.NewRegistry(buildScorers(cfg.Scorer, logger, nil), logger)
			scheduler := engine.NewScheduler(registry, engine.SchedulerConfig{
				FastTimeout: cfg.Engine.FastTimeout,
				SlowTimeout: cfg.Engine.SlowTimeout,
				MaxParallel: cfg.Engine.MaxParallel,
			}, logger, nil, nil)
			svc := engine.NewService(store, scheduler, nil, logger)

			result, err := svc.Evaluate(cmd.Context(), &engine.EvaluationRequest{
				Content:        content,
				PolicyIDs:      policyIDs,
				OrganizationID: org,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printResult(result)
			if result.Status == engine.StatusBlocked {
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&policyPaths, "policies", "p", nil, "policy YAML files or directories")
	cmd.Flags().StringSliceVar(&policyIDs, "policy-id", nil, "evaluate only these policy ids")
	cmd.Flags().StringVar(&org, "org", "default", "organization id")

	return cmd
}

func printResult(result *engine.EvaluationResult) {
	fmt.Printf("status:         %s\n", result.Status)
	fmt.Printf("overall score:  %.3f\n", result.OverallScore)
	fmt.Printf("violations:     %v\n", result.HasViolations)
	if result.BlockedBy != "" {
		fmt.Printf("blocked by:     %s\n", result.BlockedBy)
	}
	fmt.Printf("duration:       %.2fms\n", result.TotalExecutionTimeMS)
	fmt.Println()

	for _, r := range result.PolicyResults {
		marker := " "
		if r.Violation {
			marker = "!"
		}
		fmt.Printf("%s %-24s %-16s %-10s score=%.3f", marker, r.PolicyName, r.PolicyType, r.Status, r.Score)
		if r.ErrorMessage != "" {
			fmt.Printf(" error=%q", r.ErrorMessage)
		}
		fmt.Println()
	}
}
