package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate policy files",
	}

	cmd.AddCommand(newPolicyValidateCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate policy YAML files",
		Long: `Validate policy YAML files against the policy schemas.

Each document is checked for structure, a known policy type, and a
well-formed config for that type.`,
		Example: `  # Validate a single file
  promptgate policy validate ./policies/safety.yaml

  # Validate a directory tree
  promptgate policy validate ./policies`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
			if err != nil {
				return err
			}

			loader := policy.NewLoader(logger)
			policies, err := loader.LoadFromPaths(cmd.Context(), "default", args)
			if err != nil {
				return err
			}

			fmt.Printf("OK: %d policies valid\n", len(policies))
			return nil
		},
	}

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <path>...",
		Short: "List the policies defined in YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
			if err != nil {
				return err
			}

			loader := policy.NewLoader(logger)
			policies, err := loader.LoadFromPaths(cmd.Context(), "default", args)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(policies)
			}

			for _, p := range policies {
				fmt.Printf("%-24s %-16s %-8s action=%-5s severity=%s\n",
					p.Name, p.Type, p.Status, p.Action(), p.Severity())
			}
			return nil
		},
	}

	return cmd
}
