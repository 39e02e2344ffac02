package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test plan policies",
		Long: `Inspect the built-in and configured Rego policies, and check saved plans
against them.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

// loadPolicyEngine builds a policy engine from the configuration plus any
// extra paths.
func loadPolicyEngine(cmd *cobra.Command, extra []string) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	pe, err := policy.NewEngine(nil)
	if err != nil {
		return nil, err
	}
	pe.SetMaxSpawns(cfg.Policy.MaxSpawns)

	paths := append(append([]string(nil), cfg.Policy.Paths...), extra...)
	if len(paths) > 0 {
		if err := pe.LoadPolicies(cmd.Context(), paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

func newPolicyListCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := loadPolicyEngine(cmd, paths)
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, policies)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Severity, source, p.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVarP(&paths, "path", "p", nil, "additional policy files or directories")

	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a policy's Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := loadPolicyEngine(cmd, paths)
			if err != nil {
				return err
			}
			p, err := pe.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s (%s)\n%s\n", p.Name, p.Severity, p.Rego)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&paths, "path", "p", nil, "additional policy files or directories")

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		paths    []string
		disabled []string
	)

	cmd := &cobra.Command{
		Use:   "check <plan.json>",
		Short: "Check a saved plan against the policies",
		Long: `Evaluate a plan written by 'pilot plan --out' against the policies.
Entity protection is not checked because no scene is attached.`,
		Example: `  pilot plan --out plan.json "spawn 500 rocks"
  pilot policy check plan.json --disable script-deletes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			var plan engine.Plan
			if err := json.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("failed to parse plan: %w", err)
			}

			pe, err := loadPolicyEngine(cmd, paths)
			if err != nil {
				return err
			}
			for _, name := range disabled {
				if err := pe.DisablePolicy(name); err != nil {
					return err
				}
			}

			decision, err := pe.EvaluatePlan(cmd.Context(), nil, &plan)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, decision); err != nil {
					return err
				}
			} else {
				for _, v := range decision.Violations {
					fmt.Fprintf(out, "%-8s %s: %s", v.Severity, v.Policy, v.Message)
					if v.StepID != "" {
						fmt.Fprintf(out, " (step %s)", v.StepID)
					}
					fmt.Fprintln(out)
				}
				if decision.Allowed {
					fmt.Fprintf(out, "Plan %s allowed\n", plan.ID)
				}
			}

			if !decision.Allowed {
				return engine.NewPermanentError("plan denied by policy", nil).
					WithCode(engine.ErrCodePolicyDenied).
					WithResource(plan.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&paths, "path", "p", nil, "additional policy files or directories")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "policies to skip")

	return cmd
}
