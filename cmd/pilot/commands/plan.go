package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/planner"
)

func newPlanCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "plan <request...>",
		Short: "Show the plan for a request without executing it",
		Long: `Parse a request into a goal and build its plan without executing it.

The scene is observed first so entity references resolve the same way they
would during 'run'. The plan is validated and checked by the policy gate;
a denied plan is still printed, followed by the violations.`,
		Example: `  # Print the plan
  pilot plan "create 10 trees in a circle"

  # Save the plan as JSON
  pilot plan --out plan.json "move the rock 5 units left"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newAgent(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.controller.World().RefreshFull(ctx); err != nil {
				log.Warn().Err(err).Msg("Scene refresh failed; planning against an empty model")
			}

			p := planner.New(a.telemetry.Logger)
			p.SetAutoVerification(cfg.Controller.AutoVerification)
			p.SetMaxAttempts(cfg.Controller.MaxGoalAttempts)
			if a.advisor != nil && cfg.Controller.UseLLM {
				p.SetAdvisor(a.advisor)
			}
			if a.policy != nil {
				p.SetPolicyGate(a.policy)
			}

			request := strings.Join(args, " ")
			goal, err := p.ParseGoal(ctx, request)
			if err != nil {
				return err
			}
			plan, planErr := p.CreatePlan(ctx, goal, a.controller.World().Model())
			if plan == nil {
				return planErr
			}

			if outFile != "" {
				if err := writePlan(outFile, plan); err != nil {
					return err
				}
				log.Info().Str("path", outFile).Msg("Plan written")
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					Goal *engine.Goal `json:"goal"`
					Plan *engine.Plan `json:"plan"`
				}{goal, plan}); err != nil {
					return err
				}
			} else {
				printPlan(out, goal, plan)
			}

			if planErr != nil {
				printViolations(out, planErr)
			}
			return planErr
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")

	return cmd
}

func writePlan(path string, plan *engine.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

func printPlan(w io.Writer, goal *engine.Goal, plan *engine.Plan) {
	fmt.Fprintf(w, "Goal: %s\n", goal.Description)
	for _, c := range goal.SuccessCriteria {
		req := "optional"
		if c.Required {
			req = "required"
		}
		fmt.Fprintf(w, "  criterion (%s): %s\n", req, c.Description)
	}

	fmt.Fprintf(w, "\nPlan %s (%s): %s\n", plan.ID, plan.Status, plan.Rationale)
	for i, step := range plan.Steps {
		fmt.Fprintf(w, "  %d. %s", i+1, step.Description)
		if step.ToolName != "" {
			fmt.Fprintf(w, " [%s]", step.ToolName)
		}
		fmt.Fprintln(w)
		if verbose && len(step.Args) > 0 {
			args, _ := json.Marshal(step.Args)
			fmt.Fprintf(w, "     args: %s\n", args)
		}
	}
	for _, r := range plan.Risks {
		fmt.Fprintf(w, "  risk: %s\n", r)
	}
}

// printViolations lists policy violations carried by a denial.
func printViolations(w io.Writer, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		fmt.Fprintf(w, "\nPlan rejected: %v\n", err)
		return
	}
	fmt.Fprintln(w, "\nPlan denied by policy:")
	violations, _ := ee.Details["violations"].([]engine.PolicyViolation)
	for _, v := range violations {
		fmt.Fprintf(w, "  %s (%s): %s\n", v.Policy, v.Severity, v.Message)
	}
	if len(violations) == 0 {
		fmt.Fprintf(w, "  %s\n", ee.Message)
	}
}
