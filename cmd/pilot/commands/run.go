package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/controller"
	"github.com/scenepilot/scenepilot/pkg/engine"
)

// explainTimeout bounds the advisor explanation printed after a failed goal.
const explainTimeout = 30 * time.Second

func newRunCommand() *cobra.Command {
	var (
		interactive bool
		noInput     bool
		maxIter     int
		noLLM       bool
	)

	cmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Carry out a request against the scene",
		Long: `Carry out a natural-language request.

The request becomes a goal with success criteria. The goal is planned, the
plan is checked by the policy gate and executed step by step, and the scene
is evaluated against the criteria. Failed steps are retried, fixed or
replanned; when the agent cannot continue on its own it asks a question.`,
		Example: `  # Run one request against the simulated scene
  pilot run "create 10 trees in a circle"

  # Use a config file with the Gemini advisor and a journal
  pilot run -c scenepilot.yaml "delete the red cube"

  # Read requests line by line
  pilot run --interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !interactive {
				return fmt.Errorf("a request is required unless --interactive is set")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxIter > 0 {
				cfg.Controller.MaxIterations = maxIter
			}
			if noLLM {
				cfg.Controller.UseLLM = false
			}

			ctx := cmd.Context()
			a, err := newAgent(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			r := &runner{
				agent:   a,
				out:     cmd.OutOrStdout(),
				in:      bufio.NewReader(cmd.InOrStdin()),
				noInput: noInput,
			}
			sub := a.controller.Subscribe(controller.ObserverFunc(r.onEvent))
			defer sub.Unsubscribe()

			if !interactive {
				return r.run(ctx, strings.Join(args, " "))
			}
			for ctx.Err() == nil {
				fmt.Fprint(r.out, "> ")
				line, err := r.in.ReadString('\n')
				if line = strings.TrimSpace(line); line != "" {
					if runErr := r.run(ctx, line); runErr != nil {
						log.Error().Err(runErr).Msg("Request failed")
					}
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
			}
			return ctx.Err()
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read requests from stdin, one per line")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "fail instead of asking questions")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "override controller.max_iterations")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "do not consult the advisor")

	return cmd
}

// runner drives the controller for the run command.
type runner struct {
	agent   *agent
	out     io.Writer
	in      *bufio.Reader
	noInput bool

	failed bool
}

func (r *runner) run(ctx context.Context, request string) error {
	ctrl := r.agent.controller
	r.failed = false

	if err := ctrl.HandleUserRequest(request); err != nil {
		return err
	}

	for {
		state := ctrl.RunToCompletion(ctx)
		if ctx.Err() != nil {
			ctrl.Cancel()
			ctrl.RunToCompletion(context.Background())
			return ctx.Err()
		}
		if state != controller.StateWaitingForUser {
			break
		}
		if r.noInput {
			ctrl.Cancel()
			ctrl.RunToCompletion(ctx)
			return fmt.Errorf("input required: %s", ctrl.Question())
		}

		fmt.Fprint(r.out, "? ")
		answer, err := r.in.ReadString('\n')
		if err != nil && answer == "" {
			ctrl.Cancel()
			ctrl.RunToCompletion(ctx)
			return fmt.Errorf("no answer to %q: %w", ctrl.Question(), err)
		}
		if err := ctrl.HandleUserResponse(strings.TrimSpace(answer)); err != nil {
			return err
		}
	}

	r.agent.waitForAdvisor(ctx, explainTimeout)
	if r.failed {
		return engine.NewPermanentError("goal failed", nil).WithCode(engine.ErrCodeToolFailed)
	}
	return nil
}

// onEvent prints controller events. It runs on the control thread.
func (r *runner) onEvent(e controller.Event) {
	if jsonOutput {
		r.printJSON(e)
	} else {
		r.printText(e)
	}

	switch e.Kind {
	case controller.EventGoalFailed:
		r.failed = true
		r.explain(e)
	case controller.EventRequestRejected:
		r.failed = true
	}
}

func (r *runner) printText(e controller.Event) {
	switch e.Kind {
	case controller.EventStateChanged:
		log.Debug().Str("from", string(e.From)).Str("to", string(e.To)).Msg("State changed")
	case controller.EventStepCompleted:
		fmt.Fprintf(r.out, "  [%s] %s: %s\n", e.Result.Status, e.Step.Description, e.Result.Summary)
		if e.Result.Error != "" {
			fmt.Fprintf(r.out, "      error: %s\n", e.Result.Error)
		}
	case controller.EventProgress:
		fmt.Fprintf(r.out, "  %3.0f%% %s\n", e.Percent, e.Message)
	case controller.EventNeedUserInput:
		fmt.Fprintf(r.out, "%s\n", e.Message)
	case controller.EventGoalCompleted:
		fmt.Fprintf(r.out, "done: %s\n", e.Goal.Description)
	case controller.EventGoalFailed:
		fmt.Fprintf(r.out, "failed: %s\n", e.Message)
	case controller.EventRequestRejected:
		fmt.Fprintf(r.out, "rejected: %s\n", e.Message)
	}
}

// eventRecord is the JSON line written per event with --json.
type eventRecord struct {
	Kind    controller.EventKind `json:"kind"`
	From    string               `json:"from,omitempty"`
	To      string               `json:"to,omitempty"`
	GoalID  string               `json:"goal_id,omitempty"`
	StepID  string               `json:"step_id,omitempty"`
	Status  string               `json:"status,omitempty"`
	Message string               `json:"message,omitempty"`
	Percent float64              `json:"percent,omitempty"`
}

func (r *runner) printJSON(e controller.Event) {
	rec := eventRecord{
		Kind:    e.Kind,
		From:    string(e.From),
		To:      string(e.To),
		Message: e.Message,
		Percent: e.Percent,
	}
	if e.Goal != nil {
		rec.GoalID = e.Goal.ID
	}
	if e.Step != nil {
		rec.StepID = e.Step.ID
	}
	if e.Result != nil {
		rec.Status = string(e.Result.Status)
		if rec.Message == "" {
			rec.Message = e.Result.Summary
		}
	}
	if err := json.NewEncoder(r.out).Encode(rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write event")
	}
}

// explain asks the advisor, off the control thread, why the goal failed.
func (r *runner) explain(e controller.Event) {
	if r.agent.async == nil || e.Goal == nil || jsonOutput {
		return
	}
	err := r.agent.async.ExplainFailureAsync(*e.Goal, e.Message, func(text string, err error) {
		if err != nil {
			log.Debug().Err(err).Msg("No failure explanation")
			return
		}
		fmt.Fprintf(r.out, "why: %s\n", strings.TrimSpace(text))
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failure explanation skipped")
	}
}
