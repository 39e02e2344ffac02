// Package executor runs single plan steps: it checks preconditions against
// the world model, calls the tool, folds the result back into the model and
// verifies the expected outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/evaluator"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// Executor runs plan steps against a tool and a world model.
type Executor struct {
	// manager folds tool results into the world model
	manager *world.Manager

	// tool performs the actual calls
	tool engine.Tool

	// registry validates tool arguments before each call
	registry *tools.Registry

	// evaluator checks preconditions and outcomes and suggests fixes
	evaluator *evaluator.Evaluator

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	// cancelled is the cooperative cancellation flag
	cancelled atomic.Bool

	now func() time.Time
}

// New creates an executor. eval may be nil, in which case a default evaluator is used.
func New(manager *world.Manager, tool engine.Tool, eval *evaluator.Evaluator, logger *telemetry.Logger) *Executor {
	if eval == nil {
		eval = evaluator.New(logger)
	}
	return &Executor{
		manager:   manager,
		tool:      tool,
		registry:  tools.NewRegistry(),
		evaluator: eval,
		logger:    telemetry.OrNop(logger).NewComponentLogger("executor"),
		now:       time.Now,
	}
}

// SetTool replaces the tool used for step calls.
func (e *Executor) SetTool(tool engine.Tool) {
	e.tool = tool
}

// SetTracer enables step spans.
func (e *Executor) SetTracer(t *telemetry.Tracer) {
	e.tracer = t
}

// SetMetrics enables step counters and the duration histogram.
func (e *Executor) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// Cancel requests cooperative cancellation. It is safe to call from any goroutine.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
}

// ResetCancel clears a previous cancellation request.
func (e *Executor) ResetCancel() {
	e.cancelled.Store(false)
}

// IsCancelled reports whether cancellation was requested.
func (e *Executor) IsCancelled() bool {
	return e.cancelled.Load()
}

// Invocation is the raw outcome of one tool call.
type Invocation struct {
	Result   *engine.ToolResult
	Err      error
	Duration time.Duration
}

// ExecuteStep runs a step to completion and records the result on it.
func (e *Executor) ExecuteStep(ctx context.Context, step *engine.PlanStep, goalID string) engine.StepResult {
	if step == nil {
		return engine.StepResult{Status: engine.StepStatusFailed, Error: "no step to execute"}
	}

	switch step.Kind {
	case engine.StepKindVerification:
		return e.verify(step, goalID)
	case engine.StepKindDecision:
		return e.decide(step, goalID)
	case engine.StepKindSubPlan:
		result := e.newResult(step)
		result.Status = engine.StepStatusSkipped
		result.Summary = fmt.Sprintf("sub-plan %s is expanded by the caller", step.SubPlanID)
		return e.finalize(step, goalID, result)
	}

	result, ok := e.BeginStep(step, goalID)
	if !ok {
		return result
	}
	inv := e.Invoke(ctx, step, goalID)
	return e.FinishStep(step, goalID, result, inv)
}

// BeginStep evaluates preconditions, the cancellation flag and the tool
// arguments. It returns false with a final result when the tool must not be
// called; otherwise it returns the partial result to pass to FinishStep.
func (e *Executor) BeginStep(step *engine.PlanStep, goalID string) (engine.StepResult, bool) {
	result := e.newResult(step)
	model := e.manager.Model()

	for _, p := range step.Preconditions {
		passed, msg := e.evaluator.EvaluateCheck(p.Check, model, nil)
		result.Preconditions = append(result.Preconditions, engine.PreconditionResult{
			Description:     p.Description,
			Passed:          passed,
			BlocksExecution: p.BlocksExecution,
			Message:         msg,
		})
	}
	if !result.PreconditionsPassed() {
		result.Status = engine.StepStatusBlocked
		for _, p := range result.Preconditions {
			if p.BlocksExecution && !p.Passed {
				result.Error = fmt.Sprintf("precondition failed: %s (%s)", p.Description, p.Message)
				break
			}
		}
		result.Summary = "blocked by precondition"
		result.SuggestedFixes = e.evaluator.GenerateSuggestedFixes(step, &result)
		return e.finalize(step, goalID, result), false
	}

	if e.IsCancelled() {
		return e.finalize(step, goalID, cancelledResult(result)), false
	}

	if err := e.registry.ValidateArgs(step.ToolName, step.Args); err != nil {
		result.Status = engine.StepStatusFailed
		result.Error = err.Error()
		result.Summary = "tool arguments rejected"
		result.SuggestedFixes = e.evaluator.GenerateSuggestedFixes(step, &result)
		return e.finalize(step, goalID, result), false
	}

	return result, true
}

// Invoke calls the step's tool. It does not touch the world model and may
// run on a worker goroutine while the step is parked.
func (e *Executor) Invoke(ctx context.Context, step *engine.PlanStep, goalID string) Invocation {
	ctx, span := e.tracer.StartStepSpan(ctx, goalID, step.ID, step.ToolName)

	if e.tool == nil {
		err := engine.NewPermanentError("no tool configured", nil).WithCode(engine.ErrCodeInternal)
		telemetry.EndSpan(span, err)
		return Invocation{Err: err}
	}

	argsJSON, err := engine.EncodeArgs(step.Args)
	if err != nil {
		err = engine.NewPermanentError("invalid arguments: cannot encode", err).WithCode(engine.ErrCodeValidation)
		telemetry.EndSpan(span, err)
		return Invocation{Err: err}
	}

	timer := telemetry.NewTimer()
	raw, err := e.tool.Execute(ctx, step.ToolName, argsJSON)
	inv := Invocation{Duration: timer.Duration(), Err: err}
	if err == nil {
		inv.Result = engine.ParseToolResult(raw)
	}

	var spanErr error
	switch {
	case err != nil:
		spanErr = err
	case !inv.Result.Success:
		spanErr = errors.New(inv.Result.Error)
	}
	telemetry.EndSpan(span, spanErr)
	return inv
}

// FinishStep folds an invocation into the world model, checks outcomes and
// derives the final status.
func (e *Executor) FinishStep(step *engine.PlanStep, goalID string, result engine.StepResult, inv Invocation) engine.StepResult {
	result.Duration = inv.Duration

	if inv.Err != nil {
		result.Status = engine.StepStatusFailed
		result.Error = callError(inv.Err)
		result.ToolResult = &engine.ToolResult{Success: false, Error: result.Error}
		if e.IsCancelled() {
			return e.finalize(step, goalID, cancelledResult(result))
		}
		result.Summary = fmt.Sprintf("%s call failed", step.ToolName)
		result.SuggestedFixes = e.evaluator.GenerateSuggestedFixes(step, &result)
		return e.finalize(step, goalID, result)
	}

	result.ToolResult = inv.Result
	if e.IsCancelled() {
		return e.finalize(step, goalID, cancelledResult(result))
	}

	e.manager.ProcessToolResult(step.ToolName, step.Args, inv.Result, goalID, step.ID)

	requiredPassed := e.checkOutcomes(step, &result, inv.Result)

	switch {
	case inv.Result.Success && requiredPassed:
		result.Status = engine.StepStatusSuccess
		result.Summary = summarize(step, inv.Result)
	case inv.Result.Success:
		result.Status = engine.StepStatusPartialSuccess
		result.Summary = "tool succeeded but some outcomes were not met"
	default:
		result.Status = engine.StepStatusFailed
		result.Error = inv.Result.Error
		if result.Error == "" {
			result.Error = inv.Result.Message
		}
		result.Summary = fmt.Sprintf("%s reported failure", step.ToolName)
		result.SuggestedFixes = e.evaluator.GenerateSuggestedFixes(step, &result)
	}

	return e.finalize(step, goalID, result)
}

// ExecuteSteps runs steps in order, stopping at the first step that neither
// succeeded nor partially succeeded unless continueOnError is set.
// Cancellation always stops the batch.
func (e *Executor) ExecuteSteps(ctx context.Context, steps []engine.PlanStep, goalID string, continueOnError bool) []engine.StepResult {
	results := make([]engine.StepResult, 0, len(steps))
	for i := range steps {
		result := e.ExecuteStep(ctx, &steps[i], goalID)
		results = append(results, result)

		if e.IsCancelled() {
			break
		}
		if failed(result.Status) && !continueOnError {
			break
		}
	}
	return results
}

func (e *Executor) verify(step *engine.PlanStep, goalID string) engine.StepResult {
	result := e.newResult(step)
	if e.IsCancelled() {
		return e.finalize(step, goalID, cancelledResult(result))
	}

	if e.checkOutcomes(step, &result, nil) {
		result.Status = engine.StepStatusSuccess
		result.Summary = "verification passed"
		return e.finalize(step, goalID, result)
	}

	var failedChecks []string
	for _, o := range result.Outcomes {
		if o.Required && !o.Passed {
			failedChecks = append(failedChecks, fmt.Sprintf("%s (%s)", o.Description, o.Message))
		}
	}
	result.Status = engine.StepStatusFailed
	result.Error = "verification failed: " + strings.Join(failedChecks, "; ")
	result.Summary = "verification failed"
	return e.finalize(step, goalID, result)
}

// decide evaluates a decision step's condition. A true condition is Success,
// a false one is Skipped; the branch table routes either.
func (e *Executor) decide(step *engine.PlanStep, goalID string) engine.StepResult {
	result := e.newResult(step)
	c := &engine.SuccessCriterion{Kind: engine.CriterionWorldState, Query: step.Condition}
	holds, msg := e.evaluator.EvaluateCriterion(c, e.manager.Model())
	if holds {
		result.Status = engine.StepStatusSuccess
	} else {
		result.Status = engine.StepStatusSkipped
	}
	result.Summary = fmt.Sprintf("condition %q: %s", step.Condition, msg)
	return e.finalize(step, goalID, result)
}

// checkOutcomes records every expected outcome and reports whether all
// required ones passed. Optional outcomes are recorded only.
func (e *Executor) checkOutcomes(step *engine.PlanStep, result *engine.StepResult, tr *engine.ToolResult) bool {
	model := e.manager.Model()
	all := true
	for _, o := range step.ExpectedOutcomes {
		passed, msg := e.evaluator.EvaluateCheck(o.Check, model, tr)
		result.Outcomes = append(result.Outcomes, engine.OutcomeResult{
			Description: o.Description,
			Passed:      passed,
			Required:    o.Required,
			Message:     msg,
		})
		if !passed && o.Required {
			all = false
		}
	}
	return all
}

func (e *Executor) newResult(step *engine.PlanStep) engine.StepResult {
	return engine.StepResult{StepID: step.ID}
}

func (e *Executor) finalize(step *engine.PlanStep, goalID string, result engine.StepResult) engine.StepResult {
	result.CompletedAt = e.now()
	step.Executed = true
	stored := result
	step.Result = &stored

	e.metrics.RecordStep(step.ToolName, string(result.Status), result.Duration)

	log := e.logger.WithGoalID(goalID).WithStepID(step.ID)
	if failed(result.Status) {
		log.Warnf("step %q %s: %s", step.Description, result.Status, result.Error)
	} else {
		log.Debugf("step %q %s in %s", step.Description, result.Status, result.Duration)
	}
	return result
}

func cancelledResult(result engine.StepResult) engine.StepResult {
	result.Status = engine.StepStatusSkipped
	result.Error = ""
	result.SuggestedFixes = nil
	result.Summary = "cancelled"
	if result.ToolResult != nil {
		result.ToolResult.Cancelled = true
	}
	return result
}

func callError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("tool call timed out: %v", err)
	}
	return err.Error()
}

func summarize(step *engine.PlanStep, tr *engine.ToolResult) string {
	if tr.Message != "" {
		return tr.Message
	}
	if n := len(tr.AffectedIDs); n > 0 {
		return fmt.Sprintf("%s affected %d entities", step.ToolName, n)
	}
	return fmt.Sprintf("%s succeeded", step.ToolName)
}

func failed(status engine.StepStatus) bool {
	return status == engine.StepStatusFailed || status == engine.StepStatusBlocked
}
