package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
)

func (c *Controller) tickIdle() {
	if len(c.requests) > 0 {
		c.transition(StateParsingGoal)
		return
	}
	if goal := c.goals.GetActiveGoal(); goal != nil && goal.Status.IsActive() {
		c.beginGoal(goal)
	}
}

func (c *Controller) tickParsing(ctx context.Context) {
	if len(c.requests) == 0 {
		c.transition(StateIdle)
		return
	}
	request := c.requests[0]
	c.requests = c.requests[1:]

	goal, err := c.planner.ParseGoal(ctx, request)
	if err != nil {
		c.rejectRequest(request, err)
		return
	}
	if err := c.goals.Register(goal); err != nil {
		c.rejectRequest(request, err)
		return
	}
	c.beginGoal(goal)
}

// rejectRequest reports a request the planner could not turn into a goal.
func (c *Controller) rejectRequest(request string, err error) {
	summary := fmt.Sprintf("Could not understand %q: %v", request, err)
	c.logger.WithError(err).Warnf("could not parse request %q", request)
	_ = c.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeError,
		Source:  "controller",
		Message: summary,
		Level:   telemetry.EventLevelWarning,
	})
	c.recordEvent("", "warning", summary)
	c.transition(StateIdle)
	c.observers.notify(Event{Kind: EventRequestRejected, Message: summary})
}

// beginGoal puts goal on top of the stack and starts planning for it.
func (c *Controller) beginGoal(goal *engine.Goal) {
	if top, ok := c.goals.Peek(); !ok || top.ID != goal.ID {
		if err := c.goals.Push(goal.ID); err != nil {
			c.logger.WithError(err).Error("failed to push goal")
			c.transition(StateIdle)
			return
		}
	}
	goal.MarkStarted()
	c.iteration = 0
	c.failedIndex = -1
	c.plan = nil

	_, c.goalSpan = c.tracer.StartGoalSpan(context.Background(), goal.ID, goal.Description)
	c.metrics.RecordGoalStarted()
	_ = c.events.PublishGoalStarted(goal.ID, goal.Description)
	c.recordGoal(goal)
	c.logger.WithGoalID(goal.ID).Infof("pursuing goal %q", goal.Description)
	c.transition(StatePlanning)
}

func (c *Controller) tickPlanning(ctx context.Context) {
	goal := c.CurrentGoal()
	if goal == nil {
		c.transition(StateIdle)
		return
	}

	if c.world.Model().NeedsRefresh(c.cfg.RefreshMaxAge) {
		if err := c.world.RefreshFull(ctx); err != nil {
			c.logger.WithError(err).Warn("world refresh before planning failed")
		}
	}

	goal.IncrementAttempt()
	plan, err := c.planner.CreatePlan(ctx, goal, c.world.Model())
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodePolicyDenied {
			_ = c.events.PublishPolicyViolation(goal.ID, "plan", err.Error())
		}
		if plan != nil {
			plan.Status = engine.PlanStatusFailed
			c.recordPlan(plan)
		}
		c.failGoal(goal, fmt.Sprintf("planning failed: %v", err))
		return
	}

	c.plan = plan
	plan.Status = engine.PlanStatusExecuting
	c.recordPlan(plan)
	c.recordEvent(goal.ID, "info", fmt.Sprintf("plan %s with %d steps (%s)", plan.ID, len(plan.Steps), plan.Rationale))
	c.transition(StateExecuting)
}

func (c *Controller) tickExecuting(ctx context.Context) {
	goal := c.CurrentGoal()
	if goal == nil || c.plan == nil {
		c.transition(StateIdle)
		return
	}
	if c.inFlight != nil {
		return
	}
	if !c.plan.HasMoreSteps() {
		c.plan.Status = engine.PlanStatusCompleted
		c.recordPlan(c.plan)
		c.transition(StateEvaluating)
		return
	}

	index := c.plan.CurrentStepIndex
	step := c.plan.CurrentStep()
	if c.asyncTools[step.ToolName] && step.Kind.UsesTool() {
		c.startAsync(goal, step, index)
		return
	}

	result := c.executor.ExecuteStep(ctx, step, goal.ID)
	c.handleStepResult(goal, index, &result)
}

// handleStepResult reports a finished step and moves the plan on or into
// recovery.
func (c *Controller) handleStepResult(goal *engine.Goal, index int, result *engine.StepResult) {
	step := &c.plan.Steps[index]
	log := c.logger.WithGoalID(goal.ID).WithStepID(step.ID)
	log.Infof("step %d/%d %s: %s", index+1, len(c.plan.Steps), result.Status, result.Summary)

	c.recordStep(step, result)
	c.recordModifications(goal.ID, step.ID)
	_ = c.events.PublishStepFinished(goal.ID, step.ID, step.ToolName, string(result.Status), result.Duration)
	c.observers.notify(Event{Kind: EventStepCompleted, Goal: goal, Step: step, Result: result})

	switch result.Status {
	case engine.StepStatusSuccess, engine.StepStatusSkipped, engine.StepStatusPartialSuccess:
		c.plan.Advance(result.Status)
		c.reportProgress(goal)
	default:
		step.RetryCount++
		c.failedIndex = index
		c.transition(StateRecovering)
	}
}

func (c *Controller) reportProgress(goal *engine.Goal) {
	total := len(c.plan.Steps)
	done := total - c.plan.Remaining()
	if total == 0 {
		return
	}
	percent := float64(done) * 100 / float64(total)

	message := fmt.Sprintf("step %d/%d", done, total)
	if a := c.activeAdvisor(); a != nil {
		if text, err := a.GenerateProgressUpdate(context.Background(), *goal, percent); err == nil && text != "" {
			message = text
		} else if err != nil {
			c.metrics.RecordAdvisorCall("GenerateProgressUpdate", err)
		}
	}
	c.observers.notify(Event{Kind: EventProgress, Goal: goal, Message: message, Percent: percent})
}

func (c *Controller) tickEvaluating(ctx context.Context) {
	goal := c.CurrentGoal()
	if goal == nil {
		c.transition(StateIdle)
		return
	}

	if err := c.world.RefreshFull(ctx); err != nil {
		c.logger.WithError(err).Warn("world refresh before evaluation failed")
	}
	eval := c.evaluator.EvaluateGoal(goal, c.world.Model())
	c.recordEvent(goal.ID, "info", eval.Summary)

	switch {
	case eval.Complete:
		c.completeGoal(goal, &eval)
	case goal.CanRetry():
		goal.AddFailureReason(eval.Summary)
		c.failedIndex = -1
		c.transition(StateRecovering)
	default:
		c.failGoal(goal, eval.Summary)
	}
}

func (c *Controller) tickRecovering(ctx context.Context) {
	goal := c.CurrentGoal()
	if goal == nil || c.plan == nil {
		c.transition(StateIdle)
		return
	}

	// The goal as a whole fell short: start over with a fresh plan.
	if c.failedIndex < 0 {
		c.logger.WithGoalID(goal.ID).Infof("goal incomplete after plan, replanning (attempt %d/%d)", goal.AttemptCount+1, goal.MaxAttempts)
		c.plan = nil
		c.transition(StatePlanning)
		return
	}

	index := c.failedIndex
	step := &c.plan.Steps[index]
	decision := c.evaluator.Decide(goal, step)
	_ = c.events.PublishRecovery(goal.ID, step.ID, string(decision.Pattern), string(decision.Action))
	c.recordEvent(goal.ID, "warning", fmt.Sprintf("step %q failed (%s), recovery %s", step.Description, decision.Pattern, decision.Action))
	c.logger.WithGoalID(goal.ID).WithStepID(step.ID).Infof("recovery %s: %s", decision.Action, decision.Reason)

	switch decision.Action {
	case engine.RecoveryRetry:
		c.retryStep(step, index)

	case engine.RecoveryRetryWithFix:
		c.applyFixes(ctx, step)
		c.retryStep(step, index)

	case engine.RecoveryReplan:
		goal.IncrementAttempt()
		c.plan.Status = engine.PlanStatusReplanning
		next, err := c.planner.ReplanFromFailure(ctx, goal, c.plan, index, step.Result, c.world.Model())
		if err != nil {
			c.failGoal(goal, fmt.Sprintf("replanning failed: %v", err))
			return
		}
		c.plan.Status = engine.PlanStatusFailed
		c.recordPlan(c.plan)
		next.Status = engine.PlanStatusExecuting
		c.plan = next
		c.recordPlan(next)
		c.failedIndex = -1
		c.transition(StateExecuting)

	case engine.RecoverySkipStep:
		c.skipFailedStep()
		c.failedIndex = -1
		c.transition(StateExecuting)

	case engine.RecoveryEscalateToUser:
		c.escalate(ctx, goal, step)

	default:
		c.failGoal(goal, c.failureText(step))
	}
}

func (c *Controller) retryStep(step *engine.PlanStep, index int) {
	step.Executed = false
	c.plan.CurrentStepIndex = index
	c.failedIndex = -1
	c.transition(StateExecuting)
}

func (c *Controller) skipFailedStep() {
	if c.failedIndex >= 0 {
		c.plan.CurrentStepIndex = c.failedIndex
	}
	c.plan.Advance(engine.StepStatusSkipped)
}

// applyFixes patches the step's arguments from "name=value" suggestions.
// The advisor is asked first; the evaluator's fixes are the fallback.
func (c *Controller) applyFixes(ctx context.Context, step *engine.PlanStep) {
	var fixes []string
	if a := c.activeAdvisor(); a != nil {
		suggested, err := a.SuggestFixes(ctx, *step, c.failureText(step))
		c.metrics.RecordAdvisorCall("SuggestFixes", err)
		if err == nil {
			fixes = suggested
		}
	}
	if len(fixes) == 0 && step.Result != nil {
		fixes = step.Result.SuggestedFixes
	}

	if step.Args == nil {
		step.Args = make(map[string]interface{})
	}
	applied := 0
	for _, fix := range fixes {
		key, value, ok := strings.Cut(fix, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		step.Args[key] = fixValue(strings.TrimSpace(value))
		applied++
	}
	c.logger.WithStepID(step.ID).Debugf("applied %d of %d suggested fixes", applied, len(fixes))
}

// fixValue decodes a fix value as JSON when it parses, so numbers and
// objects keep their types.
func fixValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func (c *Controller) escalate(ctx context.Context, goal *engine.Goal, step *engine.PlanStep) {
	failure := c.failureText(step)
	question := fmt.Sprintf("Step %q failed: %s. Reply retry, skip or abort.", step.Description, failure)
	if a := c.activeAdvisor(); a != nil {
		text, err := a.GenerateClarifyingQuestion(ctx, *goal, failure)
		c.metrics.RecordAdvisorCall("GenerateClarifyingQuestion", err)
		if err == nil && text != "" {
			question = text
		}
	}

	goal.Status = engine.GoalStatusBlocked
	c.question = question
	c.recordGoal(goal)
	c.transition(StateWaitingForUser)
	c.observers.notify(Event{Kind: EventNeedUserInput, Goal: goal, Step: step, Message: question})
}

func (c *Controller) failureText(step *engine.PlanStep) string {
	if step != nil && step.Result != nil {
		if step.Result.Error != "" {
			return step.Result.Error
		}
		return step.Result.Summary
	}
	return "unknown failure"
}

func (c *Controller) failGoal(goal *engine.Goal, reason string) {
	goal.AddFailureReason(reason)

	var step *engine.PlanStep
	if c.plan != nil && c.failedIndex >= 0 && c.failedIndex < len(c.plan.Steps) {
		step = &c.plan.Steps[c.failedIndex]
	}
	summary := c.evaluator.SummarizeFailure(goal, step)
	if a := c.activeAdvisor(); a != nil {
		text, err := a.ExplainFailure(context.Background(), *goal, reason)
		c.metrics.RecordAdvisorCall("ExplainFailure", err)
		if err == nil && text != "" {
			summary = text
		}
	}

	goal.MarkFinished(engine.GoalStatusFailed)
	c.finishGoal(goal, false, summary)
	c.endGoalSpan(fmt.Errorf("%s", reason))
	c.transition(StateFailed)
	c.observers.notify(Event{Kind: EventGoalFailed, Goal: goal, Message: summary})
}

func (c *Controller) completeGoal(goal *engine.Goal, eval *engine.GoalEvaluation) {
	goal.MarkFinished(engine.GoalStatusCompleted)
	c.finishGoal(goal, true, eval.Summary)
	c.endGoalSpan(nil)
	c.transition(StateCompleted)
	c.observers.notify(Event{Kind: EventGoalCompleted, Goal: goal, Evaluation: eval, Message: eval.Summary})
}

// finishGoal pops a goal that reached a terminal status.
func (c *Controller) finishGoal(goal *engine.Goal, success bool, summary string) {
	if top, ok := c.goals.Peek(); ok && top.ID == goal.ID {
		c.goals.Pop()
	}
	if c.plan != nil && !success {
		c.plan.Status = engine.PlanStatusFailed
		c.recordPlan(c.plan)
	}
	c.generation++
	c.inFlight = nil
	c.failedIndex = -1
	c.question = ""

	c.metrics.RecordGoalFinished(string(goal.Status))
	_ = c.events.PublishGoalFinished(goal.ID, success, summary)
	c.recordGoal(goal)
	level := "info"
	if !success {
		level = "error"
	}
	c.recordEvent(goal.ID, level, summary)
	c.logger.WithGoalID(goal.ID).Infof("goal %s: %s", goal.Status, summary)
}
