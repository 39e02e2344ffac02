// Package engine provides the core types and interfaces for the scenepilot agent engine.
//
// # Overview
//
// scenepilot turns a free-form request into an explicit Goal, derives a validated
// multi-step Plan, runs each step against an external world through a narrow Tool
// interface, verifies outcomes programmatically and decides how to recover from
// failure. A language-model Advisor may suggest intents, plans and fixes but never
// drives execution.
//
// # Core Domain Types
//
//   - Goal: what must be achieved, with ordered SuccessCriterion values
//   - Plan: an ordered, possibly branching list of PlanStep values
//   - PlanStep: a tool call, observation, verification, decision or sub-plan
//   - Check: a typed precondition or outcome expression (EntityExists,
//     EntityModifiable, CountWhere, ToolSucceeded, AffectedCountAbove)
//   - StepResult, GoalEvaluation, PlanValidation: value objects produced by the
//     executor, evaluator and validator
//
// # Collaborators
//
//	type Tool interface {
//	    Execute(ctx context.Context, toolName, argsJSON string) (string, error)
//	}
//
// Advisor is optional. When absent, planning falls back to pattern templates.
//
// # Error Handling
//
// Errors are classified with EngineError so callers can decide whether to retry:
//
//	if engine.IsRetryable(err) {
//	    // transient, throttled or conflict
//	}
package engine
