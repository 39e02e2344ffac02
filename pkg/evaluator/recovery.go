package evaluator

import (
	"fmt"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

// failureSignatures are checked in order; the first pattern with a matching
// substring wins.
var failureSignatures = []struct {
	pattern engine.FailurePattern
	needles []string
}{
	{engine.FailurePermissionDenied, []string{"permission denied", "forbidden", "not permitted", "access denied", "unauthorized", "policy denied", "read-only", "protected"}},
	{engine.FailureResourceBusy, []string{"resource busy", "busy", "429", "too many requests", "rate limit", "locked", "in use", "try again later"}},
	{engine.FailureTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{engine.FailureInvalidArguments, []string{"invalid argument", "missing required", "invalid value", "bad argument", "unexpected argument", "validation failed"}},
	{engine.FailureActorNotFound, []string{"not found", "no such entity", "no such actor", "does not exist", "unknown entity", "unknown actor"}},
	{engine.FailureScriptError, []string{"script error", "syntax error", "traceback", "undefined:", "exception", "got int, want", "starlark"}},
}

// ClassifyFailure maps a failed step result to a failure pattern.
// A blocking precondition failure takes priority over the error text.
func ClassifyFailure(result *engine.StepResult) engine.FailurePattern {
	if result == nil {
		return engine.FailureUnknown
	}
	if result.Status == engine.StepStatusBlocked || !result.PreconditionsPassed() {
		return engine.FailurePreconditionFailed
	}

	text := result.Error
	if result.ToolResult != nil {
		text += " " + result.ToolResult.Error
		if !result.ToolResult.Success {
			text += " " + result.ToolResult.Message
		}
	}
	return ClassifyMessage(text)
}

// ClassifyMessage maps an error message to a failure pattern by substring.
func ClassifyMessage(msg string) engine.FailurePattern {
	lower := strings.ToLower(msg)
	for _, sig := range failureSignatures {
		for _, needle := range sig.needles {
			if strings.Contains(lower, needle) {
				return sig.pattern
			}
		}
	}
	return engine.FailureUnknown
}

// RetryCeiling returns the number of failed executions after which a step
// is no longer retried: one plus the retries the pattern allows, capped by
// the step's MaxRetries.
func RetryCeiling(pattern engine.FailurePattern, step *engine.PlanStep) int {
	maxRetries := engine.DefaultMaxRetries
	if step != nil {
		maxRetries = step.MaxRetries
	}

	var retries int
	switch pattern {
	case engine.FailureInvalidArguments, engine.FailureTimeout, engine.FailureScriptError:
		retries = 2
	case engine.FailureResourceBusy:
		retries = 3
	case engine.FailureUnknown:
		retries = 1
	}
	return max(0, min(retries+1, maxRetries))
}

// RecoveryDecision is the outcome of the recovery policy.
type RecoveryDecision struct {
	Pattern engine.FailurePattern
	Action  engine.RecoveryAction
	Ceiling int
	Reason  string
}

// Decide classifies the failed step and selects a recovery action.
func (e *Evaluator) Decide(goal *engine.Goal, step *engine.PlanStep) RecoveryDecision {
	var result *engine.StepResult
	if step != nil {
		result = step.Result
	}
	pattern := ClassifyFailure(result)
	ceiling := RetryCeiling(pattern, step)
	failures := 0
	if step != nil {
		failures = step.RetryCount
	}
	canRetry := failures < ceiling

	d := RecoveryDecision{Pattern: pattern, Ceiling: ceiling}

	switch pattern {
	case engine.FailureActorNotFound, engine.FailurePreconditionFailed:
		d.Action = engine.RecoveryReplan
	case engine.FailurePermissionDenied:
		d.Action = engine.RecoveryEscalateToUser
	case engine.FailureInvalidArguments, engine.FailureScriptError:
		d.Action = pick(canRetry, engine.RecoveryRetryWithFix, engine.RecoveryReplan)
	case engine.FailureTimeout, engine.FailureResourceBusy:
		d.Action = pick(canRetry, engine.RecoveryRetry, engine.RecoveryEscalateToUser)
	default:
		d.Action = pick(canRetry, engine.RecoveryRetry, engine.RecoveryReplan)
	}
	d.Reason = fmt.Sprintf("%s after %d/%d failures", pattern, failures, ceiling)

	if goal != nil && goal.AttemptsExceeded() {
		d.Action = engine.RecoveryEscalateToUser
		d.Reason = fmt.Sprintf("goal used %d/%d attempts", goal.AttemptCount, goal.MaxAttempts)
	} else if d.Action == engine.RecoveryRetry && step != nil && step.HasSuggestedFixes() {
		d.Action = engine.RecoveryRetryWithFix
	}

	e.metrics.RecordRecovery(string(d.Pattern), string(d.Action))
	e.logger.Debugf("recovery decision: %s -> %s (%s)", d.Pattern, d.Action, d.Reason)
	return d
}

// DetermineRecoveryAction returns the recovery action for a failed step.
func (e *Evaluator) DetermineRecoveryAction(goal *engine.Goal, step *engine.PlanStep) engine.RecoveryAction {
	return e.Decide(goal, step).Action
}

func pick(cond bool, yes, no engine.RecoveryAction) engine.RecoveryAction {
	if cond {
		return yes
	}
	return no
}

// defaultArgValues fills required arguments that have a safe default.
var defaultArgValues = map[string]string{
	"class": "StaticMesh",
}

// GenerateSuggestedFixes proposes fixes for a failed step. Fixes of the form
// "arg=value" can be applied mechanically; other lines are advice.
func (e *Evaluator) GenerateSuggestedFixes(step *engine.PlanStep, result *engine.StepResult) []string {
	if step == nil {
		return nil
	}
	var fixes []string

	switch ClassifyFailure(result) {
	case engine.FailureInvalidArguments:
		for _, key := range e.registry.MissingArgs(step.ToolName, step.Args) {
			switch {
			case defaultArgValues[key] != "":
				fixes = append(fixes, fmt.Sprintf("%s=%s", key, defaultArgValues[key]))
			case key == "prompt" && step.Description != "":
				fixes = append(fixes, fmt.Sprintf("prompt=%s", step.Description))
			default:
				fixes = append(fixes, fmt.Sprintf("Provide the required argument %q", key))
			}
		}
		if len(fixes) == 0 {
			fixes = append(fixes, "Check argument types against the tool schema")
		}

	case engine.FailureActorNotFound:
		if ref := tools.EntityRef(step.Args); ref != "" {
			fixes = append(fixes, fmt.Sprintf("Refresh the world model and re-resolve entity %q", ref))
		} else {
			fixes = append(fixes, "Refresh the world model and re-resolve the target entity")
		}

	case engine.FailurePreconditionFailed:
		for _, p := range result.Preconditions {
			if p.BlocksExecution && !p.Passed {
				fixes = append(fixes, fmt.Sprintf("Satisfy precondition: %s", p.Description))
			}
		}

	case engine.FailureTimeout:
		timeout := 30
		if t, ok := step.Args["timeout"].(float64); ok && t > 0 {
			timeout = int(t)
		}
		fixes = append(fixes, fmt.Sprintf("timeout=%d", timeout*2))

	case engine.FailureScriptError:
		code := step.StringArg("code")
		if strings.Contains(code, "import ") || strings.Contains(code, "load(") {
			fixes = append(fixes, "Remove imports; only the scene builtins are available to scripts")
		}
		fixes = append(fixes, "Check the script for syntax errors and undefined names")

	case engine.FailurePermissionDenied:
		fixes = append(fixes, "Ask the user to allow the change or pick an unprotected target")
	}

	// Busy and unknown failures have no fix; waiting is the retry itself.
	return fixes
}

// SummarizeFailure renders a one-paragraph description of a failed step.
func (e *Evaluator) SummarizeFailure(goal *engine.Goal, step *engine.PlanStep) string {
	if step == nil {
		return "no step information available"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Step %q", step.Description)
	if step.ToolName != "" {
		fmt.Fprintf(&b, " (%s)", step.ToolName)
	}

	pattern := engine.FailureUnknown
	if r := step.Result; r != nil {
		pattern = ClassifyFailure(r)
		fmt.Fprintf(&b, " ended %s", r.Status)
		if msg := failureText(r); msg != "" {
			fmt.Fprintf(&b, ": %s", msg)
		}
	} else {
		b.WriteString(" did not run")
	}
	fmt.Fprintf(&b, " [%s]", pattern)

	if goal != nil {
		fmt.Fprintf(&b, ". Goal %q is on attempt %d of %d.", goal.Description, goal.AttemptCount, goal.MaxAttempts)
	}
	return b.String()
}

func failureText(r *engine.StepResult) string {
	if r.Error != "" {
		return r.Error
	}
	if r.ToolResult != nil && r.ToolResult.Error != "" {
		return r.ToolResult.Error
	}
	for _, p := range r.Preconditions {
		if p.BlocksExecution && !p.Passed {
			return "precondition failed: " + p.Description
		}
	}
	for _, o := range r.Outcomes {
		if o.Required && !o.Passed {
			return "outcome not met: " + o.Description
		}
	}
	return r.Summary
}
