package engine

import (
	"context"
	"time"
)

// Tool performs actions in the target environment.
// Arguments and results are JSON documents; the engine never sees how a tool is implemented.
type Tool interface {
	// Execute invokes toolName with a JSON object of arguments and returns a JSON result.
	Execute(ctx context.Context, toolName, argsJSON string) (string, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, toolName, argsJSON string) (string, error)

// Execute calls f.
func (f ToolFunc) Execute(ctx context.Context, toolName, argsJSON string) (string, error) {
	return f(ctx, toolName, argsJSON)
}

// Advisor is the optional language-model collaborator.
// It suggests intents, plans, fixes and explanations; it never decides.
// Every method may fail, and callers treat failure as a capability downgrade.
type Advisor interface {
	// ParseUserIntent normalizes a raw request into a goal description.
	ParseUserIntent(ctx context.Context, request string) (string, error)

	// ExtractParameters pulls named parameters (count, shape, label...) from a request.
	ExtractParameters(ctx context.Context, request string) (map[string]string, error)

	// SuggestSuccessCriteria proposes criteria for a goal.
	SuggestSuccessCriteria(ctx context.Context, goal Goal) ([]SuccessCriterion, error)

	// SuggestPlan returns a free-text plan, one "tool: description" line per step.
	SuggestPlan(ctx context.Context, goal Goal, worldSummary string) (string, error)

	// SuggestToolArguments proposes arguments for a tool call described in prose.
	SuggestToolArguments(ctx context.Context, toolName, stepDescription string) (map[string]interface{}, error)

	// GenerateScript writes code for the script tool.
	GenerateScript(ctx context.Context, description string) (string, error)

	// SuggestRecoveryPlan proposes an alternative approach after a failure, in SuggestPlan format.
	SuggestRecoveryPlan(ctx context.Context, goal Goal, failedStep PlanStep, failure string) (string, error)

	// SuggestFixes proposes argument fixes as "name=value" lines.
	SuggestFixes(ctx context.Context, step PlanStep, failure string) ([]string, error)

	// ExplainFailure writes a natural-language failure summary.
	ExplainFailure(ctx context.Context, goal Goal, failure string) (string, error)

	// GenerateProgressUpdate writes a short progress message.
	GenerateProgressUpdate(ctx context.Context, goal Goal, percent float64) (string, error)

	// GenerateClarifyingQuestion writes the question asked when escalating to the user.
	GenerateClarifyingQuestion(ctx context.Context, goal Goal, failure string) (string, error)
}

// PolicyGate decides whether a validated plan may run.
type PolicyGate interface {
	EvaluatePlan(ctx context.Context, goal *Goal, plan *Plan) (*PolicyDecision, error)
}

// PolicyDecision is the outcome of a policy evaluation.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	StepID   string `json:"step_id,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Journal persists what happened during a session.
// Implementations must not block the control loop for long; errors are logged, not fatal.
type Journal interface {
	RecordGoal(ctx context.Context, goal *Goal) error
	RecordPlan(ctx context.Context, plan *Plan) error
	RecordStepResult(ctx context.Context, planID string, step *PlanStep, result *StepResult) error
	RecordModification(ctx context.Context, entityID, modType, goalID, stepID string, at time.Time) error
	RecordEvent(ctx context.Context, goalID, level, message string) error
}
