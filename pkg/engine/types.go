package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default limits applied when a goal or step does not set its own.
const (
	DefaultMaxAttempts = 3
	DefaultMaxRetries  = 2
)

// Goal is an explicit, programmatically checkable statement of what the agent must achieve.
type Goal struct {
	// ID is the unique identifier for this goal.
	ID string `json:"id"`

	// Description is the normalized statement of intent used for planning.
	Description string `json:"description"`

	// OriginalRequest is the raw request text the goal was parsed from.
	OriginalRequest string `json:"original_request,omitempty"`

	// Status is the lifecycle status.
	Status GoalStatus `json:"status"`

	// Priority orders goals; higher runs first.
	Priority int `json:"priority"`

	// SuccessCriteria lists the conditions that define success, in order.
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`

	// SubGoalIDs lists child goals created through the goal manager.
	SubGoalIDs []string `json:"sub_goal_ids,omitempty"`

	// ParentID is the parent goal, if this is a sub-goal.
	ParentID string `json:"parent_id,omitempty"`

	// Parameters holds extracted request parameters (count, shape, label...).
	Parameters map[string]string `json:"parameters,omitempty"`

	// AttemptCount is how many times execution has been attempted.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts bounds AttemptCount.
	MaxAttempts int `json:"max_attempts"`

	// FailureReasons is the structured failure log.
	FailureReasons []string `json:"failure_reasons,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewGoal creates a pending goal with default limits.
func NewGoal(description, request string) *Goal {
	return &Goal{
		ID:              uuid.New().String(),
		Description:     description,
		OriginalRequest: request,
		Status:          GoalStatusPending,
		Parameters:      make(map[string]string),
		MaxAttempts:     DefaultMaxAttempts,
		CreatedAt:       time.Now(),
	}
}

// CanRetry reports whether another attempt is allowed.
func (g *Goal) CanRetry() bool {
	return g.AttemptCount < g.MaxAttempts
}

// AttemptsExceeded reports whether the goal has used up its attempts.
func (g *Goal) AttemptsExceeded() bool {
	return g.AttemptCount >= g.MaxAttempts
}

// IncrementAttempt records a new attempt, never exceeding MaxAttempts.
func (g *Goal) IncrementAttempt() {
	if g.AttemptCount < g.MaxAttempts {
		g.AttemptCount++
	}
}

// AddFailureReason appends to the failure log.
func (g *Goal) AddFailureReason(reason string) {
	g.FailureReasons = append(g.FailureReasons, reason)
}

// LastFailureReason returns the most recent failure reason, or "".
func (g *Goal) LastFailureReason() string {
	if len(g.FailureReasons) == 0 {
		return ""
	}
	return g.FailureReasons[len(g.FailureReasons)-1]
}

// RequiredCriteria returns pointers to the required criteria in order.
func (g *Goal) RequiredCriteria() []*SuccessCriterion {
	var out []*SuccessCriterion
	for i := range g.SuccessCriteria {
		if g.SuccessCriteria[i].Required {
			out = append(out, &g.SuccessCriteria[i])
		}
	}
	return out
}

// AddCriterion appends a success criterion.
func (g *Goal) AddCriterion(c SuccessCriterion) {
	g.SuccessCriteria = append(g.SuccessCriteria, c)
}

// MarkStarted moves a pending goal into progress.
func (g *Goal) MarkStarted() {
	g.Status = GoalStatusInProgress
	if g.StartedAt == nil {
		now := time.Now()
		g.StartedAt = &now
	}
}

// MarkFinished sets a terminal status and completion time.
func (g *Goal) MarkFinished(status GoalStatus) {
	g.Status = status
	now := time.Now()
	g.CompletedAt = &now
}

// SuccessCriterion is one measurable condition contributing to a goal's completeness.
type SuccessCriterion struct {
	Description string        `json:"description"`
	Kind        CriterionKind `json:"kind"`
	Query       string        `json:"query"`
	Required    bool          `json:"required"`

	// Evaluated is false until the evaluator has judged this criterion once.
	Evaluated     bool      `json:"evaluated"`
	LastResult    bool      `json:"last_result"`
	LastEvaluated time.Time `json:"last_evaluated,omitempty"`
}

// Precondition is a check that must hold before a step is allowed to run.
type Precondition struct {
	Description     string `json:"description"`
	Check           Check  `json:"check"`
	BlocksExecution bool   `json:"blocks_execution"`
}

// ExpectedOutcome is a check performed after a step runs.
type ExpectedOutcome struct {
	Description string `json:"description"`
	Check       Check  `json:"check"`
	Required    bool   `json:"required"`
}

// PlanStep is one unit of work in a plan.
type PlanStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Kind        StepKind `json:"kind"`

	// ToolName and Args are used by tool_call and observation steps.
	ToolName string                 `json:"tool_name,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`

	Preconditions    []Precondition    `json:"preconditions,omitempty"`
	ExpectedOutcomes []ExpectedOutcome `json:"expected_outcomes,omitempty"`

	Executed bool        `json:"executed"`
	Result   *StepResult `json:"result,omitempty"`

	// RetryCount counts failed executions. Once it reaches MaxRetries the
	// step is no longer retried.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Branches maps a step outcome to the next step index.
	Branches map[StepStatus]int `json:"branches,omitempty"`

	// Condition is the decision expression for decision steps, in the query mini-language.
	Condition string `json:"condition,omitempty"`

	// SubPlanID names the nested plan for sub_plan steps.
	SubPlanID string `json:"sub_plan_id,omitempty"`

	// LoopRisk acknowledges a branch back onto the same step.
	LoopRisk bool `json:"loop_risk,omitempty"`
}

// NewToolStep creates a tool_call step.
func NewToolStep(description, tool string, args map[string]interface{}) PlanStep {
	return newStep(StepKindToolCall, description, tool, args)
}

// NewObservationStep creates an observation step.
func NewObservationStep(description, tool string, args map[string]interface{}) PlanStep {
	return newStep(StepKindObservation, description, tool, args)
}

// NewVerificationStep creates a verification step whose outcome is the given check.
func NewVerificationStep(description string, check Check) PlanStep {
	s := newStep(StepKindVerification, description, "", nil)
	s.ExpectedOutcomes = []ExpectedOutcome{{
		Description: description,
		Check:       check,
		Required:    true,
	}}
	return s
}

func newStep(kind StepKind, description, tool string, args map[string]interface{}) PlanStep {
	if args == nil {
		args = make(map[string]interface{})
	}
	return PlanStep{
		ID:          uuid.New().String(),
		Description: description,
		Kind:        kind,
		ToolName:    tool,
		Args:        args,
		MaxRetries:  DefaultMaxRetries,
	}
}

// StringArg returns a string argument, or "" if absent or not a string.
func (s *PlanStep) StringArg(key string) string {
	if s.Args == nil {
		return ""
	}
	if v, ok := s.Args[key].(string); ok {
		return v
	}
	return ""
}

// HasSuggestedFixes reports whether the last result carries suggested fixes.
func (s *PlanStep) HasSuggestedFixes() bool {
	return s.Result != nil && len(s.Result.SuggestedFixes) > 0
}

// Plan is an ordered, possibly branching sequence of steps.
type Plan struct {
	ID               string     `json:"id"`
	GoalID           string     `json:"goal_id"`
	Steps            []PlanStep `json:"steps"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           PlanStatus `json:"status"`

	Rationale   string   `json:"rationale,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
	Risks       []string `json:"risks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewPlan creates an empty draft plan for a goal.
func NewPlan(goalID string) *Plan {
	return &Plan{
		ID:        uuid.New().String(),
		GoalID:    goalID,
		Status:    PlanStatusDraft,
		CreatedAt: time.Now(),
	}
}

// AddStep appends a step.
func (p *Plan) AddStep(s PlanStep) {
	p.Steps = append(p.Steps, s)
}

// IsExecutable reports whether the plan passed validation.
func (p *Plan) IsExecutable() bool {
	return p.Status.IsExecutable()
}

// HasMoreSteps reports whether the cursor points at a step.
func (p *Plan) HasMoreSteps() bool {
	return p.CurrentStepIndex >= 0 && p.CurrentStepIndex < len(p.Steps)
}

// CurrentStep returns the step under the cursor, or nil.
func (p *Plan) CurrentStep() *PlanStep {
	if !p.HasMoreSteps() {
		return nil
	}
	return &p.Steps[p.CurrentStepIndex]
}

// Advance moves the cursor after the current step finished with status.
// A branch table entry for the status redirects the cursor.
func (p *Plan) Advance(status StepStatus) {
	if step := p.CurrentStep(); step != nil {
		if next, ok := step.Branches[status]; ok && next >= 0 && next < len(p.Steps) {
			p.CurrentStepIndex = next
			return
		}
	}
	p.CurrentStepIndex++
}

// Remaining returns the number of steps at or after the cursor.
func (p *Plan) Remaining() int {
	if p.CurrentStepIndex >= len(p.Steps) {
		return 0
	}
	return len(p.Steps) - p.CurrentStepIndex
}

// ToolResult is the decoded result of a tool invocation.
type ToolResult struct {
	Success     bool                   `json:"success"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	AffectedIDs []string               `json:"affected_ids,omitempty"`

	// Raw is the undecoded JSON returned by the tool.
	Raw string `json:"-"`

	// Cancelled is set when the call was refused by a cooperative cancellation.
	Cancelled bool `json:"-"`
}

// ParseToolResult decodes a tool's JSON reply. A reply that is not a JSON
// object is treated as a successful plain-text message.
func ParseToolResult(raw string) *ToolResult {
	trimmed := strings.TrimSpace(raw)
	result := &ToolResult{Raw: raw}
	if !strings.HasPrefix(trimmed, "{") {
		result.Success = true
		result.Message = trimmed
		return result
	}
	if err := json.Unmarshal([]byte(trimmed), result); err != nil {
		result.Success = false
		result.Error = "malformed tool result: " + err.Error()
	}
	result.Raw = raw
	return result
}

// EncodeArgs renders step arguments as the JSON object passed to a tool.
func EncodeArgs(args map[string]interface{}) (string, error) {
	if args == nil {
		return "{}", nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PreconditionResult records one evaluated precondition.
type PreconditionResult struct {
	Description     string `json:"description"`
	Passed          bool   `json:"passed"`
	BlocksExecution bool   `json:"blocks_execution"`
	Message         string `json:"message,omitempty"`
}

// OutcomeResult records one evaluated expected outcome.
type OutcomeResult struct {
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Required    bool   `json:"required"`
	Message     string `json:"message,omitempty"`
}

// StepResult is everything the executor learned while running a step.
type StepResult struct {
	StepID         string               `json:"step_id"`
	Status         StepStatus           `json:"status"`
	ToolResult     *ToolResult          `json:"tool_result,omitempty"`
	Preconditions  []PreconditionResult `json:"preconditions,omitempty"`
	Outcomes       []OutcomeResult      `json:"outcomes,omitempty"`
	Duration       time.Duration        `json:"duration"`
	Summary        string               `json:"summary"`
	Error          string               `json:"error,omitempty"`
	SuggestedFixes []string             `json:"suggested_fixes,omitempty"`
	CompletedAt    time.Time            `json:"completed_at"`
}

// PreconditionsPassed reports whether every blocking precondition passed.
func (r *StepResult) PreconditionsPassed() bool {
	for _, p := range r.Preconditions {
		if p.BlocksExecution && !p.Passed {
			return false
		}
	}
	return true
}

// GoalEvaluation is the evaluator's judgment of a goal.
type GoalEvaluation struct {
	GoalID          string    `json:"goal_id"`
	Complete        bool      `json:"complete"`
	ProgressPercent float64   `json:"progress_percent"`
	Passed          []string  `json:"passed,omitempty"`
	Failed          []string  `json:"failed,omitempty"`
	Summary         string    `json:"summary"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// PlanValidation is the structural validation result of a plan.
type PlanValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// AddError records a validation error and marks the plan invalid.
func (v *PlanValidation) AddError(msg string) {
	v.Errors = append(v.Errors, msg)
	v.Valid = false
}

// AddWarning records a non-fatal finding.
func (v *PlanValidation) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}
