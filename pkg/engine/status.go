package engine

import (
	"fmt"
)

// GoalStatus represents the lifecycle status of a goal.
type GoalStatus string

const (
	// GoalStatusPending indicates the goal has been created but not started.
	GoalStatusPending GoalStatus = "pending"

	// GoalStatusInProgress indicates the goal is being pursued.
	GoalStatusInProgress GoalStatus = "in_progress"

	// GoalStatusCompleted indicates every required success criterion passed.
	GoalStatusCompleted GoalStatus = "completed"

	// GoalStatusFailed indicates the goal could not be achieved.
	GoalStatusFailed GoalStatus = "failed"

	// GoalStatusBlocked indicates the goal is waiting on user input.
	GoalStatusBlocked GoalStatus = "blocked"

	// GoalStatusCancelled indicates the goal was cancelled by the caller.
	GoalStatusCancelled GoalStatus = "cancelled"
)

// IsTerminal returns true if the goal status represents a final state.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusFailed || s == GoalStatusCancelled
}

// IsActive returns true if the goal still needs work.
func (s GoalStatus) IsActive() bool {
	return s == GoalStatusPending || s == GoalStatusInProgress
}

// Validate checks if the goal status is valid.
func (s GoalStatus) Validate() error {
	switch s {
	case GoalStatusPending, GoalStatusInProgress, GoalStatusCompleted,
		GoalStatusFailed, GoalStatusBlocked, GoalStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid goal status: %s", s)
	}
}

// CriterionKind selects how the evaluator interprets a success criterion query.
type CriterionKind string

const (
	// CriterionWorldState is a query over the world model in the query mini-language.
	CriterionWorldState CriterionKind = "world_state"

	// CriterionPropertyCheck compares one entity property with an expected value.
	CriterionPropertyCheck CriterionKind = "property_check"

	// CriterionVisualCheck requires visual verification. Unsupported; always fails.
	CriterionVisualCheck CriterionKind = "visual_check"

	// CriterionAssetExists checks that an entity or asset path is present.
	CriterionAssetExists CriterionKind = "asset_exists"

	// CriterionCustom is an opaque criterion. Unsupported; always fails.
	CriterionCustom CriterionKind = "custom"
)

// IsSupported reports whether the evaluator has semantics for the kind.
func (k CriterionKind) IsSupported() bool {
	return k == CriterionWorldState || k == CriterionPropertyCheck || k == CriterionAssetExists
}

// Validate checks if the criterion kind is valid.
func (k CriterionKind) Validate() error {
	switch k {
	case CriterionWorldState, CriterionPropertyCheck, CriterionVisualCheck,
		CriterionAssetExists, CriterionCustom:
		return nil
	default:
		return fmt.Errorf("invalid criterion kind: %s", k)
	}
}

// PlanStatus represents the status of a plan.
type PlanStatus string

const (
	// PlanStatusDraft indicates the plan has not passed validation.
	PlanStatusDraft PlanStatus = "draft"

	// PlanStatusValidated indicates the plan passed structural validation.
	PlanStatusValidated PlanStatus = "validated"

	// PlanStatusExecuting indicates steps are being run.
	PlanStatusExecuting PlanStatus = "executing"

	// PlanStatusCompleted indicates every step has been run.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusFailed indicates the plan was abandoned.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusReplanning indicates a replacement plan is being derived.
	PlanStatusReplanning PlanStatus = "replanning"
)

// IsExecutable returns true if a plan in this status may run steps.
func (s PlanStatus) IsExecutable() bool {
	return s == PlanStatusValidated || s == PlanStatusExecuting
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusDraft, PlanStatusValidated, PlanStatusExecuting,
		PlanStatusCompleted, PlanStatusFailed, PlanStatusReplanning:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// StepKind represents what a plan step does.
type StepKind string

const (
	// StepKindToolCall invokes a mutating tool.
	StepKindToolCall StepKind = "tool_call"

	// StepKindObservation invokes a read-only tool to refresh knowledge.
	StepKindObservation StepKind = "observation"

	// StepKindVerification checks a success criterion against the world model.
	StepKindVerification StepKind = "verification"

	// StepKindDecision branches on a condition.
	StepKindDecision StepKind = "decision"

	// StepKindSubPlan delegates to a nested plan.
	StepKindSubPlan StepKind = "sub_plan"
)

// UsesTool returns true if steps of this kind call the tool interface.
func (k StepKind) UsesTool() bool {
	return k == StepKindToolCall || k == StepKindObservation
}

// Validate checks if the step kind is valid.
func (k StepKind) Validate() error {
	switch k {
	case StepKindToolCall, StepKindObservation, StepKindVerification,
		StepKindDecision, StepKindSubPlan:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %s", k)
	}
}

// StepStatus represents the outcome of executing a single step.
type StepStatus string

const (
	// StepStatusSuccess indicates the tool succeeded and all required outcomes passed.
	StepStatusSuccess StepStatus = "success"

	// StepStatusPartialSuccess indicates the tool succeeded but an outcome failed.
	StepStatusPartialSuccess StepStatus = "partial_success"

	// StepStatusFailed indicates the tool call failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusBlocked indicates a blocking precondition failed; the tool was not called.
	StepStatusBlocked StepStatus = "blocked"

	// StepStatusSkipped indicates the step was cancelled or skipped.
	StepStatusSkipped StepStatus = "skipped"
)

// IsSuccessful returns true for statuses that let the plan move on without recovery.
func (s StepStatus) IsSuccessful() bool {
	return s == StepStatusSuccess || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusSuccess, StepStatusPartialSuccess, StepStatusFailed,
		StepStatusBlocked, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// FailurePattern classifies why a step failed.
type FailurePattern string

const (
	FailureActorNotFound      FailurePattern = "actor_not_found"
	FailureInvalidArguments   FailurePattern = "invalid_arguments"
	FailurePreconditionFailed FailurePattern = "precondition_failed"
	FailureTimeout            FailurePattern = "timeout"
	FailureScriptError        FailurePattern = "script_error"
	FailurePermissionDenied   FailurePattern = "permission_denied"
	FailureResourceBusy       FailurePattern = "resource_busy"
	FailureUnknown            FailurePattern = "unknown"
)

// RecoveryAction is the policy decision taken after a step fails.
type RecoveryAction string

const (
	RecoveryRetry          RecoveryAction = "retry"
	RecoveryRetryWithFix   RecoveryAction = "retry_with_fix"
	RecoveryReplan         RecoveryAction = "replan"
	RecoverySkipStep       RecoveryAction = "skip_step"
	RecoveryEscalateToUser RecoveryAction = "escalate_to_user"
	RecoveryAbort          RecoveryAction = "abort"
)

// IsLocal returns true for actions handled without leaving the current plan.
func (a RecoveryAction) IsLocal() bool {
	return a == RecoveryRetry || a == RecoveryRetryWithFix || a == RecoverySkipStep
}

// Confidence tags how much an entity state can be trusted.
type Confidence string

const (
	// ConfidenceConfirmed means the state was freshly read from the world.
	ConfidenceConfirmed Confidence = "confirmed"

	// ConfidenceAssumed means the state was inferred from the agent's own action.
	ConfidenceAssumed Confidence = "assumed"

	// ConfidenceStale means the state is too old to trust.
	ConfidenceStale Confidence = "stale"
)
