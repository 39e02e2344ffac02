package controller

// State is a controller state.
type State string

const (
	StateIdle           State = "idle"
	StateParsingGoal    State = "parsing_goal"
	StatePlanning       State = "planning"
	StateExecuting      State = "executing"
	StateEvaluating     State = "evaluating"
	StateRecovering     State = "recovering"
	StateWaitingForUser State = "waiting_for_user"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// IsTerminal reports whether the state ends the current goal.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// working reports whether a goal is being pursued and the iteration guard
// applies.
func (s State) working() bool {
	switch s {
	case StatePlanning, StateExecuting, StateEvaluating, StateRecovering:
		return true
	default:
		return false
	}
}
