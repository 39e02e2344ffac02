// Package goals owns every goal created in a session and the stack of goals
// being actively pursued.
package goals

import (
	"fmt"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// Manager is the goal registry plus the active stack.
//
// Goals are owned by the registry; the stack holds IDs only, so a goal popped
// from the stack stays available for history and sub-goal lookups.
type Manager struct {
	registry map[string]*engine.Goal
	order    []string
	stack    []string
}

// NewManager creates an empty goal manager.
func NewManager() *Manager {
	return &Manager{registry: make(map[string]*engine.Goal)}
}

// CreateGoal registers a new pending goal.
func (m *Manager) CreateGoal(description, request string) *engine.Goal {
	g := engine.NewGoal(description, request)
	m.register(g)
	return g
}

// Register adds an externally built goal. A goal with a duplicate ID is rejected.
func (m *Manager) Register(g *engine.Goal) error {
	if g == nil || g.ID == "" {
		return engine.NewPermanentError("goal must have an id", nil).WithCode(engine.ErrCodeValidation)
	}
	if _, exists := m.registry[g.ID]; exists {
		return engine.NewConflictError(fmt.Sprintf("goal %s already registered", g.ID), nil).WithResource(g.ID)
	}
	m.register(g)
	return nil
}

func (m *Manager) register(g *engine.Goal) {
	m.registry[g.ID] = g
	m.order = append(m.order, g.ID)
}

// CreateSubGoal registers a child goal and links it to its parent.
// This is the only way sub-goals should be created.
func (m *Manager) CreateSubGoal(parentID, description string) (*engine.Goal, error) {
	parent, ok := m.registry[parentID]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("parent goal %s not found", parentID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(parentID)
	}
	child := engine.NewGoal(description, parent.OriginalRequest)
	child.ParentID = parentID
	child.Priority = parent.Priority
	m.register(child)
	parent.SubGoalIDs = append(parent.SubGoalIDs, child.ID)
	return child, nil
}

// Get returns a registered goal.
func (m *Manager) Get(id string) (*engine.Goal, bool) {
	g, ok := m.registry[id]
	return g, ok
}

// All returns registered goals in creation order.
func (m *Manager) All() []*engine.Goal {
	out := make([]*engine.Goal, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.registry[id])
	}
	return out
}

// Push makes a registered goal the active one.
func (m *Manager) Push(id string) error {
	if _, ok := m.registry[id]; !ok {
		return engine.NewPermanentError(fmt.Sprintf("goal %s not found", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id)
	}
	m.stack = append(m.stack, id)
	return nil
}

// Pop removes and returns the stack top.
func (m *Manager) Pop() (*engine.Goal, bool) {
	if len(m.stack) == 0 {
		return nil, false
	}
	id := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return m.registry[id], true
}

// Peek returns the stack top without removing it.
func (m *Manager) Peek() (*engine.Goal, bool) {
	if len(m.stack) == 0 {
		return nil, false
	}
	return m.registry[m.stack[len(m.stack)-1]], true
}

// Depth returns the number of goals on the stack.
func (m *Manager) Depth() int {
	return len(m.stack)
}

// GetActiveGoal prefers the stack top, then the first in-progress goal,
// then the first pending goal. It returns nil when none qualifies.
func (m *Manager) GetActiveGoal() *engine.Goal {
	if g, ok := m.Peek(); ok {
		return g
	}
	for _, id := range m.order {
		if g := m.registry[id]; g.Status == engine.GoalStatusInProgress {
			return g
		}
	}
	for _, id := range m.order {
		if g := m.registry[id]; g.Status == engine.GoalStatusPending {
			return g
		}
	}
	return nil
}

// HasActiveGoals reports whether the stack is non-empty or any goal is pending or in progress.
func (m *Manager) HasActiveGoals() bool {
	if len(m.stack) > 0 {
		return true
	}
	for _, g := range m.registry {
		if g.Status.IsActive() {
			return true
		}
	}
	return false
}

// CalculateGoalProgress returns completion in percent.
// Completed goals are 100. Goals with sub-goals average their children;
// otherwise the share of criteria that last evaluated true is used.
func (m *Manager) CalculateGoalProgress(id string) float64 {
	g, ok := m.registry[id]
	if !ok {
		return 0
	}
	return m.progress(g, make(map[string]bool))
}

func (m *Manager) progress(g *engine.Goal, visiting map[string]bool) float64 {
	if g.Status == engine.GoalStatusCompleted {
		return 100
	}
	if visiting[g.ID] {
		return 0
	}
	visiting[g.ID] = true
	defer delete(visiting, g.ID)

	if len(g.SubGoalIDs) > 0 {
		total := 0.0
		n := 0
		for _, childID := range g.SubGoalIDs {
			child, ok := m.registry[childID]
			if !ok {
				continue
			}
			total += m.progress(child, visiting)
			n++
		}
		if n > 0 {
			return total / float64(n)
		}
	}

	if len(g.SuccessCriteria) == 0 {
		return 0
	}
	passed := 0
	for _, c := range g.SuccessCriteria {
		if c.Evaluated && c.LastResult {
			passed++
		}
	}
	return float64(passed) / float64(len(g.SuccessCriteria)) * 100
}

// Clear drops every goal and empties the stack.
func (m *Manager) Clear() {
	m.registry = make(map[string]*engine.Goal)
	m.order = nil
	m.stack = nil
}
