package controller

import (
	"sort"
	"sync"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventGoalCompleted EventKind = "goal_completed"
	EventGoalFailed    EventKind = "goal_failed"
	EventStepCompleted EventKind = "step_completed"
	EventNeedUserInput EventKind = "need_user_input"
	EventProgress      EventKind = "progress"

	// EventRequestRejected reports a request that could not become a goal.
	EventRequestRejected EventKind = "request_rejected"
)

// Event is delivered to observers on the control thread. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind

	// StateChanged
	From State
	To   State

	// GoalCompleted, GoalFailed, NeedUserInput, Progress
	Goal *engine.Goal

	// GoalCompleted
	Evaluation *engine.GoalEvaluation

	// StepCompleted
	Step   *engine.PlanStep
	Result *engine.StepResult

	// GoalFailed and RequestRejected carry the failure summary,
	// NeedUserInput the question and Progress the update text.
	Message string
	Percent float64
}

// Observer receives controller events. Observers run synchronously inside
// Tick and must not call Tick themselves.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	registry *observerRegistry
	id       uint64
	once     sync.Once
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.registry.remove(s.id)
	})
}

type observerRegistry struct {
	mu        sync.Mutex
	observers map[uint64]Observer
	nextID    uint64
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{observers: make(map[uint64]Observer)}
}

func (r *observerRegistry) add(o Observer) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.observers[r.nextID] = o
	return &Subscription{registry: r, id: r.nextID}
}

func (r *observerRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, id)
}

// snapshot returns observers in subscription order so delivery is
// deterministic and observers may unsubscribe while being notified.
func (r *observerRegistry) snapshot() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.observers[id])
	}
	return out
}

func (r *observerRegistry) notify(e Event) {
	for _, o := range r.snapshot() {
		o.OnEvent(e)
	}
}
