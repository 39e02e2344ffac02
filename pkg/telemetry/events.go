package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a telemetry record of something the agent did.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	GoalID    string                 `json:"goal_id,omitempty"`
	PlanID    string                 `json:"plan_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeGoalStarted     = "goal.started"
	EventTypeGoalCompleted   = "goal.completed"
	EventTypeGoalFailed      = "goal.failed"
	EventTypePlanCreated     = "plan.created"
	EventTypeStepStarted     = "step.started"
	EventTypeStepCompleted   = "step.completed"
	EventTypeStepFailed      = "step.failed"
	EventTypeRecovery        = "recovery.decided"
	EventTypePolicyViolation = "policy.violation"
	EventTypeStateChanged    = "controller.state_changed"
	EventTypeError           = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
// Delivery is inline on the publishing goroutine unless EnableAsync is set.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishGoalStarted publishes a goal started event.
func (ep *EventPublisher) PublishGoalStarted(goalID, description string) error {
	return ep.Publish(Event{
		Type:    EventTypeGoalStarted,
		Source:  "controller",
		GoalID:  goalID,
		Message: fmt.Sprintf("Goal %s started: %s", goalID, description),
		Level:   EventLevelInfo,
	})
}

// PublishGoalFinished publishes a goal completed or failed event.
func (ep *EventPublisher) PublishGoalFinished(goalID string, success bool, summary string) error {
	event := Event{
		Type:    EventTypeGoalCompleted,
		Source:  "controller",
		GoalID:  goalID,
		Message: summary,
		Level:   EventLevelInfo,
	}
	if !success {
		event.Type = EventTypeGoalFailed
		event.Level = EventLevelError
	}
	return ep.Publish(event)
}

// PublishStepFinished publishes a step completed or failed event.
func (ep *EventPublisher) PublishStepFinished(goalID, stepID, tool, status string, duration time.Duration) error {
	event := Event{
		Type:    EventTypeStepCompleted,
		Source:  "executor",
		GoalID:  goalID,
		StepID:  stepID,
		Tool:    tool,
		Message: fmt.Sprintf("Step %s finished with status %s", stepID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	if status == "failed" || status == "blocked" {
		event.Type = EventTypeStepFailed
		event.Level = EventLevelWarning
	}
	return ep.Publish(event)
}

// PublishRecovery publishes a recovery decision.
func (ep *EventPublisher) PublishRecovery(goalID, stepID, pattern, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeRecovery,
		Source:  "evaluator",
		GoalID:  goalID,
		StepID:  stepID,
		Message: fmt.Sprintf("Failure %s handled with %s", pattern, action),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"pattern": pattern,
			"action":  action,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(goalID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		GoalID:  goalID,
		Message: fmt.Sprintf("Policy %s violated: %s", policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
		},
	})
}

// Subscribe registers a subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	if ep == nil || !ep.config.Enabled {
		return func() {}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		delete(ep.subscribers, id)
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for _, entry := range ep.subscribers {
		entries = append(entries, entry)
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops async delivery after flushing buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByGoalID creates a filter that only allows events for one goal.
func FilterByGoalID(goalID string) EventFilter {
	return func(event Event) bool {
		return event.GoalID == goalID
	}
}
