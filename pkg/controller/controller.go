// Package controller ties the world model, planner, executor and evaluator
// into one cooperative state machine.
//
// A Controller is driven by Tick (or RunToCompletion) on a single control
// thread. Work arriving from other goroutines, such as advisor callbacks or
// asynchronous tool results, is handed over with Post and applied at the top
// of the next Tick.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/evaluator"
	"github.com/scenepilot/scenepilot/pkg/executor"
	"github.com/scenepilot/scenepilot/pkg/goals"
	"github.com/scenepilot/scenepilot/pkg/planner"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// Defaults applied by DefaultConfig.
const (
	DefaultMaxIterations = 100
	DefaultRefreshMaxAge = 30 * time.Second
)

// Config holds controller settings.
type Config struct {
	// MaxIterations bounds the ticks spent on one goal.
	MaxIterations int

	// UseLLM enables the advisor, when one is set.
	UseLLM bool

	// AutoVerification appends a closing observation to plans whose goal
	// has no required criteria.
	AutoVerification bool

	// MaxGoalAttempts is given to new goals.
	MaxGoalAttempts int

	// RefreshMaxAge is how old the world model may be before planning
	// refreshes it.
	RefreshMaxAge time.Duration
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    DefaultMaxIterations,
		UseLLM:           true,
		AutoVerification: true,
		MaxGoalAttempts:  engine.DefaultMaxAttempts,
		RefreshMaxAge:    DefaultRefreshMaxAge,
	}
}

// Controller is the agent state machine. Apart from Post, Cancel and
// Subscribe, its methods must be called from the control thread.
type Controller struct {
	cfg Config

	world     *world.Manager
	goals     *goals.Manager
	planner   *planner.Planner
	executor  *executor.Executor
	evaluator *evaluator.Evaluator

	tool    engine.Tool
	advisor engine.Advisor
	journal engine.Journal

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	observers *observerRegistry

	state     State
	requests  []string
	plan      *engine.Plan
	iteration int

	// failedIndex is the plan step under recovery, or -1 when the goal as a
	// whole fell short during evaluation.
	failedIndex int
	question    string
	goalSpan    trace.Span

	cancelRequested atomic.Bool

	// queue holds work posted from other goroutines.
	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}

	asyncTools map[string]bool
	inFlight   *asyncCall

	// journaledMods is how much of the modification log has been journaled.
	journaledMods int

	// generation invalidates async results after Cancel or Reset.
	generation uint64

	// workerCtx is cancelled by Close; workers derive their contexts from it.
	workerCtx    context.Context
	workerCancel context.CancelFunc
	workers      sync.WaitGroup
}

// New creates a controller with its own world model, goal manager, planner,
// executor and evaluator. Initialize must be called before goals can run.
func New(cfg Config, logger *telemetry.Logger) *Controller {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxGoalAttempts <= 0 {
		cfg.MaxGoalAttempts = def.MaxGoalAttempts
	}
	if cfg.RefreshMaxAge <= 0 {
		cfg.RefreshMaxAge = def.RefreshMaxAge
	}

	logger = telemetry.OrNop(logger)
	eval := evaluator.New(logger)
	manager := world.NewManager(world.NewModel(), nil, logger)
	p := planner.New(logger)
	p.SetAutoVerification(cfg.AutoVerification)
	p.SetMaxAttempts(cfg.MaxGoalAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:          cfg,
		world:        manager,
		goals:        goals.NewManager(),
		planner:      p,
		executor:     executor.New(manager, nil, eval, logger),
		evaluator:    eval,
		logger:       logger.NewComponentLogger("controller"),
		observers:    newObserverRegistry(),
		state:        StateIdle,
		failedIndex:  -1,
		wake:         make(chan struct{}, 1),
		asyncTools:   make(map[string]bool),
		workerCtx:    ctx,
		workerCancel: cancel,
	}
	return c
}

// Initialize connects the controller to the tool that reaches the world.
func (c *Controller) Initialize(tool engine.Tool) error {
	if tool == nil {
		return engine.NewPermanentError("tool is required", nil).WithCode(engine.ErrCodeValidation)
	}
	c.tool = tool
	c.world.SetTool(tool)
	c.executor.SetTool(tool)
	c.logger.Info("controller initialized")
	return nil
}

// SetTelemetry enables tracing, metrics and event publishing on the
// controller and its components.
func (c *Controller) SetTelemetry(t *telemetry.Telemetry) {
	if t == nil {
		return
	}
	c.tracer = t.Tracer
	c.metrics = t.Metrics
	c.events = t.Events
	c.world.SetMetrics(t.Metrics)
	c.planner.SetTracer(t.Tracer)
	c.planner.SetMetrics(t.Metrics)
	c.executor.SetTracer(t.Tracer)
	c.executor.SetMetrics(t.Metrics)
	c.evaluator.SetMetrics(t.Metrics)
	c.metrics.SetControllerState("", string(c.state))
}

// SetAdvisor sets or clears the advisor.
func (c *Controller) SetAdvisor(a engine.Advisor) {
	c.advisor = a
	c.syncAdvisor()
}

// SetUseLLM enables or disables advisor calls without removing the advisor.
func (c *Controller) SetUseLLM(enabled bool) {
	c.cfg.UseLLM = enabled
	c.syncAdvisor()
}

func (c *Controller) syncAdvisor() {
	c.planner.SetAdvisor(c.activeAdvisor())
}

// activeAdvisor returns the advisor when it may be consulted, else nil.
func (c *Controller) activeAdvisor() engine.Advisor {
	if !c.cfg.UseLLM {
		return nil
	}
	return c.advisor
}

// SetPolicyGate sets or clears the gate consulted for every plan.
func (c *Controller) SetPolicyGate(g engine.PolicyGate) {
	c.planner.SetPolicyGate(g)
}

// SetJournal sets or clears the session journal.
func (c *Controller) SetJournal(j engine.Journal) {
	c.journal = j
}

// SetMaxIterations bounds the ticks spent on one goal.
func (c *Controller) SetMaxIterations(n int) {
	if n > 0 {
		c.cfg.MaxIterations = n
	}
}

// SetAutoVerification controls the closing observation step.
func (c *Controller) SetAutoVerification(enabled bool) {
	c.cfg.AutoVerification = enabled
	c.planner.SetAutoVerification(enabled)
}

// Subscribe registers an observer.
func (c *Controller) Subscribe(o Observer) *Subscription {
	return c.observers.add(o)
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// CurrentGoal returns the goal being pursued, or nil.
func (c *Controller) CurrentGoal() *engine.Goal {
	return c.goals.GetActiveGoal()
}

// CurrentPlan returns the plan being executed, or nil.
func (c *Controller) CurrentPlan() *engine.Plan {
	return c.plan
}

// Iteration returns the number of ticks spent on the current goal.
func (c *Controller) Iteration() int {
	return c.iteration
}

// Question returns the pending question while waiting for the user.
func (c *Controller) Question() string {
	return c.question
}

// World returns the world manager.
func (c *Controller) World() *world.Manager {
	return c.world
}

// Goals returns the goal manager.
func (c *Controller) Goals() *goals.Manager {
	return c.goals
}

// HandleUserRequest queues a request. It is parsed into a goal on a later
// tick once the controller is idle.
func (c *Controller) HandleUserRequest(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return engine.NewPermanentError("empty request", nil).WithCode(engine.ErrCodeValidation)
	}
	if c.tool == nil {
		return engine.NewPermanentError("controller is not initialized", nil).WithCode(engine.ErrCodeInternal)
	}
	c.requests = append(c.requests, text)
	c.logger.Infof("queued request %q", text)
	return nil
}

// HandleUserResponse answers the question asked while waiting for the user.
// "skip" skips the failed step, "abort" or "cancel" fails the goal, and
// anything else retries the step. Free text is kept as the goal parameter
// user_response.
func (c *Controller) HandleUserResponse(text string) error {
	if c.state != StateWaitingForUser {
		return engine.NewConflictError(fmt.Sprintf("not waiting for user input (state %s)", c.state), nil).
			WithCode(engine.ErrCodeValidation)
	}
	goal := c.CurrentGoal()
	if goal == nil || c.plan == nil {
		c.transition(StateIdle)
		return nil
	}

	c.question = ""
	answer := strings.ToLower(strings.TrimSpace(text))
	c.recordEvent(goal.ID, "info", fmt.Sprintf("user responded %q", text))

	switch answer {
	case "abort", "cancel":
		c.failGoal(goal, "aborted by user")
		return nil
	case "skip":
		goal.Status = engine.GoalStatusInProgress
		c.skipFailedStep()
	default:
		if answer != "retry" && answer != "" {
			goal.Parameters["user_response"] = strings.TrimSpace(text)
		}
		goal.Status = engine.GoalStatusInProgress
		if c.failedIndex >= 0 {
			c.plan.CurrentStepIndex = c.failedIndex
		}
	}
	c.failedIndex = -1
	c.transition(StateExecuting)
	return nil
}

// Cancel stops the current goal. It may be called from any goroutine; the
// controller returns to Idle on the next tick.
func (c *Controller) Cancel() {
	c.cancelRequested.Store(true)
	c.executor.Cancel()
	c.signal()
}

// Reset discards every goal, request and plan and returns to Idle.
func (c *Controller) Reset() {
	c.abandonGoal(engine.GoalStatusCancelled, "reset")
	c.goals.Clear()
	c.requests = nil
	c.cancelRequested.Store(false)
	c.executor.ResetCancel()
	c.transition(StateIdle)
	c.logger.Info("controller reset")
}

// Close cancels outstanding asynchronous tool calls and waits for their
// workers to exit.
func (c *Controller) Close() {
	c.workerCancel()
	c.workers.Wait()
}

// ShouldContinue reports whether another tick would make progress.
func (c *Controller) ShouldContinue() bool {
	if c.cancelRequested.Load() {
		return false
	}
	switch c.state {
	case StateWaitingForUser:
		return false
	case StateIdle, StateCompleted, StateFailed:
		return c.hasWork()
	}
	return c.iteration <= c.cfg.MaxIterations
}

func (c *Controller) hasWork() bool {
	if len(c.requests) > 0 || c.pending() {
		return true
	}
	g := c.goals.GetActiveGoal()
	return g != nil && g.Status.IsActive()
}

// RunToCompletion ticks until ShouldContinue is false or ctx ends, blocking
// while an asynchronous tool call is in flight. It returns the final state.
func (c *Controller) RunToCompletion(ctx context.Context) State {
	for ctx.Err() == nil && c.ShouldContinue() {
		if c.inFlight != nil && !c.pending() {
			select {
			case <-c.wake:
			case <-ctx.Done():
				return c.state
			}
		}
		c.Tick(ctx)
	}
	if c.cancelRequested.Load() {
		c.Tick(ctx)
	}
	return c.state
}

// Tick advances the state machine by one step.
func (c *Controller) Tick(ctx context.Context) {
	c.drain()

	if c.cancelRequested.Swap(false) {
		c.abandonGoal(engine.GoalStatusCancelled, "cancelled")
		c.executor.ResetCancel()
		c.transition(StateIdle)
		return
	}

	if c.state.working() {
		c.iteration++
		if c.iteration > c.cfg.MaxIterations {
			if goal := c.CurrentGoal(); goal != nil {
				c.failGoal(goal, fmt.Sprintf("iteration limit of %d exceeded", c.cfg.MaxIterations))
				return
			}
		}
	}

	switch c.state {
	case StateIdle:
		c.tickIdle()
	case StateParsingGoal:
		c.tickParsing(ctx)
	case StatePlanning:
		c.tickPlanning(ctx)
	case StateExecuting:
		c.tickExecuting(ctx)
	case StateEvaluating:
		c.tickEvaluating(ctx)
	case StateRecovering:
		c.tickRecovering(ctx)
	case StateCompleted, StateFailed:
		if c.hasWork() {
			c.transition(StateIdle)
		}
	case StateWaitingForUser:
		// Parked until HandleUserResponse.
	}
}

func (c *Controller) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.SetControllerState(string(from), string(to))
	_ = c.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeStateChanged,
		Source:  "controller",
		Message: fmt.Sprintf("%s -> %s", from, to),
		Level:   telemetry.EventLevelInfo,
	})
	c.logger.Debugf("state %s -> %s", from, to)
	c.observers.notify(Event{Kind: EventStateChanged, From: from, To: to})
}

// abandonGoal ends the active goal without running failure handling.
func (c *Controller) abandonGoal(status engine.GoalStatus, reason string) {
	c.generation++
	c.inFlight = nil
	c.question = ""
	c.failedIndex = -1
	if c.plan != nil {
		c.plan.Status = engine.PlanStatusFailed
		c.plan = nil
	}
	goal, ok := c.goals.Pop()
	if !ok {
		return
	}
	if !goal.Status.IsTerminal() {
		goal.AddFailureReason(reason)
		goal.MarkFinished(status)
		c.metrics.RecordGoalFinished(string(status))
		c.recordGoal(goal)
		c.endGoalSpan(nil)
	}
	c.logger.WithGoalID(goal.ID).Infof("goal %s: %s", status, reason)
}

func (c *Controller) endGoalSpan(err error) {
	if c.goalSpan != nil {
		telemetry.EndSpan(c.goalSpan, err)
		c.goalSpan = nil
	}
}

func (c *Controller) recordGoal(goal *engine.Goal) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordGoal(context.Background(), goal); err != nil {
		c.logger.WithError(err).Warn("failed to journal goal")
	}
}

func (c *Controller) recordPlan(plan *engine.Plan) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordPlan(context.Background(), plan); err != nil {
		c.logger.WithError(err).Warn("failed to journal plan")
	}
}

func (c *Controller) recordStep(step *engine.PlanStep, result *engine.StepResult) {
	if c.journal == nil || c.plan == nil {
		return
	}
	if err := c.journal.RecordStepResult(context.Background(), c.plan.ID, step, result); err != nil {
		c.logger.WithError(err).Warn("failed to journal step result")
	}
}

func (c *Controller) recordEvent(goalID, level, message string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordEvent(context.Background(), goalID, level, message); err != nil {
		c.logger.WithError(err).Warn("failed to journal event")
	}
}

// recordModifications journals the world model modifications made by a
// step since the last call. Entries are journaled at most once.
func (c *Controller) recordModifications(goalID, stepID string) {
	mods, next := c.world.Model().ModificationsSince(c.journaledMods)
	c.journaledMods = next
	if c.journal == nil {
		return
	}
	for _, m := range mods {
		if m.GoalID != goalID || m.StepID != stepID {
			continue
		}
		if err := c.journal.RecordModification(context.Background(), m.EntityID, string(m.Type), goalID, stepID, m.Timestamp); err != nil {
			c.logger.WithError(err).Warn("failed to journal modification")
			return
		}
	}
}
