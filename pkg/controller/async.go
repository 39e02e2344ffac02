package controller

import (
	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/executor"
)

// asyncCall is a tool call running on a worker goroutine.
type asyncCall struct {
	stepID     string
	index      int
	plan       *engine.Plan
	generation uint64
}

// SetAsyncTools names the tools whose calls run off the control thread.
// While such a call is in flight the controller stays in Executing and Tick
// returns immediately.
func (c *Controller) SetAsyncTools(names ...string) {
	c.asyncTools = make(map[string]bool, len(names))
	for _, n := range names {
		c.asyncTools[n] = true
	}
}

// Post schedules fn to run on the control thread at the start of the next
// tick. It is safe to call from any goroutine.
func (c *Controller) Post(fn func()) {
	c.queueMu.Lock()
	c.queue = append(c.queue, fn)
	c.queueMu.Unlock()
	c.signal()
}

// InFlight reports whether an asynchronous tool call is outstanding.
func (c *Controller) InFlight() bool {
	return c.inFlight != nil
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) pending() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue) > 0
}

func (c *Controller) drain() {
	c.queueMu.Lock()
	queue := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// startAsync parks the step and runs its tool call on a worker. The result
// is posted back and applied by finishAsync.
func (c *Controller) startAsync(goal *engine.Goal, step *engine.PlanStep, index int) {
	partial, ok := c.executor.BeginStep(step, goal.ID)
	if !ok {
		c.handleStepResult(goal, index, &partial)
		return
	}

	call := &asyncCall{stepID: step.ID, index: index, plan: c.plan, generation: c.generation}
	c.inFlight = call
	snapshot := *step
	goalID := goal.ID

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		inv := c.executor.Invoke(c.workerCtx, &snapshot, goalID)
		c.Post(func() {
			c.finishAsync(call, partial, inv)
		})
	}()
	c.logger.WithGoalID(goalID).WithStepID(step.ID).Debugf("started async %s call", step.ToolName)
}

// finishAsync applies a worker's result, unless the step it belongs to was
// abandoned in the meantime.
func (c *Controller) finishAsync(call *asyncCall, partial engine.StepResult, inv executor.Invocation) {
	if c.inFlight != call || call.generation != c.generation || c.plan != call.plan {
		c.logger.Debugf("discarding stale async result for step %s", call.stepID)
		return
	}
	c.inFlight = nil

	goal := c.CurrentGoal()
	if goal == nil || c.state != StateExecuting || call.index >= len(c.plan.Steps) || c.plan.Steps[call.index].ID != call.stepID {
		return
	}
	step := &c.plan.Steps[call.index]
	result := c.executor.FinishStep(step, goal.ID, partial, inv)
	c.handleStepResult(goal, call.index, &result)
}
