// Package advisor runs advisor calls off the control thread.
//
// An Async wraps any engine.Advisor. At most one request is outstanding at a
// time; its callback is handed to a post function (usually the controller's
// Post) so results are applied on the control thread. A cancelled request
// never calls back.
package advisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
)

// DefaultTimeout bounds one asynchronous advisor call.
const DefaultTimeout = 60 * time.Second

// Async runs one advisor request at a time on a worker goroutine.
type Async struct {
	advisor engine.Advisor
	post    func(func())
	timeout time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu      sync.Mutex
	busy    bool
	method  string
	seq     uint64
	cancel  context.CancelFunc
	closed  bool
	workers sync.WaitGroup
}

// NewAsync wraps a. post receives every callback; a nil post runs callbacks
// on the worker goroutine.
func NewAsync(a engine.Advisor, post func(func()), logger *telemetry.Logger) *Async {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Async{
		advisor: a,
		post:    post,
		timeout: DefaultTimeout,
		logger:  telemetry.OrNop(logger).NewComponentLogger("advisor"),
	}
}

// SetTimeout bounds each request. Zero or less keeps the current value.
func (a *Async) SetTimeout(d time.Duration) {
	if d > 0 {
		a.timeout = d
	}
}

// SetMetrics enables per-call metrics.
func (a *Async) SetMetrics(m *telemetry.Metrics) {
	a.metrics = m
}

// SetTracer enables per-call spans.
func (a *Async) SetTracer(t *telemetry.Tracer) {
	a.tracer = t
}

// Advisor returns the wrapped advisor for synchronous use.
func (a *Async) Advisor() engine.Advisor {
	return a.advisor
}

// Busy reports whether a request is outstanding.
func (a *Async) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Pending returns the method of the outstanding request, or "".
func (a *Async) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.busy {
		return ""
	}
	return a.method
}

// CancelAsyncRequest abandons the outstanding request. Its callback is not
// called. It reports whether there was a request to cancel.
func (a *Async) CancelAsyncRequest() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.busy {
		return false
	}
	a.cancel()
	a.busy = false
	a.seq++
	a.logger.Debugf("cancelled %s request", a.method)
	return true
}

// Close cancels any outstanding request, refuses new ones and waits for
// workers to exit.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	if a.busy {
		a.cancel()
		a.busy = false
		a.seq++
	}
	a.mu.Unlock()
	a.workers.Wait()
}

// start claims the request slot. It fails with ADVISOR_BUSY while another
// request is outstanding.
func (a *Async) start(method string) (context.Context, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advisor == nil {
		return nil, 0, engine.NewPermanentError("no advisor configured", nil).
			WithCode(engine.ErrCodeAdvisorUnavailable).
			WithOperation(method)
	}
	if a.closed {
		return nil, 0, engine.NewPermanentError("advisor is closed", nil).
			WithCode(engine.ErrCodeAdvisorUnavailable).
			WithOperation(method)
	}
	if a.busy {
		return nil, 0, engine.NewConflictError(fmt.Sprintf("advisor busy with %s", a.method), nil).
			WithCode(engine.ErrCodeAdvisorBusy).
			WithOperation(method)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	a.busy = true
	a.method = method
	a.seq++
	a.cancel = cancel
	return ctx, a.seq, nil
}

// finish releases the slot and reports whether seq is still current.
func (a *Async) finish(seq uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.busy || a.seq != seq {
		return false
	}
	a.busy = false
	a.cancel()
	return true
}

// run executes call on a worker and posts cb with its result.
func run[T any](a *Async, method string, call func(context.Context, engine.Advisor) (T, error), cb func(T, error)) error {
	ctx, seq, err := a.start(method)
	if err != nil {
		return err
	}

	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		spanCtx, span := a.tracer.StartAdvisorSpan(ctx, method)
		v, err := call(spanCtx, a.advisor)
		telemetry.EndSpan(span, err)
		a.metrics.RecordAdvisorCall(method, err)

		if !a.finish(seq) {
			a.logger.Debugf("dropping result of cancelled %s request", method)
			return
		}
		if err != nil {
			a.logger.WithError(err).Warnf("%s failed", method)
		}
		if cb != nil {
			a.post(func() { cb(v, err) })
		}
	}()
	return nil
}

// ParseUserIntentAsync runs ParseUserIntent.
func (a *Async) ParseUserIntentAsync(request string, cb func(string, error)) error {
	return run(a, "ParseUserIntent", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.ParseUserIntent(ctx, request)
	}, cb)
}

// ExtractParametersAsync runs ExtractParameters.
func (a *Async) ExtractParametersAsync(request string, cb func(map[string]string, error)) error {
	return run(a, "ExtractParameters", func(ctx context.Context, adv engine.Advisor) (map[string]string, error) {
		return adv.ExtractParameters(ctx, request)
	}, cb)
}

// SuggestSuccessCriteriaAsync runs SuggestSuccessCriteria on a copy of goal.
func (a *Async) SuggestSuccessCriteriaAsync(goal engine.Goal, cb func([]engine.SuccessCriterion, error)) error {
	return run(a, "SuggestSuccessCriteria", func(ctx context.Context, adv engine.Advisor) ([]engine.SuccessCriterion, error) {
		return adv.SuggestSuccessCriteria(ctx, goal)
	}, cb)
}

// SuggestPlanAsync runs SuggestPlan.
func (a *Async) SuggestPlanAsync(goal engine.Goal, worldSummary string, cb func(string, error)) error {
	return run(a, "SuggestPlan", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.SuggestPlan(ctx, goal, worldSummary)
	}, cb)
}

// SuggestToolArgumentsAsync runs SuggestToolArguments.
func (a *Async) SuggestToolArgumentsAsync(toolName, stepDescription string, cb func(map[string]interface{}, error)) error {
	return run(a, "SuggestToolArguments", func(ctx context.Context, adv engine.Advisor) (map[string]interface{}, error) {
		return adv.SuggestToolArguments(ctx, toolName, stepDescription)
	}, cb)
}

// GenerateScriptAsync runs GenerateScript.
func (a *Async) GenerateScriptAsync(description string, cb func(string, error)) error {
	return run(a, "GenerateScript", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.GenerateScript(ctx, description)
	}, cb)
}

// SuggestRecoveryPlanAsync runs SuggestRecoveryPlan.
func (a *Async) SuggestRecoveryPlanAsync(goal engine.Goal, failedStep engine.PlanStep, failure string, cb func(string, error)) error {
	return run(a, "SuggestRecoveryPlan", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.SuggestRecoveryPlan(ctx, goal, failedStep, failure)
	}, cb)
}

// SuggestFixesAsync runs SuggestFixes.
func (a *Async) SuggestFixesAsync(step engine.PlanStep, failure string, cb func([]string, error)) error {
	return run(a, "SuggestFixes", func(ctx context.Context, adv engine.Advisor) ([]string, error) {
		return adv.SuggestFixes(ctx, step, failure)
	}, cb)
}

// ExplainFailureAsync runs ExplainFailure.
func (a *Async) ExplainFailureAsync(goal engine.Goal, failure string, cb func(string, error)) error {
	return run(a, "ExplainFailure", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.ExplainFailure(ctx, goal, failure)
	}, cb)
}

// GenerateProgressUpdateAsync runs GenerateProgressUpdate.
func (a *Async) GenerateProgressUpdateAsync(goal engine.Goal, percent float64, cb func(string, error)) error {
	return run(a, "GenerateProgressUpdate", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.GenerateProgressUpdate(ctx, goal, percent)
	}, cb)
}

// GenerateClarifyingQuestionAsync runs GenerateClarifyingQuestion.
func (a *Async) GenerateClarifyingQuestionAsync(goal engine.Goal, failure string, cb func(string, error)) error {
	return run(a, "GenerateClarifyingQuestion", func(ctx context.Context, adv engine.Advisor) (string, error) {
		return adv.GenerateClarifyingQuestion(ctx, goal, failure)
	}, cb)
}
