// Package planner turns requests into goals and goals into validated plans.
//
// Plans come from three sources, tried in order: built-in templates for
// recognized intents, a free-text plan suggested by the advisor, and a single
// observation step. Every plan is validated and gated by policy before it is
// returned.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/evaluator"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// summaryEntities caps the world summary sent to the advisor.
const summaryEntities = 50

// Planner builds goals and plans.
type Planner struct {
	registry *tools.Registry

	// advisor is optional; nil means pattern-based planning only
	advisor engine.Advisor

	// policy is optional; nil allows every valid plan
	policy engine.PolicyGate

	autoVerification bool
	maxAttempts      int

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
}

// New creates a planner with auto-verification enabled and no advisor.
func New(logger *telemetry.Logger) *Planner {
	return &Planner{
		registry:         tools.NewRegistry(),
		autoVerification: true,
		maxAttempts:      engine.DefaultMaxAttempts,
		logger:           telemetry.OrNop(logger).NewComponentLogger("planner"),
	}
}

// SetAdvisor sets or clears the advisor.
func (p *Planner) SetAdvisor(a engine.Advisor) {
	p.advisor = a
}

// SetPolicyGate sets or clears the plan policy gate.
func (p *Planner) SetPolicyGate(g engine.PolicyGate) {
	p.policy = g
}

// SetAutoVerification controls the closing observation step appended to
// plans whose goal has no required criteria.
func (p *Planner) SetAutoVerification(enabled bool) {
	p.autoVerification = enabled
}

// SetMaxAttempts sets the attempt limit given to new goals.
func (p *Planner) SetMaxAttempts(n int) {
	if n > 0 {
		p.maxAttempts = n
	}
}

// SetTracer enables advisor spans.
func (p *Planner) SetTracer(t *telemetry.Tracer) {
	p.tracer = t
}

// SetMetrics enables advisor call counters.
func (p *Planner) SetMetrics(m *telemetry.Metrics) {
	p.metrics = m
}

// Registry returns the tool registry used for validation.
func (p *Planner) Registry() *tools.Registry {
	return p.registry
}

// ParseGoal turns a raw request into a goal with parameters and success
// criteria. The advisor refines the description, parameters and criteria
// when available; otherwise they are derived from patterns.
func (p *Planner) ParseGoal(ctx context.Context, request string) (*engine.Goal, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, engine.NewPermanentError("empty request", nil).WithCode(engine.ErrCodeValidation)
	}

	description := request
	params := ExtractParameters(request)

	if p.advisor != nil {
		var intent string
		if err := p.advise(ctx, "ParseUserIntent", func(ctx context.Context) (err error) {
			intent, err = p.advisor.ParseUserIntent(ctx, request)
			return err
		}); err == nil && strings.TrimSpace(intent) != "" {
			description = strings.TrimSpace(intent)
		}

		var extra map[string]string
		if err := p.advise(ctx, "ExtractParameters", func(ctx context.Context) (err error) {
			extra, err = p.advisor.ExtractParameters(ctx, request)
			return err
		}); err == nil {
			for k, v := range extra {
				if _, ok := params[k]; !ok && v != "" {
					params[k] = v
				}
			}
		}
	}

	goal := engine.NewGoal(description, request)
	goal.MaxAttempts = p.maxAttempts
	for k, v := range params {
		goal.Parameters[k] = v
	}

	if p.advisor != nil {
		var suggested []engine.SuccessCriterion
		err := p.advise(ctx, "SuggestSuccessCriteria", func(ctx context.Context) (err error) {
			suggested, err = p.advisor.SuggestSuccessCriteria(ctx, *goal)
			return err
		})
		if err == nil {
			for _, c := range suggested {
				if c.Kind.Validate() != nil || strings.TrimSpace(c.Query) == "" {
					continue
				}
				goal.AddCriterion(c)
			}
		}
	}
	if len(goal.SuccessCriteria) == 0 {
		for _, c := range DeriveCriteria(ClassifyIntent(request), request, params) {
			goal.AddCriterion(c)
		}
	}

	p.logger.WithGoalID(goal.ID).Infof("parsed goal %q with %d criteria", goal.Description, len(goal.SuccessCriteria))
	return goal, nil
}

// DeriveCriteria produces pattern-based success criteria: spawning or
// arranging N things requires at least N matching entities, and deleting
// all of a kind requires none to remain.
func DeriveCriteria(intent Intent, request string, params map[string]string) []engine.SuccessCriterion {
	label := params[ParamLabel]
	if label == "" {
		return nil
	}
	upper := strings.ToUpper(label)
	count := params[ParamCount]
	if count == "" {
		count = "1"
	}

	switch intent {
	case IntentSpawn, IntentArrange:
		return []engine.SuccessCriterion{{
			Description: fmt.Sprintf("At least %s %s entities exist", count, label),
			Kind:        engine.CriterionWorldState,
			Query:       fmt.Sprintf("label contains '%s', count >= %s", upper, count),
			Required:    true,
		}}
	case IntentDelete:
		lower := strings.ToLower(request)
		if !strings.Contains(lower, "all ") && !strings.Contains(lower, "every ") {
			return nil
		}
		return []engine.SuccessCriterion{{
			Description: fmt.Sprintf("No %s entities remain", label),
			Kind:        engine.CriterionWorldState,
			Query:       fmt.Sprintf("label contains '%s', count == 0", upper),
			Required:    true,
		}}
	}
	return nil
}

// CreatePlan builds, validates and policy-checks a plan for goal.
// The returned error is an INVALID_PLAN or POLICY_DENIED EngineError when
// the plan cannot run; the plan is still returned for inspection.
func (p *Planner) CreatePlan(ctx context.Context, goal *engine.Goal, model *world.Model) (*engine.Plan, error) {
	if goal == nil {
		return nil, engine.NewPermanentError("goal is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if model == nil {
		model = world.NewModel()
	}

	text := goal.OriginalRequest
	if text == "" {
		text = goal.Description
	}
	intent := ClassifyIntent(goal.Description)
	if intent == IntentUnknown {
		intent = ClassifyIntent(text)
	}
	params := ExtractParameters(text)
	for k, v := range goal.Parameters {
		params[k] = v
	}

	plan := engine.NewPlan(goal.ID)
	steps := buildTemplate(intent, params, model)
	if len(steps) > 0 {
		plan.Rationale = fmt.Sprintf("%s template", intent)
		plan.Assumptions = append(plan.Assumptions, fmt.Sprintf("request is a %s request", intent))
	} else if p.advisor != nil {
		steps = p.advisorSteps(ctx, goal, model)
		if len(steps) > 0 {
			plan.Rationale = "advisor plan"
			plan.Risks = append(plan.Risks, "steps were suggested by the advisor")
		}
	}
	if len(steps) == 0 {
		steps = []engine.PlanStep{observeStep()}
		plan.Rationale = "no template or advisor plan; observing the scene"
	}
	plan.Steps = steps
	p.appendVerification(plan, goal)

	if err := p.finish(ctx, goal, plan, model); err != nil {
		return plan, err
	}
	p.logger.WithGoalID(goal.ID).Infof("created plan %s with %d steps (%s)", plan.ID, len(plan.Steps), plan.Rationale)
	return plan, nil
}

func (p *Planner) advisorSteps(ctx context.Context, goal *engine.Goal, model *world.Model) []engine.PlanStep {
	var text string
	err := p.advise(ctx, "SuggestPlan", func(ctx context.Context) (err error) {
		text, err = p.advisor.SuggestPlan(ctx, *goal, model.Summary(summaryEntities))
		return err
	})
	if err != nil {
		p.logger.WithError(err).Warn("advisor plan unavailable")
		return nil
	}
	return p.stepsFromSuggestions(ctx, ParseAdvisorPlan(text))
}

// appendVerification adds one verification step per required criterion, or a
// closing observation when there are none and auto-verification is on.
func (p *Planner) appendVerification(plan *engine.Plan, goal *engine.Goal) {
	required := goal.RequiredCriteria()
	for _, c := range required {
		plan.AddStep(engine.NewVerificationStep("Verify: "+c.Description, CriterionCheck(*c)))
	}
	if len(required) == 0 && p.autoVerification {
		plan.AddStep(engine.NewObservationStep("Observe the final scene", tools.SceneQuery, nil))
	}
}

// CriterionCheck converts a success criterion into a typed check. World-state
// queries become count checks; everything else is evaluated as a criterion.
func CriterionCheck(c engine.SuccessCriterion) engine.Check {
	if c.Kind == engine.CriterionWorldState {
		if filter, count, err := evaluator.ParseQuery(c.Query); err == nil {
			if count == nil {
				return engine.CountWhere(filter, engine.OpGreaterOrEqual, 1)
			}
			return engine.CountWhere(filter, count.Op, count.N)
		}
	}
	return engine.CriterionHolds(c.Kind, c.Query)
}

// ReplanFromFailure keeps the steps after the failed one. When none remain
// it asks the advisor for a recovery plan; without an advisor it returns an
// error.
func (p *Planner) ReplanFromFailure(ctx context.Context, goal *engine.Goal, plan *engine.Plan, failedIndex int, result *engine.StepResult, model *world.Model) (*engine.Plan, error) {
	if plan == nil || goal == nil {
		return nil, engine.NewPermanentError("nothing to replan", nil).WithCode(engine.ErrCodeValidation)
	}
	if failedIndex < 0 || failedIndex >= len(plan.Steps) {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed step index %d out of range", failedIndex), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if model == nil {
		model = world.NewModel()
	}

	next := engine.NewPlan(plan.GoalID)
	offset := failedIndex + 1
	for _, s := range plan.Steps[offset:] {
		s.Executed = false
		s.Result = nil
		s.RetryCount = 0
		s.Preconditions = append([]engine.Precondition(nil), s.Preconditions...)
		args := make(map[string]interface{}, len(s.Args))
		for k, v := range s.Args {
			args[k] = v
		}
		s.Args = args
		if len(s.Branches) > 0 {
			branches := make(map[engine.StepStatus]int, len(s.Branches))
			for status, target := range s.Branches {
				if t := target - offset; t >= 0 && t < len(plan.Steps)-offset {
					branches[status] = t
				}
			}
			s.Branches = branches
		}
		next.AddStep(s)
	}

	if len(next.Steps) > 0 {
		next.Rationale = fmt.Sprintf("continue after failed step %d", failedIndex)
	} else {
		steps, err := p.recoverySteps(ctx, goal, &plan.Steps[failedIndex], result)
		if err != nil {
			return nil, err
		}
		next.Steps = steps
		next.Rationale = "advisor recovery plan"
		p.appendVerification(next, goal)
	}

	if err := p.finish(ctx, goal, next, model); err != nil {
		return nil, err
	}
	p.logger.WithGoalID(goal.ID).Infof("replanned with %d steps (%s)", len(next.Steps), next.Rationale)
	return next, nil
}

func (p *Planner) recoverySteps(ctx context.Context, goal *engine.Goal, failed *engine.PlanStep, result *engine.StepResult) ([]engine.PlanStep, error) {
	if p.advisor == nil {
		return nil, engine.NewPermanentError("no steps remain and no advisor is available", nil).
			WithCode(engine.ErrCodeAdvisorUnavailable)
	}

	failure := "step failed"
	if result != nil {
		switch {
		case result.Error != "":
			failure = result.Error
		case result.Summary != "":
			failure = result.Summary
		}
	}

	var text string
	err := p.advise(ctx, "SuggestRecoveryPlan", func(ctx context.Context) (err error) {
		text, err = p.advisor.SuggestRecoveryPlan(ctx, *goal, *failed, failure)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recovery plan: %w", err)
	}

	steps := p.stepsFromSuggestions(ctx, ParseAdvisorPlan(text))
	if len(steps) == 0 {
		return nil, engine.NewPermanentError("advisor recovery plan had no usable steps", nil).
			WithCode(engine.ErrCodeInvalidPlan)
	}
	return steps, nil
}

// finish validates a plan and runs the policy gate.
func (p *Planner) finish(ctx context.Context, goal *engine.Goal, plan *engine.Plan, model *world.Model) error {
	v := p.ValidateAndFixPlan(plan, model)
	for _, w := range v.Warnings {
		p.logger.WithGoalID(goal.ID).Warn(w)
	}
	if !v.Valid {
		return engine.NewPermanentError("plan validation failed: "+strings.Join(v.Errors, "; "), nil).
			WithCode(engine.ErrCodeInvalidPlan).
			WithResource(plan.ID).
			WithDetail("errors", v.Errors)
	}
	if err := p.CheckPolicy(ctx, goal, plan); err != nil {
		plan.Status = engine.PlanStatusDraft
		return err
	}
	return nil
}

// CheckPolicy runs the policy gate, if any. Gate errors deny the plan.
func (p *Planner) CheckPolicy(ctx context.Context, goal *engine.Goal, plan *engine.Plan) error {
	if p.policy == nil {
		return nil
	}
	decision, err := p.policy.EvaluatePlan(ctx, goal, plan)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied).
			WithResource(plan.ID)
	}
	for _, w := range decision.Warnings {
		p.logger.WithGoalID(goal.ID).Warnf("policy warning: %s", w)
	}
	if decision.Allowed {
		return nil
	}

	var msgs []string
	for _, v := range decision.Violations {
		if v.Severity == "" || v.Severity == "error" || v.Severity == "critical" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "plan denied")
	}
	return engine.NewPermanentError("policy denied plan: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(plan.ID).
		WithDetail("violations", decision.Violations)
}

// advise runs one advisor call with a span and a counter.
func (p *Planner) advise(ctx context.Context, method string, call func(context.Context) error) error {
	ctx, span := p.tracer.StartAdvisorSpan(ctx, method)
	err := call(ctx)
	telemetry.EndSpan(span, err)
	p.metrics.RecordAdvisorCall(method, err)
	if err != nil {
		p.logger.WithError(err).Debugf("advisor %s failed", method)
	}
	return err
}
