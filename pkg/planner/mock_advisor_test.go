package planner

import (
	"context"
	"errors"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

var errNotScripted = errors.New("not scripted")

// mockAdvisor returns canned answers; unset answers fail.
type mockAdvisor struct {
	intent       string
	params       map[string]string
	criteria     []engine.SuccessCriterion
	plan         string
	recoveryPlan string
	toolArgs     map[string]map[string]interface{}
	script       string

	calls []string
}

func (m *mockAdvisor) record(method string) {
	m.calls = append(m.calls, method)
}

func (m *mockAdvisor) ParseUserIntent(_ context.Context, _ string) (string, error) {
	m.record("ParseUserIntent")
	if m.intent == "" {
		return "", errNotScripted
	}
	return m.intent, nil
}

func (m *mockAdvisor) ExtractParameters(_ context.Context, _ string) (map[string]string, error) {
	m.record("ExtractParameters")
	if m.params == nil {
		return nil, errNotScripted
	}
	return m.params, nil
}

func (m *mockAdvisor) SuggestSuccessCriteria(_ context.Context, _ engine.Goal) ([]engine.SuccessCriterion, error) {
	m.record("SuggestSuccessCriteria")
	if m.criteria == nil {
		return nil, errNotScripted
	}
	return m.criteria, nil
}

func (m *mockAdvisor) SuggestPlan(_ context.Context, _ engine.Goal, _ string) (string, error) {
	m.record("SuggestPlan")
	if m.plan == "" {
		return "", errNotScripted
	}
	return m.plan, nil
}

func (m *mockAdvisor) SuggestToolArguments(_ context.Context, tool, _ string) (map[string]interface{}, error) {
	m.record("SuggestToolArguments")
	args, ok := m.toolArgs[tool]
	if !ok {
		return nil, errNotScripted
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out, nil
}

func (m *mockAdvisor) GenerateScript(_ context.Context, _ string) (string, error) {
	m.record("GenerateScript")
	if m.script == "" {
		return "", errNotScripted
	}
	return m.script, nil
}

func (m *mockAdvisor) SuggestRecoveryPlan(_ context.Context, _ engine.Goal, _ engine.PlanStep, _ string) (string, error) {
	m.record("SuggestRecoveryPlan")
	if m.recoveryPlan == "" {
		return "", errNotScripted
	}
	return m.recoveryPlan, nil
}

func (m *mockAdvisor) SuggestFixes(_ context.Context, _ engine.PlanStep, _ string) ([]string, error) {
	m.record("SuggestFixes")
	return nil, errNotScripted
}

func (m *mockAdvisor) ExplainFailure(_ context.Context, _ engine.Goal, _ string) (string, error) {
	m.record("ExplainFailure")
	return "", errNotScripted
}

func (m *mockAdvisor) GenerateProgressUpdate(_ context.Context, _ engine.Goal, _ float64) (string, error) {
	m.record("GenerateProgressUpdate")
	return "", errNotScripted
}

func (m *mockAdvisor) GenerateClarifyingQuestion(_ context.Context, _ engine.Goal, _ string) (string, error) {
	m.record("GenerateClarifyingQuestion")
	return "", errNotScripted
}

// mockGate denies plans containing a tool.
type mockGate struct {
	denyTool string
}

func (g *mockGate) EvaluatePlan(_ context.Context, _ *engine.Goal, plan *engine.Plan) (*engine.PolicyDecision, error) {
	d := &engine.PolicyDecision{Allowed: true}
	for _, s := range plan.Steps {
		if s.ToolName == g.denyTool {
			d.Allowed = false
			d.Violations = append(d.Violations, engine.PolicyViolation{
				Policy:   "no_" + g.denyTool,
				StepID:   s.ID,
				Message:  g.denyTool + " is not allowed",
				Severity: "error",
			})
		}
	}
	return d, nil
}
