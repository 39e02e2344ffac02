package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

var errNotScripted = errors.New("not scripted")

// mockAdvisor answers only the calls the controller makes itself; planning
// calls fail so the planner falls back to its templates.
type mockAdvisor struct {
	progress string
	fixes    []string
	question string
	explain  string

	calls []string
}

func (m *mockAdvisor) record(method string) {
	m.calls = append(m.calls, method)
}

func (m *mockAdvisor) called(method string) int {
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *mockAdvisor) ParseUserIntent(context.Context, string) (string, error) {
	m.record("ParseUserIntent")
	return "", errNotScripted
}

func (m *mockAdvisor) ExtractParameters(context.Context, string) (map[string]string, error) {
	m.record("ExtractParameters")
	return nil, errNotScripted
}

func (m *mockAdvisor) SuggestSuccessCriteria(context.Context, engine.Goal) ([]engine.SuccessCriterion, error) {
	m.record("SuggestSuccessCriteria")
	return nil, errNotScripted
}

func (m *mockAdvisor) SuggestPlan(context.Context, engine.Goal, string) (string, error) {
	m.record("SuggestPlan")
	return "", errNotScripted
}

func (m *mockAdvisor) SuggestToolArguments(context.Context, string, string) (map[string]interface{}, error) {
	m.record("SuggestToolArguments")
	return nil, errNotScripted
}

func (m *mockAdvisor) GenerateScript(context.Context, string) (string, error) {
	m.record("GenerateScript")
	return "", errNotScripted
}

func (m *mockAdvisor) SuggestRecoveryPlan(context.Context, engine.Goal, engine.PlanStep, string) (string, error) {
	m.record("SuggestRecoveryPlan")
	return "", errNotScripted
}

func (m *mockAdvisor) SuggestFixes(context.Context, engine.PlanStep, string) ([]string, error) {
	m.record("SuggestFixes")
	if m.fixes == nil {
		return nil, errNotScripted
	}
	return m.fixes, nil
}

func (m *mockAdvisor) ExplainFailure(context.Context, engine.Goal, string) (string, error) {
	m.record("ExplainFailure")
	if m.explain == "" {
		return "", errNotScripted
	}
	return m.explain, nil
}

func (m *mockAdvisor) GenerateProgressUpdate(context.Context, engine.Goal, float64) (string, error) {
	m.record("GenerateProgressUpdate")
	if m.progress == "" {
		return "", errNotScripted
	}
	return m.progress, nil
}

func (m *mockAdvisor) GenerateClarifyingQuestion(context.Context, engine.Goal, string) (string, error) {
	m.record("GenerateClarifyingQuestion")
	if m.question == "" {
		return "", errNotScripted
	}
	return m.question, nil
}

// mockJournal counts what it is asked to record.
type mockJournal struct {
	mu            sync.Mutex
	goals         map[string]engine.GoalStatus
	plans         int
	steps         int
	modifications []string
	events        []string
}

func newMockJournal() *mockJournal {
	return &mockJournal{goals: make(map[string]engine.GoalStatus)}
}

func (j *mockJournal) RecordGoal(_ context.Context, goal *engine.Goal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.goals[goal.ID] = goal.Status
	return nil
}

func (j *mockJournal) RecordPlan(context.Context, *engine.Plan) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.plans++
	return nil
}

func (j *mockJournal) RecordStepResult(context.Context, string, *engine.PlanStep, *engine.StepResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps++
	return nil
}

func (j *mockJournal) RecordModification(_ context.Context, entityID, modType, _, _ string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.modifications = append(j.modifications, modType+":"+entityID)
	return nil
}

func (j *mockJournal) RecordEvent(_ context.Context, _, level, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, level+": "+message)
	return nil
}

// denyGate refuses every plan.
type denyGate struct{}

func (denyGate) EvaluatePlan(context.Context, *engine.Goal, *engine.Plan) (*engine.PolicyDecision, error) {
	return &engine.PolicyDecision{
		Allowed: false,
		Violations: []engine.PolicyViolation{
			{Policy: "spawn_budget", Message: "too many entities", Severity: "error"},
		},
	}, nil
}
