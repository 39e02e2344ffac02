package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func planOf(steps ...engine.PlanStep) *engine.Plan {
	plan := engine.NewPlan("goal-1")
	for _, s := range steps {
		plan.AddStep(s)
	}
	return plan
}

func scriptStep(code string) engine.PlanStep {
	return engine.NewToolStep("Run script", tools.ExecuteScript, map[string]interface{}{"code": code})
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		if !p.Builtin || !p.Enabled {
			t.Errorf("Expected %s to be an enabled built-in", p.Name)
		}
		names = append(names, p.Name)
	}
	expected := []string{"protected-entities", "script-deletes", "script-sandbox", "spawn-budget"}
	if diff := cmp.Diff(expected, names); diff != "" {
		t.Errorf("Unexpected built-in policies (-want +got):\n%s", diff)
	}
}

func TestEvaluatePlan_AllowsOrdinaryPlan(t *testing.T) {
	eng := newTestEngine(t)
	goal := engine.NewGoal("create 10 trees in a circle", "create 10 trees in a circle")

	decision, err := eng.EvaluatePlan(context.Background(), goal, planOf(
		engine.NewObservationStep("Observe the scene", tools.SceneQuery, nil),
		scriptStep("for i in range(10):\n    spawn(\"Tree\", label = \"Tree_%d\" % (i + 1))\n"),
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected plan to be allowed, got violations %v", decision.Violations)
	}
	if len(decision.Violations) != 0 {
		t.Errorf("Expected no violations, got %v", decision.Violations)
	}
}

func TestEvaluatePlan_SpawnBudget(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetMaxSpawns(5)

	arrange := scriptStep("for p in positions:\n    spawn(\"Tree\", location = p)\n")
	arrange.ExpectedOutcomes = []engine.ExpectedOutcome{
		{Description: "8 entities created", Check: engine.AffectedCountAbove(7), Required: true},
	}

	tests := []struct {
		name    string
		plan    *engine.Plan
		allowed bool
	}{
		{
			name:    "script outcome over budget",
			plan:    planOf(arrange),
			allowed: false,
		},
		{
			name: "spawn steps within budget",
			plan: planOf(
				engine.NewToolStep("Spawn", tools.SpawnEntity, map[string]interface{}{"class": "Rock"}),
				engine.NewToolStep("Duplicate", tools.DuplicateEntity, map[string]interface{}{"entity": "Rock_1"}),
			),
			allowed: true,
		},
		{
			name:    "spawn calls counted without outcome",
			plan:    planOf(scriptStep(strings.Repeat("spawn(\"Rock\")\n", 6))),
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluatePlan(context.Background(), nil, tt.plan)
			if err != nil {
				t.Fatalf("EvaluatePlan failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations %v)", tt.allowed, decision.Allowed, decision.Violations)
			}
			if !tt.allowed && decision.Violations[0].Policy != "spawn-budget" {
				t.Errorf("Expected spawn-budget violation, got %v", decision.Violations)
			}
		})
	}
}

func TestEvaluatePlan_SpawnBudgetDisabled(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetMaxSpawns(0)

	decision, err := eng.EvaluatePlan(context.Background(), nil, planOf(scriptStep(strings.Repeat("spawn(\"Rock\")\n", 500))))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected a zero budget to disable the check, got %v", decision.Violations)
	}
}

func TestEvaluatePlan_ProtectedEntities(t *testing.T) {
	model := world.NewModel()
	model.UpsertEntity(world.EntityState{ID: "lamp-1", Label: "Desk Lamp", Tags: []string{"Protected"}})
	model.UpsertEntity(world.EntityState{ID: "rock-1", Label: "Rock"})

	eng := newTestEngine(t)
	eng.SetEntitySource(model)

	tests := []struct {
		name    string
		step    engine.PlanStep
		allowed bool
		stepID  bool
	}{
		{
			name:    "delete by id",
			step:    engine.NewToolStep("Delete", tools.DeleteEntity, map[string]interface{}{"entity": "lamp-1"}),
			allowed: false,
			stepID:  true,
		},
		{
			name:    "delete by label ignores case",
			step:    engine.NewToolStep("Delete", tools.DeleteEntity, map[string]interface{}{"entity": "desk lamp"}),
			allowed: false,
			stepID:  true,
		},
		{
			name:    "delete unprotected entity",
			step:    engine.NewToolStep("Delete", tools.DeleteEntity, map[string]interface{}{"entity": "Rock"}),
			allowed: true,
		},
		{
			name:    "script deletes protected entity",
			step:    scriptStep("delete('Desk Lamp')"),
			allowed: false,
			stepID:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planOf(tt.step)
			decision, err := eng.EvaluatePlan(context.Background(), nil, plan)
			if err != nil {
				t.Fatalf("EvaluatePlan failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Fatalf("Expected allowed=%v, got %v (violations %v)", tt.allowed, decision.Allowed, decision.Violations)
			}
			if !tt.stepID {
				return
			}
			found := false
			for _, v := range decision.Violations {
				if v.Policy == "protected-entities" && v.StepID == plan.Steps[0].ID {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected a protected-entities violation naming the step, got %v", decision.Violations)
			}
		})
	}
}

func TestEvaluatePlan_ScriptSandbox(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		code    string
		allowed bool
	}{
		{"load statement", `load("os.star", "read")`, false},
		{"open call", `data = open ("/etc/passwd")`, false},
		{"os module", `os.remove("scene.json")`, false},
		{"identifier containing open", `reopen(1)`, true},
		{"plain spawns", `spawn("Tree")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluatePlan(context.Background(), nil, planOf(scriptStep(tt.code)))
			if err != nil {
				t.Fatalf("EvaluatePlan failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v for %q, got %v", tt.allowed, tt.code, decision.Violations)
			}
			if !tt.allowed && decision.Violations[0].Severity != string(SeverityCritical) {
				t.Errorf("Expected critical severity, got %s", decision.Violations[0].Severity)
			}
		})
	}
}

func TestEvaluatePlan_WarningsDoNotBlock(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluatePlan(context.Background(), nil, planOf(scriptStep(`delete("Rock")`)))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected warning-only plan to be allowed, got %v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0] != "script-deletes: script deletes entities" {
		t.Errorf("Expected one script-deletes warning, got %v", decision.Warnings)
	}
}

func TestEvaluatePlan_RequiresPlan(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.EvaluatePlan(context.Background(), nil, nil)
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	plan := planOf(scriptStep(`open("x")`))

	if err := eng.DisablePolicy("script-sandbox"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	decision, _ := eng.EvaluatePlan(context.Background(), nil, plan)
	if !decision.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %v", decision.Violations)
	}

	if err := eng.EnablePolicy("script-sandbox"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	decision, _ = eng.EvaluatePlan(context.Background(), nil, plan)
	if decision.Allowed {
		t.Error("Expected re-enabled policy to deny the plan")
	}

	if err := eng.DisablePolicy("missing"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for unknown policy, got %v", err)
	}
}

const noRocksPolicy = `# Rocks are not allowed in this scene.
package scenepilot.user.no_rocks

import rego.v1

deny contains msg if {
	some step in input.steps
	step.tool == "spawn_entity"
	step.args.class == "Rock"
	msg := sprintf("goal %s spawns a rock", [input.goal.id])
}
`

func TestLoadPolicies_UserPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "no_rocks.rego"), []byte(noRocksPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("no_rocks")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description != "Rocks are not allowed in this scene." {
		t.Errorf("Expected description from comments, got %q", p.Description)
	}

	goal := engine.NewGoal("spawn a rock", "spawn a rock")
	decision, err := eng.EvaluatePlan(context.Background(), goal, planOf(
		engine.NewToolStep("Spawn", tools.SpawnEntity, map[string]interface{}{"class": "Rock"}),
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	expected := []engine.PolicyViolation{{
		Policy:   "no_rocks",
		Message:  "goal " + goal.ID + " spawns a rock",
		Severity: "error",
	}}
	if diff := cmp.Diff(expected, decision.Violations); diff != "" {
		t.Errorf("Unexpected violations (-want +got):\n%s", diff)
	}
	if decision.Allowed {
		t.Error("Expected user policy to deny the plan")
	}
}

func TestLoadPolicies_CompileErrorKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no_rocks.rego")
	if err := os.WriteFile(path, []byte(noRocksPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	broken := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(broken, []byte("package broken\n\ndeny contains x if {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("no_rocks"); err != nil {
		t.Errorf("Expected previous user policy to survive a failed load, got %v", err)
	}
}

func TestLoadPolicies_BuiltinNameConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawn-budget.rego")
	if err := os.WriteFile(path, []byte("package x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("Expected conflict with built-in policy name")
	}
}

func TestReloadPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no_rocks.rego")
	if err := os.WriteFile(path, []byte(noRocksPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.DisablePolicy("spawn-budget"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}

	if _, err := eng.GetPolicy("no_rocks"); err == nil {
		t.Error("Expected removed policy file to be dropped on reload")
	}
	p, err := eng.GetPolicy("spawn-budget")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !p.Enabled {
		t.Error("Expected reload to restore built-in defaults")
	}
}

func TestEstimateSpawns(t *testing.T) {
	withOutcome := scriptStep("")
	withOutcome.ExpectedOutcomes = []engine.ExpectedOutcome{{Check: engine.AffectedCountAbove(9)}}

	tests := []struct {
		name string
		step engine.PlanStep
		want int
	}{
		{"spawn", engine.NewToolStep("", tools.SpawnEntity, nil), 1},
		{"duplicate", engine.NewToolStep("", tools.DuplicateEntity, nil), 1},
		{"delete", engine.NewToolStep("", tools.DeleteEntity, nil), 0},
		{"script outcome", withOutcome, 10},
		{"script calls", scriptStep("spawn('a')\nspawn ('b')\nrespawn('c')"), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateSpawns(&tt.step); got != tt.want {
				t.Errorf("Expected %d spawns, got %d", tt.want, got)
			}
		})
	}
}
