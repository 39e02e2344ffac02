package planner

import (
	"strings"
	"testing"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

func planOf(steps ...engine.PlanStep) *engine.Plan {
	plan := engine.NewPlan("goal")
	for _, s := range steps {
		plan.AddStep(s)
	}
	return plan
}

func hasMessage(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestValidatePlan(t *testing.T) {
	selfBranch := engine.NewObservationStep("poll", tools.SceneQuery, nil)
	selfBranch.Branches = map[engine.StepStatus]int{engine.StepStatusFailed: 0}

	outOfRange := engine.NewObservationStep("look", tools.SceneQuery, nil)
	outOfRange.Branches = map[engine.StepStatus]int{engine.StepStatusSuccess: 4}

	badPrecondition := engine.NewToolStep("delete", tools.DeleteEntity, map[string]interface{}{"entity": "rock"})
	badPrecondition.Preconditions = []engine.Precondition{{Description: "exists", Check: engine.EntityExists("")}}

	tests := []struct {
		name    string
		plan    *engine.Plan
		wantErr string
	}{
		{name: "nil plan", plan: nil, wantErr: "plan is nil"},
		{name: "no steps", plan: planOf(), wantErr: "no steps"},
		{name: "unknown tool", plan: planOf(engine.NewToolStep("teleport", "teleport_entity", nil)), wantErr: "unknown tool"},
		{name: "missing argument", plan: planOf(engine.NewToolStep("delete", tools.DeleteEntity, nil)), wantErr: "missing required argument(s) entity"},
		{name: "schema mismatch", plan: planOf(engine.NewToolStep("spawn", tools.SpawnEntity, map[string]interface{}{"class": "Tree", "tags": "tree"})), wantErr: "invalid arguments for spawn_entity"},
		{name: "invalid kind", plan: planOf(engine.PlanStep{ID: "x", Kind: "dance"}), wantErr: "invalid step kind"},
		{name: "verification without outcome", plan: planOf(engine.PlanStep{ID: "v", Kind: engine.StepKindVerification}), wantErr: "no expected outcome"},
		{name: "decision without condition", plan: planOf(engine.PlanStep{ID: "d", Kind: engine.StepKindDecision}), wantErr: "requires a condition"},
		{name: "sub-plan without id", plan: planOf(engine.PlanStep{ID: "s", Kind: engine.StepKindSubPlan}), wantErr: "requires a sub-plan id"},
		{name: "branch out of range", plan: planOf(outOfRange), wantErr: "outside the plan"},
		{name: "self branch", plan: planOf(selfBranch), wantErr: "without loop risk flag"},
		{name: "invalid precondition", plan: planOf(badPrecondition), wantErr: "requires an entity id"},
	}

	p := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.ValidatePlan(tt.plan)
			if v.Valid {
				t.Fatal("Expected plan to be invalid")
			}
			if !hasMessage(v.Errors, tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, v.Errors)
			}
		})
	}
}

func TestValidatePlanAcceptsAcknowledgedLoop(t *testing.T) {
	poll := engine.NewObservationStep("poll", tools.SceneQuery, nil)
	poll.Branches = map[engine.StepStatus]int{engine.StepStatusFailed: 0}
	poll.LoopRisk = true
	decide := engine.PlanStep{ID: "d", Kind: engine.StepKindDecision, Condition: "label contains 'TREE', count >= 1"}

	v := New(nil).ValidatePlan(planOf(poll, decide))
	if !v.Valid {
		t.Fatalf("Expected valid plan, got %v", v.Errors)
	}
	if !hasMessage(v.Warnings, "loops onto itself") {
		t.Errorf("Expected loop warning, got %v", v.Warnings)
	}
}

func TestValidatePlanWarnsOnNegativeRetries(t *testing.T) {
	step := engine.NewObservationStep("look", tools.SceneQuery, nil)
	step.MaxRetries = -1

	v := New(nil).ValidatePlan(planOf(step))
	if !v.Valid {
		t.Fatalf("Expected valid plan, got %v", v.Errors)
	}
	if !hasMessage(v.Warnings, "negative max retries") {
		t.Errorf("Expected retry warning, got %v", v.Warnings)
	}
}

func TestValidateAndFixPlanInjectsPreconditions(t *testing.T) {
	model := world.NewModel()
	model.UpsertEntity(world.EntityState{ID: "chair-1", Label: "Chair", Confidence: engine.ConfidenceConfirmed})

	move := engine.NewToolStep("Move the chair", "move_actor", map[string]interface{}{
		"entity":   "chair-1",
		"location": map[string]interface{}{"x": 1.0, "y": 2.0, "z": 0.0},
	})
	move.MaxRetries = 0
	read := engine.NewObservationStep("Read the chair", tools.GetEntity, map[string]interface{}{"entity": "chair-1"})
	unknown := engine.NewToolStep("Delete the ghost", tools.DeleteEntity, map[string]interface{}{"entity": "ghost"})

	plan := planOf(move, read, unknown)
	p := New(nil)

	v := p.ValidateAndFixPlan(plan, model)
	if !v.Valid {
		t.Fatalf("Expected valid plan, got %v", v.Errors)
	}
	if plan.Status != engine.PlanStatusValidated {
		t.Errorf("Expected validated status, got %s", plan.Status)
	}

	fixed := plan.Steps[0]
	if fixed.ToolName != tools.SetEntityTransform {
		t.Errorf("Expected alias canonicalized, got %s", fixed.ToolName)
	}
	if fixed.MaxRetries != engine.DefaultMaxRetries {
		t.Errorf("Expected default max retries, got %d", fixed.MaxRetries)
	}
	if len(fixed.Preconditions) != 2 {
		t.Fatalf("Expected 2 preconditions, got %d", len(fixed.Preconditions))
	}
	if fixed.Preconditions[0].Check != engine.EntityExists("chair-1") || fixed.Preconditions[1].Check != engine.EntityModifiable("chair-1") {
		t.Errorf("Unexpected preconditions: %+v", fixed.Preconditions)
	}
	for _, pre := range fixed.Preconditions {
		if !pre.BlocksExecution {
			t.Errorf("Expected %q to block execution", pre.Description)
		}
	}

	if n := len(plan.Steps[1].Preconditions); n != 1 {
		t.Errorf("Expected only an existence check on a read, got %d", n)
	}
	if n := len(plan.Steps[2].Preconditions); n != 0 {
		t.Errorf("Expected no preconditions for an unknown entity, got %d", n)
	}

	p.ValidateAndFixPlan(plan, model)
	if n := len(plan.Steps[0].Preconditions); n != 2 {
		t.Errorf("Expected preconditions not to be duplicated, got %d", n)
	}
}

func TestValidateAndFixPlanLeavesInvalidPlanDraft(t *testing.T) {
	plan := planOf(engine.NewToolStep("delete", tools.DeleteEntity, nil))
	v := New(nil).ValidateAndFixPlan(plan, nil)
	if v.Valid {
		t.Fatal("Expected invalid plan")
	}
	if plan.Status != engine.PlanStatusDraft {
		t.Errorf("Expected draft status, got %s", plan.Status)
	}
}
