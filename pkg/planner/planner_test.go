package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

func TestParseGoalDerivesCriteria(t *testing.T) {
	p := New(nil)

	goal, err := p.ParseGoal(context.Background(), "create 10 trees in a circle")
	if err != nil {
		t.Fatalf("ParseGoal failed: %v", err)
	}

	if goal.Parameters[ParamCount] != "10" {
		t.Errorf("Expected count 10, got %q", goal.Parameters[ParamCount])
	}
	if goal.Parameters[ParamShape] != ShapeCircle {
		t.Errorf("Expected shape circle, got %q", goal.Parameters[ParamShape])
	}
	if len(goal.SuccessCriteria) != 1 {
		t.Fatalf("Expected 1 criterion, got %d", len(goal.SuccessCriteria))
	}
	c := goal.SuccessCriteria[0]
	if c.Query != "label contains 'TREE', count >= 10" {
		t.Errorf("Unexpected criterion query: %q", c.Query)
	}
	if !c.Required || c.Kind != engine.CriterionWorldState {
		t.Errorf("Expected required world_state criterion, got %+v", c)
	}
	if goal.MaxAttempts != engine.DefaultMaxAttempts {
		t.Errorf("Expected max attempts %d, got %d", engine.DefaultMaxAttempts, goal.MaxAttempts)
	}
}

func TestParseGoalRejectsEmptyRequest(t *testing.T) {
	p := New(nil)
	_, err := p.ParseGoal(context.Background(), "   ")
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestParseGoalUsesAdvisor(t *testing.T) {
	adv := &mockAdvisor{
		intent: "Spawn ten trees",
		params: map[string]string{ParamCount: "10", ParamLabel: "tree"},
		criteria: []engine.SuccessCriterion{
			{Description: "ten trees", Kind: engine.CriterionWorldState, Query: "label contains 'TREE', count >= 10", Required: true},
			{Description: "bogus", Kind: "telepathy", Query: "x", Required: true},
			{Description: "empty", Kind: engine.CriterionWorldState, Query: " ", Required: true},
		},
	}
	p := New(nil)
	p.SetAdvisor(adv)

	goal, err := p.ParseGoal(context.Background(), "put some trees down")
	if err != nil {
		t.Fatalf("ParseGoal failed: %v", err)
	}
	if goal.Description != "Spawn ten trees" {
		t.Errorf("Expected advisor description, got %q", goal.Description)
	}
	if goal.OriginalRequest != "put some trees down" {
		t.Errorf("Expected original request kept, got %q", goal.OriginalRequest)
	}
	if goal.Parameters[ParamCount] != "10" {
		t.Errorf("Expected advisor count, got %q", goal.Parameters[ParamCount])
	}
	if len(goal.SuccessCriteria) != 1 {
		t.Fatalf("Expected invalid advisor criteria to be dropped, got %d", len(goal.SuccessCriteria))
	}
}

func TestParseGoalSurvivesFailingAdvisor(t *testing.T) {
	p := New(nil)
	p.SetAdvisor(&mockAdvisor{})

	goal, err := p.ParseGoal(context.Background(), "create 4 rocks in a line")
	if err != nil {
		t.Fatalf("ParseGoal failed: %v", err)
	}
	if goal.Description != "create 4 rocks in a line" {
		t.Errorf("Expected request as description, got %q", goal.Description)
	}
	if len(goal.SuccessCriteria) != 1 || goal.SuccessCriteria[0].Query != "label contains 'ROCK', count >= 4" {
		t.Errorf("Expected derived criterion, got %+v", goal.SuccessCriteria)
	}
}

func TestDeriveCriteriaForDelete(t *testing.T) {
	all := DeriveCriteria(IntentDelete, "delete all rocks", map[string]string{ParamLabel: "rock"})
	if len(all) != 1 || all[0].Query != "label contains 'ROCK', count == 0" {
		t.Errorf("Expected count == 0 criterion, got %+v", all)
	}

	one := DeriveCriteria(IntentDelete, "delete the rock", map[string]string{ParamLabel: "rock"})
	if len(one) != 0 {
		t.Errorf("Expected no criterion for a single delete, got %+v", one)
	}
}

func TestCreatePlanArrangesInCircle(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	goal, err := p.ParseGoal(ctx, "create 10 trees in a circle")
	if err != nil {
		t.Fatalf("ParseGoal failed: %v", err)
	}
	plan, err := p.CreatePlan(ctx, goal, world.NewModel())
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	if len(plan.Steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(plan.Steps))
	}
	if plan.Status != engine.PlanStatusValidated {
		t.Errorf("Expected validated plan, got %s", plan.Status)
	}
	if plan.GoalID != goal.ID {
		t.Errorf("Expected plan for goal %s, got %s", goal.ID, plan.GoalID)
	}

	observe := plan.Steps[0]
	if observe.Kind != engine.StepKindObservation || observe.ToolName != tools.SceneQuery {
		t.Errorf("Expected scene observation first, got %s %s", observe.Kind, observe.ToolName)
	}

	arrange := plan.Steps[1]
	if arrange.Kind != engine.StepKindToolCall || arrange.ToolName != tools.ExecuteScript {
		t.Fatalf("Expected execute_script second, got %s %s", arrange.Kind, arrange.ToolName)
	}
	code := arrange.StringArg("code")
	if strings.Count(code, "    (") != 10 {
		t.Errorf("Expected 10 positions in script, got:\n%s", code)
	}
	if !strings.Contains(code, "(500.0, 0.0, 0.0)") {
		t.Errorf("Expected first position on the circle at radius 500, got:\n%s", code)
	}
	if !strings.Contains(code, `spawn("StaticMesh", label = "Tree_%d" % (i + 1)`) {
		t.Errorf("Expected spawn call in script, got:\n%s", code)
	}

	verify := plan.Steps[2]
	if verify.Kind != engine.StepKindVerification {
		t.Fatalf("Expected verification last, got %s", verify.Kind)
	}
	check := verify.ExpectedOutcomes[0].Check
	if check.Kind != engine.CheckCountWhere || check.Op != engine.OpGreaterOrEqual || check.N != 10 {
		t.Errorf("Unexpected verification check: %s", check)
	}
	if !strings.EqualFold(check.Filter.Label, "tree") {
		t.Errorf("Expected tree label filter, got %q", check.Filter.Label)
	}
}

func TestCreatePlanFallsBackToObservation(t *testing.T) {
	ctx := context.Background()
	goal := engine.NewGoal("do something nice", "do something nice")

	p := New(nil)
	plan, err := p.CreatePlan(ctx, goal, nil)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("Expected observation plus closing observation, got %d steps", len(plan.Steps))
	}
	for i, s := range plan.Steps {
		if s.Kind != engine.StepKindObservation {
			t.Errorf("Step %d: expected observation, got %s", i, s.Kind)
		}
	}

	p.SetAutoVerification(false)
	plan, err = p.CreatePlan(ctx, goal, nil)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Errorf("Expected a single observation without auto-verification, got %d steps", len(plan.Steps))
	}
}

func TestCreatePlanFromAdvisor(t *testing.T) {
	adv := &mockAdvisor{
		plan: "Here is the plan:\n" +
			"1. list_actors: look at what is in the scene\n" +
			"2. spawn_actor - create a red cube\n" +
			"3. teleport_actor: move the cube somewhere\n" +
			"4. delete_entity: remove the old cube\n" +
			"Good luck!",
		toolArgs: map[string]map[string]interface{}{
			tools.SceneQuery:  {},
			tools.SpawnEntity: {"class": "Cube", "label": "RedCube"},
		},
	}
	p := New(nil)
	p.SetAdvisor(adv)

	goal := engine.NewGoal("do something nice", "do something nice")
	plan, err := p.CreatePlan(context.Background(), goal, world.NewModel())
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	if plan.Rationale != "advisor plan" {
		t.Errorf("Expected advisor rationale, got %q", plan.Rationale)
	}
	// list_actors and spawn_actor survive; the unknown tool and the delete
	// without arguments are dropped; a closing observation is appended.
	if len(plan.Steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].ToolName != tools.SceneQuery || plan.Steps[0].Kind != engine.StepKindObservation {
		t.Errorf("Expected scene_query observation, got %s %s", plan.Steps[0].Kind, plan.Steps[0].ToolName)
	}
	if plan.Steps[1].ToolName != tools.SpawnEntity || plan.Steps[1].Kind != engine.StepKindToolCall {
		t.Errorf("Expected spawn_entity tool call, got %s %s", plan.Steps[1].Kind, plan.Steps[1].ToolName)
	}
	if plan.Steps[1].StringArg("class") != "Cube" {
		t.Errorf("Expected advisor arguments, got %v", plan.Steps[1].Args)
	}
}

func TestCreatePlanGeneratesScriptCode(t *testing.T) {
	adv := &mockAdvisor{
		plan:     "1. run_python: stack the crates",
		toolArgs: map[string]map[string]interface{}{tools.ExecuteScript: {}},
		script:   "spawn(\"Crate\")",
	}
	p := New(nil)
	p.SetAdvisor(adv)
	p.SetAutoVerification(false)

	goal := engine.NewGoal("do something nice", "do something nice")
	plan, err := p.CreatePlan(context.Background(), goal, nil)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].ToolName != tools.ExecuteScript {
		t.Fatalf("Expected one script step, got %+v", plan.Steps)
	}
	if plan.Steps[0].StringArg("code") != "spawn(\"Crate\")" {
		t.Errorf("Expected generated code, got %q", plan.Steps[0].StringArg("code"))
	}
}

func TestCreatePlanPolicyDenied(t *testing.T) {
	p := New(nil)
	p.SetPolicyGate(&mockGate{denyTool: tools.ExecuteScript})
	ctx := context.Background()

	goal, _ := p.ParseGoal(ctx, "create 10 trees in a circle")
	plan, err := p.CreatePlan(ctx, goal, nil)
	if err == nil {
		t.Fatal("Expected policy denial")
	}
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Errorf("Expected POLICY_DENIED, got %v", err)
	}
	if plan == nil || plan.Status != engine.PlanStatusDraft {
		t.Errorf("Expected denied plan to be returned as draft")
	}
	if !strings.Contains(err.Error(), "execute_script is not allowed") {
		t.Errorf("Expected violation message in error, got %v", err)
	}
}

func TestCreatePlanDeletesKnownEntities(t *testing.T) {
	model := world.NewModel()
	for _, id := range []string{"rock-2", "rock-1", "tree-1"} {
		label := "Rock"
		if strings.HasPrefix(id, "tree") {
			label = "Tree"
		}
		model.UpsertEntity(world.EntityState{ID: id, Label: label, Confidence: engine.ConfidenceConfirmed})
	}

	p := New(nil)
	ctx := context.Background()
	goal, _ := p.ParseGoal(ctx, "delete all rocks")
	plan, err := p.CreatePlan(ctx, goal, model)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	// Two deletes in id order, then the count == 0 verification.
	if len(plan.Steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(plan.Steps))
	}
	for i, want := range []string{"rock-1", "rock-2"} {
		s := plan.Steps[i]
		if s.ToolName != tools.DeleteEntity || s.StringArg("entity") != want {
			t.Errorf("Step %d: expected delete of %s, got %s %v", i, want, s.ToolName, s.Args)
		}
		if len(s.Preconditions) != 2 {
			t.Errorf("Step %d: expected exists and modifiable preconditions, got %d", i, len(s.Preconditions))
		}
	}
	if c := plan.Steps[2].ExpectedOutcomes[0].Check; c.Op != engine.OpEqual || c.N != 0 {
		t.Errorf("Expected count == 0 verification, got %s", c)
	}
}

func TestReplanFromFailureKeepsRemainder(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	goal, _ := p.ParseGoal(ctx, "create 10 trees in a circle")
	plan, err := p.CreatePlan(ctx, goal, nil)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	plan.Steps[2].Executed = true
	plan.Steps[2].RetryCount = 2

	result := &engine.StepResult{Status: engine.StepStatusFailed, Error: "script error"}
	next, err := p.ReplanFromFailure(ctx, goal, plan, 1, result, nil)
	if err != nil {
		t.Fatalf("ReplanFromFailure failed: %v", err)
	}
	if next.ID == plan.ID {
		t.Error("Expected a new plan")
	}
	if len(next.Steps) != 1 {
		t.Fatalf("Expected 1 remaining step, got %d", len(next.Steps))
	}
	s := next.Steps[0]
	if s.Kind != engine.StepKindVerification || s.Executed || s.RetryCount != 0 {
		t.Errorf("Expected fresh verification step, got %+v", s)
	}
	if !plan.Steps[2].Executed {
		t.Error("Expected the original plan to be left untouched")
	}
}

func TestReplanFromFailureRemapsBranches(t *testing.T) {
	p := New(nil)
	plan := engine.NewPlan("goal")
	plan.AddStep(engine.NewObservationStep("look", tools.SceneQuery, nil))
	plan.AddStep(engine.NewObservationStep("look again", tools.SceneQuery, nil))
	third := engine.NewObservationStep("check", tools.SceneQuery, nil)
	third.Branches = map[engine.StepStatus]int{engine.StepStatusFailed: 3, engine.StepStatusSkipped: 0}
	plan.AddStep(third)
	plan.AddStep(engine.NewObservationStep("finally", tools.SceneQuery, nil))

	goal := engine.NewGoal("look around", "look around")
	next, err := p.ReplanFromFailure(context.Background(), goal, plan, 1, nil, nil)
	if err != nil {
		t.Fatalf("ReplanFromFailure failed: %v", err)
	}
	if len(next.Steps) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(next.Steps))
	}
	branches := next.Steps[0].Branches
	if target, ok := branches[engine.StepStatusFailed]; !ok || target != 1 {
		t.Errorf("Expected failed branch remapped to 1, got %v", branches)
	}
	if _, ok := branches[engine.StepStatusSkipped]; ok {
		t.Errorf("Expected branch into the dropped prefix to be removed, got %v", branches)
	}
}

func TestReplanFromFailureWithoutAdvisor(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	goal, _ := p.ParseGoal(ctx, "create 10 trees in a circle")
	plan, _ := p.CreatePlan(ctx, goal, nil)

	_, err := p.ReplanFromFailure(ctx, goal, plan, len(plan.Steps)-1, &engine.StepResult{Error: "verification failed"}, nil)
	if engine.CodeOf(err) != engine.ErrCodeAdvisorUnavailable {
		t.Fatalf("Expected ADVISOR_UNAVAILABLE, got %v", err)
	}

	if _, err := p.ReplanFromFailure(ctx, goal, plan, 7, nil, nil); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error for out of range index, got %v", err)
	}
}

func TestReplanFromFailureAsksAdvisor(t *testing.T) {
	adv := &mockAdvisor{
		recoveryPlan: "1. spawn_entity: spawn the missing trees",
		toolArgs: map[string]map[string]interface{}{
			tools.SpawnEntity: {"class": "StaticMesh", "label": "Tree_11"},
		},
	}
	p := New(nil)
	ctx := context.Background()
	goal, _ := p.ParseGoal(ctx, "create 10 trees in a circle")
	plan, _ := p.CreatePlan(ctx, goal, nil)
	p.SetAdvisor(adv)

	next, err := p.ReplanFromFailure(ctx, goal, plan, len(plan.Steps)-1, &engine.StepResult{Error: "verification failed"}, nil)
	if err != nil {
		t.Fatalf("ReplanFromFailure failed: %v", err)
	}
	if len(next.Steps) != 2 {
		t.Fatalf("Expected recovery step plus verification, got %d", len(next.Steps))
	}
	if next.Steps[0].ToolName != tools.SpawnEntity {
		t.Errorf("Expected spawn_entity recovery, got %s", next.Steps[0].ToolName)
	}
	if next.Steps[1].Kind != engine.StepKindVerification {
		t.Errorf("Expected verification after recovery, got %s", next.Steps[1].Kind)
	}
	if next.Rationale != "advisor recovery plan" {
		t.Errorf("Unexpected rationale %q", next.Rationale)
	}
}

func TestReplanFromFailureUnusableRecovery(t *testing.T) {
	p := New(nil)
	p.SetAdvisor(&mockAdvisor{recoveryPlan: "1. teleport: somewhere else"})
	ctx := context.Background()

	goal := engine.NewGoal("look around", "look around")
	plan := engine.NewPlan(goal.ID)
	plan.AddStep(engine.NewObservationStep("look", tools.SceneQuery, nil))

	_, err := p.ReplanFromFailure(ctx, goal, plan, 0, nil, nil)
	if engine.CodeOf(err) != engine.ErrCodeInvalidPlan {
		t.Fatalf("Expected INVALID_PLAN, got %v", err)
	}
}

func TestCriterionCheck(t *testing.T) {
	tests := []struct {
		name string
		c    engine.SuccessCriterion
		want engine.Check
	}{
		{
			name: "count clause",
			c:    engine.SuccessCriterion{Kind: engine.CriterionWorldState, Query: "class=PointLight, count == 2"},
			want: engine.CountWhere(engine.EntityFilter{Class: "PointLight"}, engine.OpEqual, 2),
		},
		{
			name: "no count clause",
			c:    engine.SuccessCriterion{Kind: engine.CriterionWorldState, Query: "tag=tree"},
			want: engine.CountWhere(engine.EntityFilter{Tag: "tree"}, engine.OpGreaterOrEqual, 1),
		},
		{
			name: "property check",
			c:    engine.SuccessCriterion{Kind: engine.CriterionPropertyCheck, Query: "lamp.color == 'red'"},
			want: engine.CriterionHolds(engine.CriterionPropertyCheck, "lamp.color == 'red'"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CriterionCheck(tt.c); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseAdvisorPlan(t *testing.T) {
	text := "Plan:\n" +
		"1. scene_query: look around\n" +
		"2) **spawn_entity** - add a tree\n" +
		"- `delete_entity`: remove the rock\n" +
		"* Snap To Ground: settle the tree\n" +
		"this line is prose\n" +
		"3. no separator here\n"

	steps := ParseAdvisorPlan(text)
	want := []SuggestedStep{
		{Tool: "scene_query", Description: "look around"},
		{Tool: "spawn_entity", Description: "add a tree"},
		{Tool: "delete_entity", Description: "remove the rock"},
		{Tool: "Snap To Ground", Description: "settle the tree"},
	}
	if len(steps) != len(want) {
		t.Fatalf("Expected %d steps, got %d: %+v", len(want), len(steps), steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("Step %d: expected %+v, got %+v", i, want[i], steps[i])
		}
	}
}
