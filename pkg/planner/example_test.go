package planner_test

import (
	"context"
	"fmt"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/planner"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// Example demonstrates turning a request into a validated plan without an advisor.
func Example() {
	p := planner.New(nil)
	ctx := context.Background()

	goal, err := p.ParseGoal(ctx, "create 10 trees in a circle")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	plan, err := p.CreatePlan(ctx, goal, world.NewModel())
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("criterion:", goal.SuccessCriteria[0].Query)
	for _, s := range plan.Steps {
		if s.Kind.UsesTool() {
			fmt.Printf("%s: %s\n", s.Kind, s.ToolName)
		} else {
			fmt.Printf("%s: %s\n", s.Kind, s.Description)
		}
	}
	// Output:
	// criterion: label contains 'TREE', count >= 10
	// observation: scene_query
	// tool_call: execute_script
	// verification: Verify: At least 10 tree entities exist
}

func ExampleClassifyIntent() {
	for _, req := range []string{"spawn a lamp", "delete the old rocks", "rotate the statue by 45 degrees"} {
		fmt.Println(planner.ClassifyIntent(req))
	}
	// Output:
	// spawn
	// delete
	// transform
}

func ExampleLayout() {
	for _, pos := range planner.Layout(planner.ShapeLine, 3, engine.Vec3{}, 0, 200) {
		fmt.Println(pos)
	}
	// Output:
	// (-200, 0, 0)
	// (0, 0, 0)
	// (200, 0, 0)
}
