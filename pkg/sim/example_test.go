package sim_test

import (
	"context"
	"fmt"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/sim"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

func ExampleScene_Execute() {
	scene := sim.New(nil)
	ctx := context.Background()

	raw, _ := scene.Execute(ctx, tools.SpawnEntity, `{"class":"Tree","location":{"x":100,"y":0,"z":0}}`)
	result := engine.ParseToolResult(raw)
	fmt.Println(result.Success, result.AffectedIDs)

	raw, _ = scene.Execute(ctx, tools.DeleteEntity, `{"entity":"Rock_9"}`)
	fmt.Println(engine.ParseToolResult(raw).Error)

	// Output:
	// true [Tree_1]
	// entity not found: Rock_9
}

func ExampleScene_Execute_script() {
	scene := sim.New(nil)

	code := `
for i in range(3):
    spawn("Lamp", location = (i * 100, 0, 0))
`
	raw, _ := scene.Execute(context.Background(), tools.ExecuteScript, fmt.Sprintf(`{"code":%q}`, code))
	fmt.Println(engine.ParseToolResult(raw).AffectedIDs)
	fmt.Println(scene.Len())

	// Output:
	// [Lamp_1 Lamp_2 Lamp_3]
	// 3
}
