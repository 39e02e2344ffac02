package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/stores"
)

func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	goal := engine.NewGoal("spawn a rock", "spawn a rock")
	goal.Status = engine.GoalStatusCompleted
	_ = store.RecordGoal(ctx, goal)
	_ = store.RecordModification(ctx, "Rock_1", "created", goal.ID, "step-1", goal.CreatedAt)

	h, err := store.History(ctx, goal.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(h.Goal.Description, h.Goal.Status)
	for _, m := range h.Modifications {
		fmt.Println(m.Type, m.EntityID)
	}
	// Output:
	// spawn a rock completed
	// created Rock_1
}
