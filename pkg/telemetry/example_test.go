package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/scenepilot/scenepilot/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "disabled"
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("agent started")

	tel.Metrics.RecordGoalStarted()
	tel.Metrics.RecordStep("spawn_entity", "success", 12*time.Millisecond)

	fmt.Println(telemetry.FromTelemetryContext(ctx) == tel)
	// Output: true
}

// Example_events demonstrates subscribing to goal events.
func Example_events() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})

	unsubscribe := events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.GoalID)
	}, telemetry.FilterByType(telemetry.EventTypeGoalStarted))
	defer unsubscribe()

	events.PublishGoalStarted("goal-1", "spawn 3 cubes")
	events.PublishStepFinished("goal-1", "step-1", "spawn_entity", "success", time.Millisecond)

	// Output: goal.started goal-1
}
