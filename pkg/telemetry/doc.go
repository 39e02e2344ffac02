// Package telemetry provides observability for the scenepilot agent.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("controller")
//	logger.WithGoalID(goal.ID).Info("goal started")
//
// Components that accept a nil *Logger should wrap it with OrNop.
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartStepSpan(ctx, goalID, stepID, "spawn_entity")
//	defer telemetry.EndSpan(span, err)
//
// # Metrics
//
// All metrics live in the configured namespace (default "scenepilot"):
//
//   - goals_started_total, goals_finished_total{status}
//   - steps_executed_total{tool,status}, step_duration_seconds{tool}
//   - recoveries_total{pattern,action}
//   - advisor_calls_total{method,status}
//   - world_entities, controller_state{state}
//
// A nil or disabled *Metrics is safe to call.
//
// # Events
//
// EventPublisher delivers events inline on the publishing goroutine unless
// EnableAsync is set, in which case a single goroutine delivers them in order.
package telemetry
