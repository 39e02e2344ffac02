// Package world holds the agent's cached view of the external scene.
//
// Model maps entity IDs to EntityState, keeps an append-only Modification log
// and a list of Constraints. Stale entities are hidden from queries unless a
// filter sets IncludeStale.
//
// Manager synchronizes a Model with ground truth through an engine.Tool.
// RefreshFull replaces the model from a scene snapshot; RefreshRegion and
// RefreshEntity mark their targets Stale before re-querying. ProcessToolResult
// is the single point where executed tool calls are folded back into the model:
//
//	mgr := world.NewManager(world.NewModel(), tool, logger)
//	if err := mgr.RefreshFull(ctx); err != nil {
//	    return err
//	}
//	mgr.ProcessToolResult("spawn_entity", args, result, goal.ID, step.ID)
package world
