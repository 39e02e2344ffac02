// Package policy gates plans with Open Policy Agent (OPA) Rego policies.
//
// An Engine implements engine.PolicyGate. Each enabled policy is compiled
// once and its deny set is evaluated against a PlanInput document:
//
//	input.goal      the goal being planned
//	input.steps     every step with its tool, arguments and a spawn estimate
//	input.context   protected entities, the entity count and numeric limits
//
// A deny entry is either a message string or an object with message,
// severity and step fields. Violations with error or critical severity deny
// the plan; the rest are returned as warnings.
//
// # Built-in policies
//
//   - spawn-budget: the plan creates more entities than the budget
//   - protected-entities: a step or script deletes an entity tagged protected
//   - script-sandbox: a script calls load or open, or uses os
//   - script-deletes: a script deletes entities (warning)
//
// # User policies
//
// LoadPolicies reads .rego files, single-policy .json files and JSON bundles
// from files or directories. Watch reloads them with fsnotify when they
// change:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	eng.SetEntitySource(controller.World().Model())
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	_ = eng.Watch(ctx)
//	defer eng.StopWatching()
package policy
