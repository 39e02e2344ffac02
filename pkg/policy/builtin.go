package policy

import (
	"time"
)

// DefaultMaxSpawns is the spawn budget used when none is configured.
const DefaultMaxSpawns = 100

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		spawnBudgetPolicy(),
		protectedEntitiesPolicy(),
		scriptSandboxPolicy(),
		scriptDeletesPolicy(),
	}
}

func builtin(p Policy) Policy {
	p.Builtin = true
	p.Enabled = true
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	return p
}

// spawnBudgetPolicy caps the number of entities one plan may create.
func spawnBudgetPolicy() Policy {
	return builtin(Policy{
		Name:        "spawn-budget",
		Description: "Denies plans that create more entities than the configured budget",
		Severity:    SeverityError,
		Tags:        []string{"budget"},
		Rego: `package scenepilot.policies.spawn_budget

import rego.v1

total := sum([s.spawns | some s in input.steps])

deny contains violation if {
	limit := input.context.limits.max_spawns
	limit > 0
	total > limit
	violation := {
		"message": sprintf("plan creates %d entities, the budget is %d", [total, limit]),
		"severity": "error",
	}
}
`,
	})
}

// protectedEntitiesPolicy refuses deletes of entities tagged protected.
func protectedEntitiesPolicy() Policy {
	return builtin(Policy{
		Name:        "protected-entities",
		Description: "Denies plans that delete entities tagged protected",
		Severity:    SeverityError,
		Tags:        []string{"safety"},
		Rego: `package scenepilot.policies.protected

import rego.v1

names(e) := {n | some n in [lower(e.id), lower(e.label)]; n != ""}

deny contains violation if {
	some step in input.steps
	step.tool == "delete_entity"
	some e in input.context.protected
	lower(step.args.entity) in names(e)
	violation := {
		"message": sprintf("step deletes protected entity %s", [e.id]),
		"severity": "error",
		"step": step.id,
	}
}

deny contains violation if {
	some step in input.steps
	step.tool == "execute_script"
	code := lower(step.args.code)
	some e in input.context.protected
	some name in names(e)
	some quote in ["\"", "'"]
	contains(code, concat("", ["delete(", quote, name, quote]))
	violation := {
		"message": sprintf("script deletes protected entity %s", [e.id]),
		"severity": "error",
		"step": step.id,
	}
}
`,
	})
}

// scriptSandboxPolicy refuses scripts that reach for the filesystem.
func scriptSandboxPolicy() Policy {
	return builtin(Policy{
		Name:        "script-sandbox",
		Description: "Denies scripts that load modules or open files",
		Severity:    SeverityCritical,
		Tags:        []string{"safety", "scripts"},
		Rego: `package scenepilot.policies.script_sandbox

import rego.v1

pattern := "(^|[^A-Za-z0-9_])((load|open)\\s*\\(|os\\.)"

deny contains violation if {
	some step in input.steps
	step.tool == "execute_script"
	regex.match(pattern, step.args.code)
	violation := {
		"message": "script requests filesystem access",
		"severity": "critical",
		"step": step.id,
	}
}
`,
	})
}

// scriptDeletesPolicy flags scripts that delete entities.
func scriptDeletesPolicy() Policy {
	return builtin(Policy{
		Name:        "script-deletes",
		Description: "Warns when a script deletes entities",
		Severity:    SeverityWarning,
		Tags:        []string{"scripts"},
		Rego: `package scenepilot.policies.script_deletes

import rego.v1

deny contains violation if {
	some step in input.steps
	step.tool == "execute_script"
	contains(step.args.code, "delete(")
	violation := {
		"message": "script deletes entities",
		"severity": "warning",
		"step": step.id,
	}
}
`,
	})
}
