package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block a plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks the plan and is always reported as a policy event.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanInput is the document bound to input during evaluation.
type PlanInput struct {
	Goal    GoalInput     `json:"goal"`
	PlanID  string        `json:"plan_id"`
	Steps   []StepInput   `json:"steps"`
	Context PolicyContext `json:"context"`
}

// GoalInput is the part of a goal visible to policies.
type GoalInput struct {
	ID              string            `json:"id"`
	Description     string            `json:"description"`
	OriginalRequest string            `json:"original_request,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
}

// StepInput is one plan step as seen by policies.
type StepInput struct {
	ID          string                 `json:"id"`
	Index       int                    `json:"index"`
	Kind        string                 `json:"kind"`
	Tool        string                 `json:"tool,omitempty"`
	Description string                 `json:"description"`
	Args        map[string]interface{} `json:"args,omitempty"`

	// Spawns estimates how many entities the step creates.
	Spawns int `json:"spawns"`
}

// PolicyContext carries evaluation context.
type PolicyContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Protected lists entities tagged protected in the world model.
	Protected []EntityRef `json:"protected"`

	// EntityCount is the number of entities currently known.
	EntityCount int `json:"entity_count"`

	// Limits holds the configured numeric limits.
	Limits Limits `json:"limits"`
}

// EntityRef names an entity by ID and label.
type EntityRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Limits are the numeric limits policies compare against.
type Limits struct {
	MaxSpawns int `json:"max_spawns"`
}

// PolicyBundle represents a collection of related policies in one JSON file.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
