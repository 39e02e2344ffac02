package world

import (
	"strings"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// EntityState is the agent's cached view of one entity in the world.
type EntityState struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Class      string            `json:"class"`
	Location   engine.Vec3       `json:"location"`
	Rotation   engine.Vec3       `json:"rotation"`
	Scale      engine.Vec3       `json:"scale"`
	Bounds     engine.Bounds     `json:"bounds"`
	Tags       []string          `json:"tags,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	Confidence   engine.Confidence `json:"confidence"`
	LastVerified time.Time         `json:"last_verified,omitempty"`
	LastModified time.Time         `json:"last_modified,omitempty"`
}

// HasTag reports whether the entity carries tag, ignoring case.
func (e EntityState) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Extent returns the entity bounds, or a point box at its location when unset.
func (e EntityState) Extent() engine.Bounds {
	if e.Bounds.IsZero() {
		return engine.BoundsAround(e.Location, 0)
	}
	return e.Bounds
}

func (e EntityState) clone() EntityState {
	out := e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.Properties != nil {
		out.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// Modification types recorded in the log.
const (
	ModCreated  = "created"
	ModModified = "modified"
	ModDeleted  = "deleted"
)

// Modification is one entry of the append-only change log.
type Modification struct {
	Type      string    `json:"type"`
	EntityID  string    `json:"entity_id"`
	GoalID    string    `json:"goal_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// ConstraintKind names a constraint rule.
type ConstraintKind string

const (
	// ConstraintNoModify forbids changing matching entities.
	ConstraintNoModify ConstraintKind = "no_modify"

	// ConstraintNoBounds forbids changes inside a region.
	ConstraintNoBounds ConstraintKind = "no_bounds"
)

// Constraint restricts what the agent may change. Any set selector matches.
type Constraint struct {
	Kind     ConstraintKind `json:"kind"`
	EntityID string         `json:"entity_id,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	Class    string         `json:"class,omitempty"`
	Region   *engine.Bounds `json:"region,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

func (c Constraint) matchesEntity(e EntityState) bool {
	if c.EntityID != "" && c.EntityID == e.ID {
		return true
	}
	if c.Tag != "" && e.HasTag(c.Tag) {
		return true
	}
	if c.Class != "" && containsFold(e.Class, c.Class) {
		return true
	}
	if c.Region != nil && c.Region.Intersects(e.Extent()) {
		return true
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// matchPattern applies the filter matching rule: "*" matches anything,
// otherwise a case-insensitive substring.
func matchPattern(value, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return containsFold(value, pattern)
}

// Matches reports whether e satisfies every set field of f, ignoring staleness and Limit.
func Matches(f engine.EntityFilter, e EntityState) bool {
	if !matchPattern(e.Class, f.Class) {
		return false
	}
	if !matchPattern(e.Label, f.Label) {
		return false
	}
	if f.LabelExact != "" && !strings.EqualFold(e.Label, f.LabelExact) {
		return false
	}
	if f.Tag != "" && f.Tag != "*" {
		found := false
		for _, t := range e.Tags {
			if containsFold(t, f.Tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Region != nil && !f.Region.Intersects(e.Extent()) {
		return false
	}
	return true
}
