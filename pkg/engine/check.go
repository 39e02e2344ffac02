package engine

import (
	"fmt"
	"strings"
)

// Vec3 is a point or extent in world space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

// BoundsAround returns a box of the given half extent centred on c.
func BoundsAround(c Vec3, half float64) Bounds {
	return Bounds{
		Min: Vec3{X: c.X - half, Y: c.Y - half, Z: c.Z - half},
		Max: Vec3{X: c.X + half, Y: c.Y + half, Z: c.Z + half},
	}
}

// Intersects reports whether two boxes overlap. Touching faces count.
func (b Bounds) Intersects(o Bounds) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

// IsZero reports whether the box is unset.
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

// EntityFilter selects entities from the world model.
// Class, Label and Tag match by case-insensitive substring; "*" matches anything.
type EntityFilter struct {
	Class        string  `json:"class,omitempty"`
	Label        string  `json:"label,omitempty"`
	LabelExact   string  `json:"label_exact,omitempty"`
	Tag          string  `json:"tag,omitempty"`
	Region       *Bounds `json:"region,omitempty"`
	IncludeStale bool    `json:"include_stale,omitempty"`

	// Limit caps query results. Zero means unlimited. Counting ignores it.
	Limit int `json:"limit,omitempty"`
}

// String renders the filter in the query mini-language.
func (f EntityFilter) String() string {
	var parts []string
	if f.Class != "" {
		parts = append(parts, "class="+f.Class)
	}
	if f.LabelExact != "" {
		parts = append(parts, fmt.Sprintf("label='%s'", f.LabelExact))
	}
	if f.Label != "" {
		parts = append(parts, fmt.Sprintf("label contains '%s'", f.Label))
	}
	if f.Tag != "" {
		parts = append(parts, "tag="+f.Tag)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ", ")
}

// CompareOp is a numeric comparison operator.
type CompareOp string

const (
	OpGreaterOrEqual CompareOp = ">="
	OpLessOrEqual    CompareOp = "<="
	OpEqual          CompareOp = "=="
	OpGreater        CompareOp = ">"
	OpLess           CompareOp = "<"
)

// ParseCompareOp parses one of >=, <=, ==, >, <.
func ParseCompareOp(s string) (CompareOp, error) {
	switch op := CompareOp(strings.TrimSpace(s)); op {
	case OpGreaterOrEqual, OpLessOrEqual, OpEqual, OpGreater, OpLess:
		return op, nil
	default:
		return "", fmt.Errorf("invalid comparison operator: %q", s)
	}
}

// Compare applies the operator to a and b.
func (op CompareOp) Compare(a, b int) bool {
	switch op {
	case OpGreaterOrEqual:
		return a >= b
	case OpLessOrEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpGreater:
		return a > b
	case OpLess:
		return a < b
	default:
		return false
	}
}

// CheckKind tags the variant held by a Check.
type CheckKind string

const (
	CheckEntityExists       CheckKind = "entity_exists"
	CheckEntityModifiable   CheckKind = "entity_modifiable"
	CheckCountWhere         CheckKind = "count_where"
	CheckToolSucceeded      CheckKind = "tool_succeeded"
	CheckAffectedCountAbove CheckKind = "affected_count_above"
	CheckCriterion          CheckKind = "criterion"
)

// Check is a typed precondition or outcome expression.
// Only the fields relevant to Kind are set.
type Check struct {
	Kind     CheckKind    `json:"kind"`
	EntityID string       `json:"entity_id,omitempty"`
	Filter   EntityFilter `json:"filter,omitempty"`
	Op       CompareOp    `json:"op,omitempty"`
	N        int          `json:"n,omitempty"`

	// Criterion and Query carry a success criterion for criterion checks.
	Criterion CriterionKind `json:"criterion,omitempty"`
	Query     string        `json:"query,omitempty"`
}

// EntityExists holds when the entity is present in the world model.
func EntityExists(id string) Check {
	return Check{Kind: CheckEntityExists, EntityID: id}
}

// EntityModifiable holds when no constraint forbids modifying the entity.
func EntityModifiable(id string) Check {
	return Check{Kind: CheckEntityModifiable, EntityID: id}
}

// CountWhere holds when the number of entities matching filter satisfies op n.
func CountWhere(filter EntityFilter, op CompareOp, n int) Check {
	return Check{Kind: CheckCountWhere, Filter: filter, Op: op, N: n}
}

// ToolSucceeded holds when the step's tool call reported success.
func ToolSucceeded() Check {
	return Check{Kind: CheckToolSucceeded}
}

// AffectedCountAbove holds when the tool reported more than n affected entities.
func AffectedCountAbove(n int) Check {
	return Check{Kind: CheckAffectedCountAbove, N: n}
}

// CriterionHolds evaluates a success criterion as a check. Verification steps
// use it for criteria that have no direct typed form.
func CriterionHolds(kind CriterionKind, query string) Check {
	return Check{Kind: CheckCriterion, Criterion: kind, Query: query}
}

// Validate checks that the fields required by Kind are present.
func (c Check) Validate() error {
	switch c.Kind {
	case CheckEntityExists, CheckEntityModifiable:
		if c.EntityID == "" {
			return fmt.Errorf("%s check requires an entity id", c.Kind)
		}
	case CheckCountWhere:
		if _, err := ParseCompareOp(string(c.Op)); err != nil {
			return err
		}
	case CheckToolSucceeded, CheckAffectedCountAbove:
	case CheckCriterion:
		return c.Criterion.Validate()
	default:
		return fmt.Errorf("invalid check kind: %q", c.Kind)
	}
	return nil
}

// String renders the check for logs and step descriptions.
func (c Check) String() string {
	switch c.Kind {
	case CheckEntityExists:
		return fmt.Sprintf("exists(%s)", c.EntityID)
	case CheckEntityModifiable:
		return fmt.Sprintf("modifiable(%s)", c.EntityID)
	case CheckCountWhere:
		return fmt.Sprintf("count(%s) %s %d", c.Filter, c.Op, c.N)
	case CheckToolSucceeded:
		return "tool_succeeded"
	case CheckAffectedCountAbove:
		return fmt.Sprintf("affected > %d", c.N)
	case CheckCriterion:
		return fmt.Sprintf("%s(%s)", c.Criterion, c.Query)
	default:
		return string(c.Kind)
	}
}
