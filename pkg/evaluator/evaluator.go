// Package evaluator judges goals against the world model and decides how to
// recover from failed steps.
package evaluator

import (
	"fmt"
	"strings"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// Evaluator reads the world model; it never mutates it.
type Evaluator struct {
	registry *tools.Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// New creates an evaluator.
func New(logger *telemetry.Logger) *Evaluator {
	return &Evaluator{
		registry: tools.NewRegistry(),
		logger:   telemetry.OrNop(logger).NewComponentLogger("evaluator"),
		now:      time.Now,
	}
}

// SetMetrics enables the recoveries counter.
func (e *Evaluator) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// EvaluateGoal evaluates every success criterion, caching each result on the goal.
// The goal is complete iff every required criterion passed.
func (e *Evaluator) EvaluateGoal(goal *engine.Goal, model *world.Model) engine.GoalEvaluation {
	eval := engine.GoalEvaluation{
		GoalID:      goal.ID,
		EvaluatedAt: e.now(),
	}

	required, requiredPassed := 0, 0
	for i := range goal.SuccessCriteria {
		c := &goal.SuccessCriteria[i]
		passed, msg := e.EvaluateCriterion(c, model)
		if passed {
			eval.Passed = append(eval.Passed, c.Description)
		} else {
			eval.Failed = append(eval.Failed, fmt.Sprintf("%s: %s", c.Description, msg))
		}
		if c.Required {
			required++
			if passed {
				requiredPassed++
			}
		}
	}

	eval.Complete = requiredPassed == required
	if required == 0 {
		eval.ProgressPercent = 100
	} else {
		eval.ProgressPercent = float64(requiredPassed) / float64(required) * 100
	}

	if eval.Complete {
		eval.Summary = fmt.Sprintf("All %d required criteria passed", required)
	} else {
		eval.Summary = fmt.Sprintf("%d of %d required criteria passed", requiredPassed, required)
	}

	e.logger.WithGoalID(goal.ID).Debugf("goal evaluated: %s", eval.Summary)
	return eval
}

// EvaluateCriterion judges one criterion and records the result on it.
// Visual and custom criteria cannot be checked programmatically and always fail.
func (e *Evaluator) EvaluateCriterion(c *engine.SuccessCriterion, model *world.Model) (bool, string) {
	var passed bool
	var msg string

	switch c.Kind {
	case engine.CriterionWorldState:
		passed, msg = evaluateWorldState(c.Query, model)
	case engine.CriterionPropertyCheck:
		passed, msg = evaluatePropertyCheck(c.Query, model)
	case engine.CriterionAssetExists:
		passed, msg = evaluateAssetExists(c.Query, model)
	case engine.CriterionVisualCheck, engine.CriterionCustom:
		passed, msg = false, fmt.Sprintf("unsupported criterion kind: %s", c.Kind)
	default:
		passed, msg = false, fmt.Sprintf("invalid criterion kind: %q", c.Kind)
	}

	c.Evaluated = true
	c.LastResult = passed
	c.LastEvaluated = e.now()
	return passed, msg
}

func evaluateWorldState(query string, model *world.Model) (bool, string) {
	filter, count, err := ParseQuery(query)
	if err != nil {
		return false, fmt.Sprintf("invalid query: %v", err)
	}
	n := model.CountEntities(filter)
	if count == nil {
		if n >= 1 {
			return true, fmt.Sprintf("%d matching entities", n)
		}
		return false, "no matching entities"
	}
	if count.Op.Compare(n, count.N) {
		return true, fmt.Sprintf("count %d %s %d", n, count.Op, count.N)
	}
	return false, fmt.Sprintf("count %d does not satisfy %s %d", n, count.Op, count.N)
}

// evaluatePropertyCheck handles "<entity-id>.<property> == <value>" and "!=".
func evaluatePropertyCheck(query string, model *world.Model) (bool, string) {
	op := "=="
	idx := strings.Index(query, "==")
	if ne := strings.Index(query, "!="); ne >= 0 && (idx < 0 || ne < idx) {
		op, idx = "!=", ne
	}
	if idx < 0 {
		return false, fmt.Sprintf("invalid property check %q", query)
	}

	left := strings.TrimSpace(query[:idx])
	want := unquote(strings.TrimSpace(query[idx+2:]))
	dot := strings.LastIndex(left, ".")
	if dot <= 0 || dot == len(left)-1 {
		return false, fmt.Sprintf("invalid property reference %q", left)
	}
	id, prop := left[:dot], left[dot+1:]

	entity, ok := model.FindEntity(id)
	if !ok {
		return false, fmt.Sprintf("entity %s not found", id)
	}

	got, ok := propertyValue(entity, prop)
	if !ok {
		return op == "!=", fmt.Sprintf("property %s not set on %s", prop, id)
	}
	equal := strings.EqualFold(got, want)
	if op == "==" {
		return equal, fmt.Sprintf("%s.%s is %q", id, prop, got)
	}
	return !equal, fmt.Sprintf("%s.%s is %q", id, prop, got)
}

func propertyValue(e world.EntityState, prop string) (string, bool) {
	if v, ok := e.Properties[prop]; ok {
		return v, true
	}
	switch strings.ToLower(prop) {
	case "label":
		return e.Label, true
	case "class":
		return e.Class, true
	}
	return "", false
}

// evaluateAssetExists accepts an entity id or "path=<asset path>".
func evaluateAssetExists(query string, model *world.Model) (bool, string) {
	query = strings.TrimSpace(query)
	if strings.HasPrefix(query, "path=") {
		path := unquote(strings.TrimSpace(strings.TrimPrefix(query, "path=")))
		for _, e := range model.QueryEntities(engine.EntityFilter{}) {
			if e.Properties["asset"] == path {
				return true, fmt.Sprintf("asset %s found on %s", path, e.ID)
			}
		}
		return false, fmt.Sprintf("asset %s not found", path)
	}
	if _, ok := model.FindEntity(query); ok {
		return true, fmt.Sprintf("entity %s exists", query)
	}
	return false, fmt.Sprintf("entity %s not found", query)
}

// EvaluateCheck evaluates a typed precondition or outcome.
// result may be nil for checks evaluated before a tool call.
func (e *Evaluator) EvaluateCheck(check engine.Check, model *world.Model, result *engine.ToolResult) (bool, string) {
	switch check.Kind {
	case engine.CheckEntityExists:
		if _, ok := model.FindEntity(check.EntityID); ok {
			return true, fmt.Sprintf("entity %s exists", check.EntityID)
		}
		return false, fmt.Sprintf("entity %s not found", check.EntityID)

	case engine.CheckEntityModifiable:
		if model.CanModify(check.EntityID) {
			return true, fmt.Sprintf("entity %s can be modified", check.EntityID)
		}
		return false, fmt.Sprintf("entity %s is protected by a constraint", check.EntityID)

	case engine.CheckCountWhere:
		n := model.CountEntities(check.Filter)
		if check.Op.Compare(n, check.N) {
			return true, fmt.Sprintf("count %d %s %d", n, check.Op, check.N)
		}
		return false, fmt.Sprintf("count %d does not satisfy %s %d", n, check.Op, check.N)

	case engine.CheckToolSucceeded:
		if result != nil && result.Success {
			return true, "tool succeeded"
		}
		return false, "tool did not succeed"

	case engine.CheckAffectedCountAbove:
		if result == nil {
			return false, "no tool result"
		}
		if n := len(result.AffectedIDs); n > check.N {
			return true, fmt.Sprintf("%d entities affected", n)
		}
		return false, fmt.Sprintf("%d entities affected, need more than %d", len(result.AffectedIDs), check.N)

	case engine.CheckCriterion:
		c := engine.SuccessCriterion{Kind: check.Criterion, Query: check.Query}
		return e.EvaluateCriterion(&c, model)

	default:
		return false, fmt.Sprintf("invalid check kind: %q", check.Kind)
	}
}
