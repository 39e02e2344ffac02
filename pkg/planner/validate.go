package planner

import (
	"fmt"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// ValidatePlan checks a plan's structure. It never mutates the plan.
func (p *Planner) ValidatePlan(plan *engine.Plan) engine.PlanValidation {
	v := engine.PlanValidation{Valid: true}
	if plan == nil {
		v.AddError("plan is nil")
		return v
	}
	if len(plan.Steps) == 0 {
		v.AddError("plan has no steps")
		return v
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		prefix := fmt.Sprintf("step %d (%s)", i, step.Description)

		if err := step.Kind.Validate(); err != nil {
			v.AddError(fmt.Sprintf("%s: %v", prefix, err))
			continue
		}

		switch step.Kind {
		case engine.StepKindToolCall, engine.StepKindObservation:
			if err := p.registry.ValidateArgs(step.ToolName, step.Args); err != nil {
				v.AddError(fmt.Sprintf("%s: %v", prefix, err))
			}
		case engine.StepKindVerification:
			if len(step.ExpectedOutcomes) == 0 {
				v.AddError(fmt.Sprintf("%s: verification step has no expected outcome", prefix))
			}
		case engine.StepKindDecision:
			if step.Condition == "" {
				v.AddError(fmt.Sprintf("%s: decision step requires a condition", prefix))
			}
		case engine.StepKindSubPlan:
			if step.SubPlanID == "" {
				v.AddError(fmt.Sprintf("%s: sub-plan step requires a sub-plan id", prefix))
			}
		}

		for status, target := range step.Branches {
			switch {
			case target < 0 || target >= len(plan.Steps):
				v.AddError(fmt.Sprintf("%s: branch on %s targets step %d outside the plan", prefix, status, target))
			case target == i && step.LoopRisk:
				v.AddWarning(fmt.Sprintf("%s: branch on %s loops onto itself", prefix, status))
			case target == i:
				v.AddError(fmt.Sprintf("%s: branch on %s loops onto itself without loop risk flag", prefix, status))
			}
		}

		for _, pre := range step.Preconditions {
			if err := pre.Check.Validate(); err != nil {
				v.AddError(fmt.Sprintf("%s: precondition %q: %v", prefix, pre.Description, err))
			}
		}
		for _, out := range step.ExpectedOutcomes {
			if err := out.Check.Validate(); err != nil {
				v.AddError(fmt.Sprintf("%s: outcome %q: %v", prefix, out.Description, err))
			}
		}
		if step.MaxRetries < 0 {
			v.AddWarning(fmt.Sprintf("%s: negative max retries", prefix))
		}
	}

	return v
}

// ValidateAndFixPlan canonicalizes tool names, fills default retry limits and
// injects existence and modifiability preconditions for steps that reference
// an entity the world model knows. A valid plan is marked Validated.
func (p *Planner) ValidateAndFixPlan(plan *engine.Plan, model *world.Model) engine.PlanValidation {
	if plan == nil {
		return p.ValidatePlan(nil)
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.MaxRetries <= 0 {
			step.MaxRetries = engine.DefaultMaxRetries
		}
		if !step.Kind.UsesTool() {
			continue
		}
		step.ToolName = p.registry.Canonical(step.ToolName)

		ref := tools.EntityRef(step.Args)
		if ref == "" || model == nil {
			continue
		}
		if _, ok := model.FindEntity(ref); !ok {
			continue
		}
		addPrecondition(step, engine.Precondition{
			Description:     fmt.Sprintf("%s exists", ref),
			Check:           engine.EntityExists(ref),
			BlocksExecution: true,
		})
		if p.registry.FamilyOf(step.ToolName).Mutates() {
			addPrecondition(step, engine.Precondition{
				Description:     fmt.Sprintf("%s can be modified", ref),
				Check:           engine.EntityModifiable(ref),
				BlocksExecution: true,
			})
		}
	}

	v := p.ValidatePlan(plan)
	if v.Valid {
		plan.Status = engine.PlanStatusValidated
	}
	return v
}

// addPrecondition appends pre unless an identical check is already present.
func addPrecondition(step *engine.PlanStep, pre engine.Precondition) {
	for _, existing := range step.Preconditions {
		if existing.Check == pre.Check {
			return
		}
	}
	step.Preconditions = append(step.Preconditions, pre)
}
