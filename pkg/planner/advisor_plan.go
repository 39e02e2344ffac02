package planner

import (
	"context"
	"regexp"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

// SuggestedStep is one parsed line of an advisor plan.
type SuggestedStep struct {
	Tool        string
	Description string
}

var (
	// planLineRe matches "1. tool: description", "2) tool - description",
	// "- tool: description" and "* tool - description".
	planLineRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	toolSepRe  = regexp.MustCompile(`^` + "`?" + `([A-Za-z_][A-Za-z0-9_\- ]*?)` + "`?" + `(?:\(\))?\s*(?::|\s-\s|\s–\s)\s*(.+)$`)
)

// ParseAdvisorPlan parses free-text plan lines. Lines that are not list
// items, or that do not name a tool, are ignored. Tool names are returned
// as written; callers canonicalize them.
func ParseAdvisorPlan(text string) []SuggestedStep {
	var steps []SuggestedStep
	for _, line := range strings.Split(text, "\n") {
		m := planLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := strings.TrimSpace(strings.ReplaceAll(m[1], "**", ""))
		parts := toolSepRe.FindStringSubmatch(body)
		if parts == nil {
			continue
		}
		steps = append(steps, SuggestedStep{
			Tool:        strings.TrimSpace(parts[1]),
			Description: strings.TrimSpace(parts[2]),
		})
	}
	return steps
}

// stepsFromSuggestions turns parsed suggestions into plan steps. Aliases are
// resolved to registered tools; arguments come from the advisor. Steps with
// unknown tools or missing required arguments are dropped.
func (p *Planner) stepsFromSuggestions(ctx context.Context, suggestions []SuggestedStep) []engine.PlanStep {
	var steps []engine.PlanStep
	for _, s := range suggestions {
		name := p.registry.Canonical(s.Tool)
		if !p.registry.Has(name) {
			p.logger.Debugf("dropping advisor step with unknown tool %q", s.Tool)
			continue
		}

		args := p.suggestArguments(ctx, name, s.Description)
		if name == tools.ExecuteScript && args["code"] == nil && p.advisor != nil {
			if code, err := p.advisor.GenerateScript(ctx, s.Description); err == nil && strings.TrimSpace(code) != "" {
				args["code"] = code
			}
		}
		if missing := p.registry.MissingArgs(name, args); len(missing) > 0 {
			p.logger.Debugf("dropping advisor step %q: missing %s", name, strings.Join(missing, ", "))
			continue
		}

		var step engine.PlanStep
		if p.registry.FamilyOf(name).Mutates() {
			step = engine.NewToolStep(s.Description, name, args)
		} else {
			step = engine.NewObservationStep(s.Description, name, args)
		}
		steps = append(steps, step)
	}
	return steps
}

func (p *Planner) suggestArguments(ctx context.Context, tool, description string) map[string]interface{} {
	args := make(map[string]interface{})
	if p.advisor == nil {
		return args
	}
	suggested, err := p.advisor.SuggestToolArguments(ctx, tool, description)
	if err != nil {
		p.logger.WithError(err).Debugf("no argument suggestion for %s", tool)
		return args
	}
	for k, v := range suggested {
		args[k] = v
	}
	return args
}
