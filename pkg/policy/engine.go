package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// ProtectedTag marks entities that plans may not delete.
const ProtectedTag = "protected"

// EntitySource lists known entities. *world.Model satisfies it.
type EntitySource interface {
	QueryEntities(filter engine.EntityFilter) []world.EntityState
	Len() int
}

// Engine evaluates plans against built-in and user Rego policies. It
// implements engine.PolicyGate.
type Engine struct {
	mu        sync.RWMutex
	policies  map[string]*compiledPolicy
	store     storage.Store
	logger    zerolog.Logger
	entities  EntitySource
	maxSpawns int

	// paths are the user policy sources, remembered for reloads
	paths  []string
	loader *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	l := telemetry.OrNop(logger).NewComponentLogger("policy-engine")
	e := &Engine{
		policies:  make(map[string]*compiledPolicy),
		store:     inmem.New(),
		logger:    l.Zerolog(),
		maxSpawns: DefaultMaxSpawns,
		loader:    NewLoader(l),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// SetEntitySource sets where protected entities are looked up.
func (e *Engine) SetEntitySource(src EntitySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entities = src
}

// SetMaxSpawns sets the spawn budget. Zero disables it.
func (e *Engine) SetMaxSpawns(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n >= 0 {
		e.maxSpawns = n
	}
}

// EvaluatePlan evaluates every enabled policy against plan. The plan is
// denied when any violation has error or critical severity. A policy that
// fails to evaluate is reported as a warning and does not deny the plan.
func (e *Engine) EvaluatePlan(ctx context.Context, goal *engine.Goal, plan *engine.Plan) (*engine.PolicyDecision, error) {
	if plan == nil {
		return nil, engine.NewPermanentError("plan is required", nil).WithCode(engine.ErrCodeValidation)
	}
	startTime := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	input := e.buildInput(goal, plan)
	decision := &engine.PolicyDecision{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			decision.Violations = append(decision.Violations, v)
			if Severity(v.Severity).Blocks() {
				decision.Allowed = false
			} else {
				decision.Warnings = append(decision.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Plan policy evaluation completed")

	return decision, nil
}

// buildInput converts a goal and plan into the policy input document.
func (e *Engine) buildInput(goal *engine.Goal, plan *engine.Plan) *PlanInput {
	input := &PlanInput{
		PlanID: plan.ID,
		Steps:  make([]StepInput, 0, len(plan.Steps)),
		Context: PolicyContext{
			Timestamp: time.Now(),
			Protected: []EntityRef{},
			Limits:    Limits{MaxSpawns: e.maxSpawns},
		},
	}
	if goal != nil {
		input.Goal = GoalInput{
			ID:              goal.ID,
			Description:     goal.Description,
			OriginalRequest: goal.OriginalRequest,
			Parameters:      goal.Parameters,
			AttemptCount:    goal.AttemptCount,
		}
	}
	for i := range plan.Steps {
		s := &plan.Steps[i]
		input.Steps = append(input.Steps, StepInput{
			ID:          s.ID,
			Index:       i,
			Kind:        string(s.Kind),
			Tool:        s.ToolName,
			Description: s.Description,
			Args:        s.Args,
			Spawns:      estimateSpawns(s),
		})
	}
	if e.entities != nil {
		input.Context.EntityCount = e.entities.Len()
		for _, ent := range e.entities.QueryEntities(engine.EntityFilter{Tag: ProtectedTag, IncludeStale: true}) {
			input.Context.Protected = append(input.Context.Protected, EntityRef{ID: ent.ID, Label: ent.Label})
		}
	}
	return input
}

var spawnCall = regexp.MustCompile(`\bspawn\s*\(`)

// estimateSpawns guesses how many entities a step creates. Script steps
// count their affected-entity outcome when they declare one, else their
// spawn calls.
func estimateSpawns(s *engine.PlanStep) int {
	switch s.ToolName {
	case tools.SpawnEntity, tools.DuplicateEntity:
		return 1
	case tools.ExecuteScript:
		n := 0
		for _, o := range s.ExpectedOutcomes {
			if o.Check.Kind == engine.CheckAffectedCountAbove && o.Check.N+1 > n {
				n = o.Check.N + 1
			}
		}
		if n > 0 {
			return n
		}
		return len(spawnCall.FindAllStringIndex(s.StringArg("code"), -1))
	default:
		return 0
	}
}

// LoadPolicies loads user policy files and directories. Previously loaded
// user policies are replaced; built-in policies are kept.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.replaceUserPolicies(ctx, policies); err != nil {
		return err
	}
	e.paths = append([]string(nil), paths...)

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// replaceUserPolicies compiles policies and swaps them in for the current
// user policies. Nothing changes if any policy fails to compile.
func (e *Engine) replaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if existing, ok := e.policies[p.Name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", p.Name)
		}
		cp, err := e.compilePolicy(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

// Watch reloads user policies whenever a file under the loaded paths
// changes. It returns once the watcher is running; ctx stops it.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return fmt.Errorf("no policy paths loaded")
	}

	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.replaceUserPolicies(ctx, policies)
	})
}

// StopWatching stops a running watcher and waits for it to exit.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PlanInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which evaluates to a list
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// extractPackageName returns the package path of a parsed module without
// the leading "data".
func extractPackageName(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

var packageLine = regexp.MustCompile(`(?m)^\s*package\s+([A-Za-z0-9_.]+)`)

// packageOf reads the package name from Rego source without parsing it.
func packageOf(src string) string {
	if m := packageLine.FindStringSubmatch(src); m != nil {
		return m[1]
	}
	return ""
}

// createViolation creates a violation from one deny entry. Entries are either
// a message string or an object with message, severity and step fields.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if step, ok := v["step"].(string); ok {
			violation.StepID = step
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(module))),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies, sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// ReloadPolicies recompiles the built-in policies and reloads user policies
// from the paths last passed to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.loader.ClearCache()

	e.mu.Lock()
	paths := append([]string(nil), e.paths...)
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, paths)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

var _ engine.PolicyGate = (*Engine)(nil)
