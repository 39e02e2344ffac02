package world

import (
	"context"
	"fmt"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

// Manager keeps a Model in sync with the external world through a Tool.
type Manager struct {
	model    *Model
	tool     engine.Tool
	registry *tools.Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewManager creates a manager for model. tool may be set later with SetTool.
func NewManager(model *Model, tool engine.Tool, logger *telemetry.Logger) *Manager {
	if model == nil {
		model = NewModel()
	}
	return &Manager{
		model:    model,
		tool:     tool,
		registry: tools.NewRegistry(),
		logger:   telemetry.OrNop(logger).NewComponentLogger("world"),
	}
}

// SetTool replaces the tool used for refreshes.
func (m *Manager) SetTool(tool engine.Tool) {
	m.tool = tool
}

// SetMetrics enables the entity gauge.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// Model returns the managed model.
func (m *Manager) Model() *Model {
	return m.model
}

// RefreshFull replaces the model's entities with a fresh scene snapshot.
// Entities absent from the snapshot are removed and every returned entity is Confirmed.
func (m *Manager) RefreshFull(ctx context.Context) error {
	result, err := m.call(ctx, tools.SceneQuery, nil)
	if err != nil {
		return fmt.Errorf("full refresh: %w", err)
	}

	entities, dropped := decodeEntities(result.Data)
	if dropped > 0 {
		m.logger.Warnf("dropped %d malformed entities from scene snapshot", dropped)
	}

	now := m.model.now()
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		seen[e.ID] = true
		m.confirm(e, now)
	}
	for _, id := range m.model.sortedIDs() {
		if !seen[id] {
			m.model.RemoveEntity(id)
		}
	}

	m.model.lastFullRefresh = now
	m.publishCount()
	m.logger.Debugf("full refresh: %d entities", len(entities))
	return nil
}

// RefreshRegion marks entities in bounds Stale and re-queries the region.
// Entities the tool no longer reports stay Stale.
func (m *Manager) RefreshRegion(ctx context.Context, bounds engine.Bounds) error {
	for _, e := range m.model.QueryEntities(engine.EntityFilter{Region: &bounds, IncludeStale: true}) {
		m.model.MarkStale(e.ID)
	}

	result, err := m.call(ctx, tools.SceneQuery, map[string]interface{}{"region": boundsArg(bounds)})
	if err != nil {
		return fmt.Errorf("region refresh: %w", err)
	}

	entities, dropped := decodeEntities(result.Data)
	if dropped > 0 {
		m.logger.Warnf("dropped %d malformed entities from region query", dropped)
	}
	now := m.model.now()
	for _, e := range entities {
		m.confirm(e, now)
	}
	m.publishCount()
	return nil
}

// RefreshEntity marks one entity Stale and re-reads it.
// It reports whether the tool returned the entity.
func (m *Manager) RefreshEntity(ctx context.Context, id string) (bool, error) {
	m.model.MarkStale(id)

	result, err := m.call(ctx, tools.GetEntity, map[string]interface{}{"entity": id})
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodeToolFailed {
			// The tool answered but could not read the entity.
			return false, nil
		}
		return false, fmt.Errorf("entity refresh: %w", err)
	}

	entities, _ := decodeEntities(result.Data)
	for _, e := range entities {
		if e.ID == id {
			m.confirm(e, m.model.now())
			m.publishCount()
			return true, nil
		}
	}
	return false, nil
}

// ProcessToolResult folds a tool call's effect into the model.
// Failed and cancelled calls change nothing. Every mutation implied by a
// successful call is appended to the modification log.
func (m *Manager) ProcessToolResult(toolName string, args map[string]interface{}, result *engine.ToolResult, goalID, stepID string) {
	if result == nil || !result.Success || result.Cancelled {
		return
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	now := m.model.now()
	observed, dropped := decodeEntities(result.Data)
	if dropped > 0 {
		m.logger.WithTool(toolName).Warnf("dropped %d malformed entities from tool result", dropped)
	}
	track := func(modType, id, details string) {
		m.model.TrackModification(Modification{
			Type:      modType,
			EntityID:  id,
			GoalID:    goalID,
			StepID:    stepID,
			Tool:      toolName,
			Timestamp: now,
			Details:   details,
		})
	}

	switch m.registry.FamilyOf(toolName) {
	case tools.FamilyQuery, tools.FamilyObserve:
		for _, e := range observed {
			m.confirm(e, now)
		}

	case tools.FamilyCreate:
		known := make(map[string]bool)
		for _, e := range observed {
			known[e.ID] = true
			m.assume(e, now)
			track(ModCreated, e.ID, e.Class)
		}
		for _, id := range result.AffectedIDs {
			if known[id] {
				continue
			}
			if _, exists := m.model.FindEntity(id); !exists {
				m.assume(placeholder(id, args), now)
			}
			track(ModCreated, id, stringArg(args, "class"))
		}

	case tools.FamilyModify:
		observedByID := make(map[string]EntityState, len(observed))
		for _, e := range observed {
			observedByID[e.ID] = e
		}
		for _, id := range targets(args, result.AffectedIDs) {
			if e, ok := observedByID[id]; ok {
				m.assume(e, now)
			} else if e, ok := m.model.FindEntity(id); ok {
				applyArgs(&e, toolName, args)
				m.assume(e, now)
			}
			track(ModModified, id, toolName)
		}

	case tools.FamilyDelete:
		for _, id := range targets(args, result.AffectedIDs) {
			m.model.RemoveEntity(id)
			track(ModDeleted, id, "")
		}

	case tools.FamilyScript, tools.FamilyGenerate:
		known := make(map[string]bool)
		for _, e := range observed {
			known[e.ID] = true
			modType := ModModified
			if _, exists := m.model.FindEntity(e.ID); !exists {
				modType = ModCreated
			}
			m.assume(e, now)
			track(modType, e.ID, toolName)
		}
		for _, id := range result.AffectedIDs {
			if known[id] {
				continue
			}
			if e, ok := m.model.FindEntity(id); ok {
				m.assume(e, now)
				track(ModModified, id, toolName)
			} else {
				track(ModCreated, id, toolName)
			}
		}
		for _, id := range stringList(result.Data, "removed_ids") {
			m.model.RemoveEntity(id)
			track(ModDeleted, id, toolName)
		}

	default:
		m.logger.WithTool(toolName).Debug("result from unregistered tool ignored")
		return
	}

	m.publishCount()
}

func (m *Manager) confirm(e EntityState, now time.Time) {
	if prev, ok := m.model.FindEntity(e.ID); ok && e.LastModified.IsZero() {
		e.LastModified = prev.LastModified
	}
	e.Confidence = engine.ConfidenceConfirmed
	e.LastVerified = now
	m.model.UpsertEntity(e)
}

func (m *Manager) assume(e EntityState, now time.Time) {
	if prev, ok := m.model.FindEntity(e.ID); ok {
		e.LastVerified = prev.LastVerified
	}
	e.Confidence = engine.ConfidenceAssumed
	e.LastModified = now
	m.model.UpsertEntity(e)
}

// call runs a tool and decodes its reply. A reply with success=false is
// returned as a TOOL_FAILED error.
func (m *Manager) call(ctx context.Context, name string, args map[string]interface{}) (*engine.ToolResult, error) {
	if m.tool == nil {
		return nil, engine.NewPermanentError("no tool configured", nil).WithCode(engine.ErrCodeInternal)
	}
	argsJSON, err := engine.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	raw, err := m.tool.Execute(ctx, name, argsJSON)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("%s call failed", name), err).
			WithCode(engine.ErrCodeToolFailed).
			WithOperation(name)
	}
	result := engine.ParseToolResult(raw)
	if !result.Success {
		return result, engine.NewPermanentError(result.Error, nil).
			WithCode(engine.ErrCodeToolFailed).
			WithOperation(name)
	}
	return result, nil
}

func (m *Manager) publishCount() {
	m.metrics.SetWorldEntities(m.model.Len())
}

func placeholder(id string, args map[string]interface{}) EntityState {
	e := EntityState{
		ID:    id,
		Class: stringArg(args, "class"),
		Label: stringArg(args, "label"),
		Scale: engine.Vec3{X: 1, Y: 1, Z: 1},
	}
	if e.Label == "" {
		e.Label = e.Class
	}
	if loc, ok := vecArg(args, "location"); ok {
		e.Location = loc
	}
	return e
}

func applyArgs(e *EntityState, toolName string, args map[string]interface{}) {
	switch toolName {
	case tools.SetEntityTransform:
		if loc, ok := vecArg(args, "location"); ok {
			e.Location = loc
		}
		if scale, ok := vecArg(args, "scale"); ok {
			e.Scale = scale
		}
	case tools.SetEntityRotation:
		if rot, ok := vecArg(args, "rotation"); ok {
			e.Rotation = rot
		}
	case tools.SnapToGround:
		e.Location.Z = 0
	case tools.SetEntityProperty:
		key := stringArg(args, "property")
		if key == "" {
			return
		}
		if e.Properties == nil {
			e.Properties = make(map[string]string)
		}
		e.Properties[key] = fmt.Sprint(args["value"])
	}
}

// targets returns the entity argument followed by affected IDs, deduplicated.
func targets(args map[string]interface{}, affected []string) []string {
	seen := make(map[string]bool)
	var out []string
	if ref := tools.EntityRef(args); ref != "" {
		seen[ref] = true
		out = append(out, ref)
	}
	for _, id := range affected {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}
