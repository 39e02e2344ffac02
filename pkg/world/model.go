package world

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// Model is the agent's cached understanding of the world.
//
// A Model is owned by one controller and mutated only on its control thread,
// so it carries no locking.
type Model struct {
	entities        map[string]*EntityState
	modifications   []Modification
	constraints     []Constraint
	lastFullRefresh time.Time

	now func() time.Time
}

// NewModel creates an empty world model.
func NewModel() *Model {
	return &Model{
		entities: make(map[string]*EntityState),
		now:      time.Now,
	}
}

// UpsertEntity inserts or replaces an entity. Entities without an ID are ignored.
func (m *Model) UpsertEntity(e EntityState) {
	if e.ID == "" {
		return
	}
	if e.Confidence == "" {
		e.Confidence = engine.ConfidenceAssumed
	}
	stored := e.clone()
	m.entities[e.ID] = &stored
}

// FindEntity returns a copy of the entity with id.
func (m *Model) FindEntity(id string) (EntityState, bool) {
	e, ok := m.entities[id]
	if !ok {
		return EntityState{}, false
	}
	return e.clone(), true
}

// RemoveEntity deletes an entity and reports whether it was present.
func (m *Model) RemoveEntity(id string) bool {
	if _, ok := m.entities[id]; !ok {
		return false
	}
	delete(m.entities, id)
	return true
}

// QueryEntities returns entities matching filter, sorted by ID and capped at filter.Limit.
// Stale entities are excluded unless filter.IncludeStale is set.
func (m *Model) QueryEntities(filter engine.EntityFilter) []EntityState {
	var out []EntityState
	for _, id := range m.sortedIDs() {
		e := m.entities[id]
		if e.Confidence == engine.ConfidenceStale && !filter.IncludeStale {
			continue
		}
		if !Matches(filter, *e) {
			continue
		}
		out = append(out, e.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// CountEntities counts entities matching filter. Limit is ignored.
func (m *Model) CountEntities(filter engine.EntityFilter) int {
	filter.Limit = 0
	count := 0
	for _, e := range m.entities {
		if e.Confidence == engine.ConfidenceStale && !filter.IncludeStale {
			continue
		}
		if Matches(filter, *e) {
			count++
		}
	}
	return count
}

// Len returns the number of entities held, stale ones included.
func (m *Model) Len() int {
	return len(m.entities)
}

// IsRegionClear reports whether no non-stale entity intersects bounds.
func (m *Model) IsRegionClear(bounds engine.Bounds) bool {
	for _, e := range m.entities {
		if e.Confidence == engine.ConfidenceStale {
			continue
		}
		if bounds.Intersects(e.Extent()) {
			return false
		}
	}
	return true
}

// TrackModification appends to the modification log, stamping the time if unset.
func (m *Model) TrackModification(mod Modification) {
	if mod.Timestamp.IsZero() {
		mod.Timestamp = m.now()
	}
	m.modifications = append(m.modifications, mod)
	if e, ok := m.entities[mod.EntityID]; ok && mod.Type != ModDeleted {
		e.LastModified = mod.Timestamp
	}
}

// Modifications returns a copy of the modification log.
func (m *Model) Modifications() []Modification {
	return append([]Modification(nil), m.modifications...)
}

// ModificationsByGoal returns the log entries recorded for one goal.
func (m *Model) ModificationsByGoal(goalID string) []Modification {
	var out []Modification
	for _, mod := range m.modifications {
		if mod.GoalID == goalID {
			out = append(out, mod)
		}
	}
	return out
}

// ModificationsSince returns the log entries after the first n and the
// position to pass next time. A cursor past the end of a cleared log
// restarts from the beginning.
func (m *Model) ModificationsSince(n int) ([]Modification, int) {
	if n < 0 || n > len(m.modifications) {
		n = 0
	}
	return append([]Modification(nil), m.modifications[n:]...), len(m.modifications)
}

// AddConstraint registers a constraint.
func (m *Model) AddConstraint(c Constraint) {
	m.constraints = append(m.constraints, c)
}

// Constraints returns a copy of the registered constraints.
func (m *Model) Constraints() []Constraint {
	return append([]Constraint(nil), m.constraints...)
}

// CanModify reports whether no no_modify constraint matches the entity.
// For an unknown entity only ID-based constraints apply.
func (m *Model) CanModify(id string) bool {
	e, ok := m.entities[id]
	for _, c := range m.constraints {
		if c.Kind != ConstraintNoModify {
			continue
		}
		if !ok {
			if c.EntityID == id {
				return false
			}
			continue
		}
		if c.matchesEntity(*e) {
			return false
		}
	}
	return true
}

// CanModifyRegion reports whether no constraint region overlaps bounds.
func (m *Model) CanModifyRegion(bounds engine.Bounds) bool {
	for _, c := range m.constraints {
		if c.Region != nil && c.Region.Intersects(bounds) {
			return false
		}
	}
	return true
}

// NeedsRefresh reports whether the last full refresh is missing or older than maxAge.
func (m *Model) NeedsRefresh(maxAge time.Duration) bool {
	if m.lastFullRefresh.IsZero() {
		return true
	}
	return m.now().Sub(m.lastFullRefresh) > maxAge
}

// MarkStale downgrades the given entities to Stale. Unknown IDs are ignored.
func (m *Model) MarkStale(ids ...string) {
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			e.Confidence = engine.ConfidenceStale
		}
	}
}

// LastFullRefresh returns when the model was last fully refreshed.
func (m *Model) LastFullRefresh() time.Time {
	return m.lastFullRefresh
}

// Clear removes all entities, modifications and constraints.
func (m *Model) Clear() {
	m.entities = make(map[string]*EntityState)
	m.modifications = nil
	m.constraints = nil
	m.lastFullRefresh = time.Time{}
}

// Summary renders a short description of the model for advisor prompts.
func (m *Model) Summary(limit int) string {
	entities := m.QueryEntities(engine.EntityFilter{Limit: limit})
	if len(entities) == 0 {
		return "The scene is empty."
	}
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s (%s) label=%q at (%.1f, %.1f, %.1f)\n",
			e.ID, e.Class, e.Label, e.Location.X, e.Location.Y, e.Location.Z)
	}
	if total := m.CountEntities(engine.EntityFilter{}); total > len(entities) {
		fmt.Fprintf(&b, "... and %d more\n", total-len(entities))
	}
	return b.String()
}

func (m *Model) sortedIDs() []string {
	ids := make([]string, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
