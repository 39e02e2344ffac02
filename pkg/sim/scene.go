// Package sim is an in-memory scene that implements the registered tool set.
//
// It backs the toolhost binary when no editor is attached and serves as the
// world in controller tests. Replies use the same JSON shape an editor
// bridge returns: success, error, data and affected_ids.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// halfExtent is the bounding half size of an entity at scale 1.
const halfExtent = 50.0

// Entity is one object in the simulated scene.
type Entity struct {
	ID         string            `json:"id" yaml:"id"`
	Label      string            `json:"label" yaml:"label"`
	Class      string            `json:"class" yaml:"class"`
	Location   engine.Vec3       `json:"location" yaml:"location"`
	Rotation   engine.Vec3       `json:"rotation" yaml:"rotation"`
	Scale      engine.Vec3       `json:"scale" yaml:"scale"`
	Bounds     engine.Bounds     `json:"bounds" yaml:"-"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Locked reports whether the entity refuses modification.
func (e *Entity) Locked() bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, "locked") {
			return true
		}
	}
	return false
}

func (e *Entity) refreshBounds() {
	if e.Scale == (engine.Vec3{}) {
		e.Scale = engine.Vec3{X: 1, Y: 1, Z: 1}
	}
	s := max(e.Scale.X, e.Scale.Y, e.Scale.Z)
	e.Bounds = engine.BoundsAround(e.Location, halfExtent*s)
}

func (e *Entity) clone() *Entity {
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	if e.Properties != nil {
		out.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

func (e *Entity) state() world.EntityState {
	return world.EntityState{
		ID:       e.ID,
		Label:    e.Label,
		Class:    e.Class,
		Location: e.Location,
		Bounds:   e.Bounds,
		Tags:     e.Tags,
	}
}

// reply is the JSON document returned by every tool.
type reply struct {
	Success     bool                   `json:"success"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	AffectedIDs []string               `json:"affected_ids,omitempty"`
}

func failure(format string, args ...interface{}) reply {
	return reply{Error: fmt.Sprintf(format, args...)}
}

type handler func(ctx context.Context, s *state, args map[string]interface{}) reply

// Scene is a simulated world. It is safe for concurrent use; calls are
// applied one at a time.
type Scene struct {
	mu       sync.Mutex
	st       *state
	faults   map[string][]string
	handlers map[string]handler
	registry *tools.Registry
	logger   *telemetry.Logger

	maxScriptSteps uint64
	calls          map[string]int
}

// New creates an empty scene.
func New(logger *telemetry.Logger) *Scene {
	s := &Scene{
		st:             newState(),
		faults:         make(map[string][]string),
		registry:       tools.NewRegistry(),
		logger:         telemetry.OrNop(logger).NewComponentLogger("sim"),
		maxScriptSteps: 1_000_000,
		calls:          make(map[string]int),
	}
	s.handlers = map[string]handler{
		tools.SceneQuery:         handleQuery,
		tools.GetEntity:          handleGet,
		tools.SpawnEntity:        handleSpawn,
		tools.DeleteEntity:       handleDelete,
		tools.SetEntityTransform: handleTransform,
		tools.SetEntityRotation:  handleRotation,
		tools.SetEntityProperty:  handleProperty,
		tools.DuplicateEntity:    handleDuplicate,
		tools.SnapToGround:       handleSnap,
		tools.ExecuteScript:      s.handleScript,
		tools.TakeScreenshot:     handleScreenshot,
		tools.ReflectSchema:      s.handleReflect,
		tools.GenerateAsset:      handleGenerate,
	}
	return s
}

var _ engine.Tool = (*Scene)(nil)

// SetMaxScriptSteps bounds the Starlark steps one script may execute.
func (s *Scene) SetMaxScriptSteps(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxScriptSteps = n
}

// Add places e in the scene and returns its ID. An empty ID is assigned.
func (s *Scene) Add(e Entity) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.add(&e)
}

// Get returns a copy of the entity with id.
func (s *Scene) Get(id string) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e.clone(), true
}

// Entities returns copies of all entities in creation order.
func (s *Scene) Entities() []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entity, 0, len(s.st.order))
	for _, id := range s.st.order {
		out = append(out, *s.st.entities[id].clone())
	}
	return out
}

// Len returns the number of entities.
func (s *Scene) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.order)
}

// Calls returns how many times toolName was invoked.
func (s *Scene) Calls(toolName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[toolName]
}

// FailNext makes the next times calls of toolName answer with an error reply
// carrying message.
func (s *Scene) FailNext(toolName, message string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.faults[toolName] = append(s.faults[toolName], message)
	}
}

// Execute runs one tool against the scene.
func (s *Scene) Execute(ctx context.Context, toolName, argsJSON string) (string, error) {
	name := s.registry.Canonical(toolName)
	h, ok := s.handlers[name]
	if !ok {
		return "", engine.NewPermanentError(fmt.Sprintf("unknown tool: %s", toolName), nil).
			WithCode(engine.ErrCodeUnknownTool).
			WithResource(toolName)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[name]++
	log := s.logger.WithTool(name)

	var r reply
	if queue := s.faults[name]; len(queue) > 0 {
		s.faults[name] = queue[1:]
		r = failure("%s", queue[0])
	} else {
		args, err := decodeArgs(argsJSON)
		if err != nil {
			r = failure("invalid arguments: %v", err)
		} else if err := s.registry.ValidateArgs(name, args); err != nil {
			r = failure("%v", err)
		} else {
			r = h(ctx, s.st, args)
		}
	}

	if r.Success {
		log.Debugf("ok, %d affected", len(r.AffectedIDs))
	} else {
		log.Debugf("failed: %s", r.Error)
	}

	out, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s reply: %w", name, err)
	}
	return string(out), nil
}

func decodeArgs(argsJSON string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(argsJSON) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// state is the mutable scene content. Scripts run against a copy and
// commit it only on success.
type state struct {
	entities    map[string]*Entity
	order       []string
	counters    map[string]int
	screenshots int
}

func newState() *state {
	return &state{
		entities: make(map[string]*Entity),
		counters: make(map[string]int),
	}
}

func (st *state) copy() *state {
	out := &state{
		entities:    make(map[string]*Entity, len(st.entities)),
		order:       append([]string(nil), st.order...),
		counters:    make(map[string]int, len(st.counters)),
		screenshots: st.screenshots,
	}
	for id, e := range st.entities {
		out.entities[id] = e.clone()
	}
	for k, v := range st.counters {
		out.counters[k] = v
	}
	return out
}

func (st *state) add(e *Entity) string {
	if e.Class == "" {
		e.Class = "StaticMesh"
	}
	if e.ID == "" || st.entities[e.ID] != nil {
		e.ID = st.nextID(e.Class)
	}
	if e.Label == "" {
		e.Label = e.ID
	}
	e.refreshBounds()
	st.entities[e.ID] = e
	st.order = append(st.order, e.ID)
	return e.ID
}

func (st *state) nextID(class string) string {
	for {
		st.counters[class]++
		id := fmt.Sprintf("%s_%d", class, st.counters[class])
		if st.entities[id] == nil {
			return id
		}
	}
}

func (st *state) remove(id string) {
	delete(st.entities, id)
	for i, v := range st.order {
		if v == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			return
		}
	}
}

// find resolves an ID, falling back to an exact label match.
func (st *state) find(ref string) (*Entity, bool) {
	if e, ok := st.entities[ref]; ok {
		return e, true
	}
	for _, id := range st.order {
		if strings.EqualFold(st.entities[id].Label, ref) {
			return st.entities[id], true
		}
	}
	return nil, false
}

func (st *state) query(f engine.EntityFilter) []*Entity {
	var out []*Entity
	for _, id := range st.order {
		e := st.entities[id]
		if !world.Matches(f, e.state()) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (st *state) classes() []string {
	seen := map[string]bool{}
	for _, e := range st.entities {
		seen[e.Class] = true
	}
	for _, c := range defaultClasses {
		seen[c] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var defaultClasses = []string{"StaticMesh", "PointLight", "SpotLight", "Tree", "Rock", "Lamp", "Camera"}
