package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

func init() {
	// Generated arrangement scripts loop at top level.
	resolve.AllowGlobalReassign = true
}

// scriptRun collects the effects of one execute_script call.
type scriptRun struct {
	ctx      context.Context
	st       *state
	spawned  []string
	touched  map[string]bool
	removed  []string
	output   []string
	progress int
}

func (s *Scene) handleScript(ctx context.Context, st *state, args map[string]interface{}) reply {
	code := str(args, "code")
	if strings.TrimSpace(code) == "" {
		return failure("invalid arguments: code is required")
	}

	run := &scriptRun{ctx: ctx, st: st.copy(), touched: make(map[string]bool)}
	thread := &starlark.Thread{
		Name: "execute_script",
		Print: func(_ *starlark.Thread, msg string) {
			run.output = append(run.output, msg)
		},
	}
	thread.SetMaxExecutionSteps(s.maxScriptSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	if _, err := starlark.ExecFile(thread, "script.star", code, run.builtins()); err != nil {
		s.logger.WithError(err).Debug("script failed, scene unchanged")
		return reply{
			Error: fmt.Sprintf("script error: %v", err),
			Data:  map[string]interface{}{"output": run.output},
		}
	}

	// Commit the scratch state.
	*st = *run.st

	entities := make([]interface{}, 0, len(run.spawned)+len(run.touched))
	affected := append([]string(nil), run.spawned...)
	for _, id := range run.spawned {
		if e, ok := st.entities[id]; ok {
			entities = append(entities, e.clone())
		}
	}
	touched := make([]string, 0, len(run.touched))
	for id := range run.touched {
		touched = append(touched, id)
	}
	sort.Strings(touched)
	for _, id := range touched {
		if e, ok := st.entities[id]; ok {
			entities = append(entities, e.clone())
			affected = append(affected, id)
		}
	}
	affected = append(affected, run.removed...)

	return reply{
		Success: true,
		Message: fmt.Sprintf("script spawned %d, modified %d, removed %d", len(run.spawned), len(touched), len(run.removed)),
		Data: map[string]interface{}{
			"entities":    entities,
			"removed_ids": run.removed,
			"output":      run.output,
		},
		AffectedIDs: affected,
	}
}

func (r *scriptRun) builtins() starlark.StringDict {
	return starlark.StringDict{
		"struct":       starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":         math.Module,
		"spawn":        starlark.NewBuiltin("spawn", r.spawn),
		"delete":       starlark.NewBuiltin("delete", r.remove),
		"move":         starlark.NewBuiltin("move", r.move),
		"rotate":       starlark.NewBuiltin("rotate", r.rotate),
		"set_property": starlark.NewBuiltin("set_property", r.setProperty),
		"entities":     starlark.NewBuiltin("entities", r.entities),
	}
}

// apply runs a tool handler against the scratch state and turns a failed
// reply into a Starlark error.
func (r *scriptRun) apply(h handler, args map[string]interface{}) (reply, error) {
	if err := r.ctx.Err(); err != nil {
		return reply{}, err
	}
	out := h(r.ctx, r.st, args)
	if !out.Success {
		return out, fmt.Errorf("%s", out.Error)
	}
	return out, nil
}

func (r *scriptRun) spawn(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var class, label string
	var location, rotation, tags, properties starlark.Value = starlark.None, starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"class", &class, "label?", &label, "location?", &location,
		"rotation?", &rotation, "tags?", &tags, "properties?", &properties); err != nil {
		return nil, err
	}

	toolArgs := map[string]interface{}{"class": class, "label": label}
	if err := putValue(toolArgs, "location", location); err != nil {
		return nil, err
	}
	if err := putValue(toolArgs, "rotation", rotation); err != nil {
		return nil, err
	}
	if err := putValue(toolArgs, "tags", tags); err != nil {
		return nil, err
	}
	if err := putValue(toolArgs, "properties", properties); err != nil {
		return nil, err
	}

	out, err := r.apply(handleSpawn, toolArgs)
	if err != nil {
		return nil, err
	}
	id := out.AffectedIDs[0]
	r.spawned = append(r.spawned, id)
	r.progress++
	tools.ReportProgress(r.ctx, r.progress, 0, out.Message)
	return starlark.String(id), nil
}

func (r *scriptRun) remove(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ref string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ref); err != nil {
		return nil, err
	}
	out, err := r.apply(handleDelete, map[string]interface{}{"entity": ref})
	if err != nil {
		return nil, err
	}
	id := out.AffectedIDs[0]
	delete(r.touched, id)
	for i, s := range r.spawned {
		if s == id {
			r.spawned = append(r.spawned[:i], r.spawned[i+1:]...)
			return starlark.None, nil
		}
	}
	r.removed = append(r.removed, id)
	return starlark.None, nil
}

func (r *scriptRun) move(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return r.modify(b, args, kwargs, "location", handleTransform)
}

func (r *scriptRun) rotate(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return r.modify(b, args, kwargs, "rotation", handleRotation)
}

func (r *scriptRun) modify(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, key string, h handler) (starlark.Value, error) {
	var ref string
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &ref, &v); err != nil {
		return nil, err
	}
	toolArgs := map[string]interface{}{"entity": ref}
	if err := putValue(toolArgs, key, v); err != nil {
		return nil, err
	}
	if _, ok := vec(toolArgs, key); !ok {
		return nil, fmt.Errorf("%s: %s must be a 3-tuple", b.Name(), key)
	}
	out, err := r.apply(h, toolArgs)
	if err != nil {
		return nil, err
	}
	r.markTouched(out.AffectedIDs[0])
	return starlark.None, nil
}

func (r *scriptRun) setProperty(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ref, key string
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &ref, &key, &v); err != nil {
		return nil, err
	}
	value, err := fromStarlarkValue(v)
	if err != nil {
		return nil, err
	}
	out, err := r.apply(handleProperty, map[string]interface{}{"entity": ref, "property": key, "value": value})
	if err != nil {
		return nil, err
	}
	r.markTouched(out.AffectedIDs[0])
	return starlark.None, nil
}

func (r *scriptRun) markTouched(id string) {
	for _, s := range r.spawned {
		if s == id {
			return
		}
	}
	r.touched[id] = true
}

func (r *scriptRun) entities(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var f engine.EntityFilter
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "class?", &f.Class, "label?", &f.Label, "tag?", &f.Tag); err != nil {
		return nil, err
	}
	found := r.st.query(f)
	list := make([]starlark.Value, 0, len(found))
	for _, e := range found {
		list = append(list, entityStruct(e))
	}
	return starlark.NewList(list), nil
}

func entityStruct(e *Entity) *starlarkstruct.Struct {
	tags := make([]starlark.Value, 0, len(e.Tags))
	for _, t := range e.Tags {
		tags = append(tags, starlark.String(t))
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":       starlark.String(e.ID),
		"label":    starlark.String(e.Label),
		"class":    starlark.String(e.Class),
		"location": vecTuple(e.Location),
		"rotation": vecTuple(e.Rotation),
		"tags":     starlark.NewList(tags),
	})
}

func vecTuple(v engine.Vec3) starlark.Tuple {
	return starlark.Tuple{starlark.Float(v.X), starlark.Float(v.Y), starlark.Float(v.Z)}
}

func putValue(dst map[string]interface{}, key string, v starlark.Value) error {
	if v == nil || v == starlark.None {
		return nil
	}
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst[key] = goVal
	return nil
}

// fromStarlarkValue converts a Starlark value to the JSON-shaped Go value the
// tool handlers accept.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return float64(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return listValues(val)
	case *starlark.List:
		items := make([]starlark.Value, val.Len())
		for i := range items {
			items[i] = val.Index(i)
		}
		return listValues(items)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func listValues(items []starlark.Value) ([]interface{}, error) {
	out := make([]interface{}, len(items))
	for i, item := range items {
		v, err := fromStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
