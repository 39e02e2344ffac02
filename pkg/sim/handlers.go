package sim

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

func handleQuery(_ context.Context, st *state, args map[string]interface{}) reply {
	f := engine.EntityFilter{
		Class: str(args, "class"),
		Label: str(args, "label"),
		Tag:   str(args, "tag"),
		Limit: int(num(args["limit"])),
	}
	if region, ok := args["region"].(map[string]interface{}); ok {
		min, okMin := vec(region, "min")
		max, okMax := vec(region, "max")
		if !okMin || !okMax {
			return failure("invalid arguments: region needs min and max")
		}
		f.Region = &engine.Bounds{Min: min, Max: max}
	}

	found := st.query(f)
	entities := make([]interface{}, 0, len(found))
	for _, e := range found {
		entities = append(entities, e.clone())
	}
	return reply{
		Success: true,
		Message: fmt.Sprintf("%d entities", len(entities)),
		Data:    map[string]interface{}{"entities": entities, "count": len(entities)},
	}
}

func handleGet(_ context.Context, st *state, args map[string]interface{}) reply {
	ref := tools.EntityRef(args)
	e, ok := st.find(ref)
	if !ok {
		return failure("entity not found: %s", ref)
	}
	return reply{Success: true, Data: map[string]interface{}{"entity": e.clone()}}
}

func handleSpawn(_ context.Context, st *state, args map[string]interface{}) reply {
	e := &Entity{
		Class:      str(args, "class"),
		Label:      str(args, "label"),
		Tags:       strList(args["tags"]),
		Properties: props(args["properties"]),
		Scale:      engine.Vec3{X: 1, Y: 1, Z: 1},
	}
	if loc, ok := vec(args, "location"); ok {
		e.Location = loc
	}
	if rot, ok := vec(args, "rotation"); ok {
		e.Rotation = rot
	}
	if scale, ok := vec(args, "scale"); ok {
		e.Scale = scale
	}
	id := st.add(e)
	return reply{
		Success:     true,
		Message:     fmt.Sprintf("spawned %s", id),
		Data:        map[string]interface{}{"entity": e.clone()},
		AffectedIDs: []string{id},
	}
}

// modifiable resolves the entity argument and refuses locked entities.
func modifiable(st *state, args map[string]interface{}) (*Entity, *reply) {
	ref := tools.EntityRef(args)
	e, ok := st.find(ref)
	if !ok {
		r := failure("entity not found: %s", ref)
		return nil, &r
	}
	if e.Locked() {
		r := failure("permission denied: %s is locked", e.ID)
		return nil, &r
	}
	return e, nil
}

func modified(e *Entity, message string) reply {
	e.refreshBounds()
	return reply{
		Success:     true,
		Message:     message,
		Data:        map[string]interface{}{"entity": e.clone()},
		AffectedIDs: []string{e.ID},
	}
}

func handleDelete(_ context.Context, st *state, args map[string]interface{}) reply {
	e, errReply := modifiable(st, args)
	if errReply != nil {
		return *errReply
	}
	st.remove(e.ID)
	return reply{
		Success:     true,
		Message:     fmt.Sprintf("deleted %s", e.ID),
		Data:        map[string]interface{}{"removed_ids": []string{e.ID}},
		AffectedIDs: []string{e.ID},
	}
}

func handleTransform(_ context.Context, st *state, args map[string]interface{}) reply {
	e, errReply := modifiable(st, args)
	if errReply != nil {
		return *errReply
	}
	loc, hasLoc := vec(args, "location")
	scale, hasScale := vec(args, "scale")
	if !hasLoc && !hasScale {
		return failure("invalid arguments: location or scale is required")
	}
	if hasLoc {
		e.Location = loc
	}
	if hasScale {
		e.Scale = scale
	}
	return modified(e, fmt.Sprintf("moved %s to %s", e.ID, e.Location))
}

func handleRotation(_ context.Context, st *state, args map[string]interface{}) reply {
	e, errReply := modifiable(st, args)
	if errReply != nil {
		return *errReply
	}
	rot, _ := vec(args, "rotation")
	e.Rotation = rot
	return modified(e, fmt.Sprintf("rotated %s to %s", e.ID, rot))
}

func handleProperty(_ context.Context, st *state, args map[string]interface{}) reply {
	e, errReply := modifiable(st, args)
	if errReply != nil {
		return *errReply
	}
	key := str(args, "property")
	if e.Properties == nil {
		e.Properties = make(map[string]string)
	}
	e.Properties[key] = fmt.Sprint(args["value"])
	return modified(e, fmt.Sprintf("set %s.%s", e.ID, key))
}

func handleDuplicate(_ context.Context, st *state, args map[string]interface{}) reply {
	src, ok := st.find(tools.EntityRef(args))
	if !ok {
		return failure("entity not found: %s", tools.EntityRef(args))
	}
	dup := src.clone()
	dup.ID = ""
	dup.Label = str(args, "label")
	if offset, ok := vec(args, "offset"); ok {
		dup.Location = engine.Vec3{
			X: src.Location.X + offset.X,
			Y: src.Location.Y + offset.Y,
			Z: src.Location.Z + offset.Z,
		}
	}
	id := st.add(dup)
	return reply{
		Success:     true,
		Message:     fmt.Sprintf("duplicated %s as %s", src.ID, id),
		Data:        map[string]interface{}{"entity": dup.clone()},
		AffectedIDs: []string{id},
	}
}

func handleSnap(_ context.Context, st *state, args map[string]interface{}) reply {
	e, errReply := modifiable(st, args)
	if errReply != nil {
		return *errReply
	}
	e.Location.Z = 0
	return modified(e, fmt.Sprintf("snapped %s to ground", e.ID))
}

func handleScreenshot(_ context.Context, st *state, _ map[string]interface{}) reply {
	st.screenshots++
	return reply{
		Success: true,
		Data: map[string]interface{}{
			"path":    fmt.Sprintf("sim://screenshots/shot_%d.png", st.screenshots),
			"visible": len(st.order),
		},
	}
}

func (s *Scene) handleReflect(_ context.Context, st *state, _ map[string]interface{}) reply {
	return reply{
		Success: true,
		Data: map[string]interface{}{
			"classes": st.classes(),
			"tools":   s.registry.Names(),
		},
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func handleGenerate(_ context.Context, st *state, args map[string]interface{}) reply {
	prompt := str(args, "prompt")
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(prompt), "_"), "_")
	if slug == "" {
		slug = "asset"
	}
	path := fmt.Sprintf("generated/%s.glb", slug)

	e := &Entity{
		Class:      str(args, "class"),
		Label:      slug,
		Properties: map[string]string{"asset": path, "prompt": prompt},
		Scale:      engine.Vec3{X: 1, Y: 1, Z: 1},
	}
	id := st.add(e)
	return reply{
		Success:     true,
		Message:     fmt.Sprintf("generated %s", path),
		Data:        map[string]interface{}{"entity": e.clone(), "path": path},
		AffectedIDs: []string{id},
	}
}

func str(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// vec reads args[key] as an {x,y,z} object or a three-element list.
func vec(args map[string]interface{}, key string) (engine.Vec3, bool) {
	switch v := args[key].(type) {
	case map[string]interface{}:
		return engine.Vec3{X: num(v["x"]), Y: num(v["y"]), Z: num(v["z"])}, true
	case []interface{}:
		if len(v) != 3 {
			return engine.Vec3{}, false
		}
		return engine.Vec3{X: num(v[0]), Y: num(v[1]), Z: num(v[2])}, true
	default:
		return engine.Vec3{}, false
	}
}

func strList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func props(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out
}
