package world

import (
	"encoding/json"
	"fmt"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// wireEntity is the entity shape tools return in result data.
type wireEntity struct {
	ID         string                 `json:"id"`
	Label      string                 `json:"label"`
	Class      string                 `json:"class"`
	Location   *engine.Vec3           `json:"location"`
	Rotation   *engine.Vec3           `json:"rotation"`
	Scale      *engine.Vec3           `json:"scale"`
	Bounds     *engine.Bounds         `json:"bounds"`
	Tags       []string               `json:"tags"`
	Properties map[string]interface{} `json:"properties"`
}

func (w wireEntity) state() EntityState {
	e := EntityState{
		ID:    w.ID,
		Label: w.Label,
		Class: w.Class,
		Tags:  w.Tags,
		Scale: engine.Vec3{X: 1, Y: 1, Z: 1},
	}
	if w.Location != nil {
		e.Location = *w.Location
	}
	if w.Rotation != nil {
		e.Rotation = *w.Rotation
	}
	if w.Scale != nil {
		e.Scale = *w.Scale
	}
	if w.Bounds != nil {
		e.Bounds = *w.Bounds
	}
	if len(w.Properties) > 0 {
		e.Properties = make(map[string]string, len(w.Properties))
		for k, v := range w.Properties {
			e.Properties[k] = fmt.Sprint(v)
		}
	}
	return e
}

// decodeEntities extracts entities from data["entities"] and data["entity"].
// Malformed items and items without an ID are dropped and counted.
func decodeEntities(data map[string]interface{}) (entities []EntityState, dropped int) {
	var items []interface{}
	if list, ok := data["entities"].([]interface{}); ok {
		items = append(items, list...)
	}
	if single, ok := data["entity"]; ok && single != nil {
		items = append(items, single)
	}

	for _, item := range items {
		if _, isObject := item.(map[string]interface{}); !isObject {
			dropped++
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			dropped++
			continue
		}
		var w wireEntity
		if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
			dropped++
			continue
		}
		entities = append(entities, w.state())
	}
	return entities, dropped
}

// stringList reads a list of strings from data[key], skipping non-strings.
func stringList(data map[string]interface{}, key string) []string {
	list, ok := data[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// vecArg reads an {x,y,z} object from args[key].
func vecArg(args map[string]interface{}, key string) (engine.Vec3, bool) {
	obj, ok := args[key].(map[string]interface{})
	if !ok {
		return engine.Vec3{}, false
	}
	return engine.Vec3{
		X: number(obj["x"]),
		Y: number(obj["y"]),
		Z: number(obj["z"]),
	}, true
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func boundsArg(b engine.Bounds) map[string]interface{} {
	vec := func(v engine.Vec3) map[string]interface{} {
		return map[string]interface{}{"x": v.X, "y": v.Y, "z": v.Z}
	}
	return map[string]interface{}{"min": vec(b.Min), "max": vec(b.Max)}
}
