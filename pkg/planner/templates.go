package planner

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/world"
)

// Layout shapes understood by the arrange template.
const (
	ShapeCircle = "circle"
	ShapeGrid   = "grid"
	ShapeLine   = "line"
	ShapeRandom = "random"
)

const (
	defaultClass   = "StaticMesh"
	defaultRadius  = 500.0
	defaultSpacing = 200.0

	// maxSpawnSteps is the largest count spawned with one step per entity;
	// larger counts are spawned by a generated script.
	maxSpawnSteps = 5

	// maxDeleteSteps caps the delete steps generated for a bulk delete.
	maxDeleteSteps = 25
)

// templateParams are the typed parameters a template reads.
type templateParams struct {
	count    int
	shape    string
	label    string
	class    string
	target   string
	property string
	value    string
	location *engine.Vec3
	offset   *engine.Vec3
	rotation float64
	scale    float64
	radius   float64
	spacing  float64
}

func newTemplateParams(raw map[string]string) templateParams {
	p := templateParams{
		count:    1,
		shape:    raw[ParamShape],
		label:    raw[ParamLabel],
		class:    raw[ParamClass],
		target:   raw[ParamTarget],
		property: raw[ParamProperty],
		value:    raw[ParamValue],
		radius:   defaultRadius,
		spacing:  defaultSpacing,
	}
	if n, err := strconv.Atoi(raw[ParamCount]); err == nil && n > 0 {
		p.count = n
	}
	if p.class == "" {
		p.class = defaultClass
	}
	if v, ok := parseVec(raw[ParamLocation]); ok {
		p.location = &v
	}
	if v, ok := parseVec(raw[ParamOffset]); ok {
		p.offset = &v
	}
	if f, err := strconv.ParseFloat(raw[ParamRotation], 64); err == nil {
		p.rotation = f
	}
	if f, err := strconv.ParseFloat(raw[ParamScale], 64); err == nil && f > 0 {
		p.scale = f
	}
	if f, err := strconv.ParseFloat(raw[ParamRadius], 64); err == nil && f > 0 {
		p.radius = f
	}
	if f, err := strconv.ParseFloat(raw[ParamSpacing], 64); err == nil && f > 0 {
		p.spacing = f
	}
	return p
}

func parseVec(s string) (engine.Vec3, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return engine.Vec3{}, false
	}
	var xyz [3]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return engine.Vec3{}, false
		}
		xyz[i] = f
	}
	return engine.Vec3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, true
}

func vecArg(v engine.Vec3) map[string]interface{} {
	return map[string]interface{}{"x": v.X, "y": v.Y, "z": v.Z}
}

// displayLabel renders a parameter label as an entity label: "tree" -> "Tree".
func displayLabel(label string) string {
	if label == "" {
		return "Entity"
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

func observeStep() engine.PlanStep {
	return engine.NewObservationStep("Observe the scene", tools.SceneQuery, nil)
}

// buildTemplate synthesizes the steps for a recognized intent.
// It returns nil when the intent lacks the parameters its template needs.
func buildTemplate(intent Intent, raw map[string]string, model *world.Model) []engine.PlanStep {
	p := newTemplateParams(raw)
	switch intent {
	case IntentArrange:
		return arrangeTemplate(p)
	case IntentSpawn:
		return spawnTemplate(p)
	case IntentDelete:
		return deleteTemplate(p, model)
	case IntentTransform:
		return transformTemplate(p, model, raw)
	case IntentModifyProperty:
		return propertyTemplate(p, model)
	case IntentQuery:
		return queryTemplate(p)
	default:
		return nil
	}
}

// arrangeTemplate observes the scene, then runs one generated script that
// spawns every entity at its layout position.
func arrangeTemplate(p templateParams) []engine.PlanStep {
	if p.shape == "" {
		p.shape = ShapeGrid
	}
	center := engine.Vec3{}
	if p.location != nil {
		center = *p.location
	}
	positions := Layout(p.shape, p.count, center, p.radius, p.spacing)
	code := ArrangementScript(p.class, displayLabel(p.label), p.label, positions)

	arrange := engine.NewToolStep(
		fmt.Sprintf("Arrange %d %s entities in a %s", p.count, p.label, p.shape),
		tools.ExecuteScript,
		map[string]interface{}{"code": code},
	)
	arrange.ExpectedOutcomes = []engine.ExpectedOutcome{
		{Description: "script succeeded", Check: engine.ToolSucceeded(), Required: true},
		{Description: fmt.Sprintf("%d entities created", p.count), Check: engine.AffectedCountAbove(p.count - 1), Required: true},
	}
	return []engine.PlanStep{observeStep(), arrange}
}

func spawnTemplate(p templateParams) []engine.PlanStep {
	if p.count > maxSpawnSteps {
		p.shape = ShapeGrid
		return arrangeTemplate(p)
	}
	origin := engine.Vec3{}
	if p.location != nil {
		origin = *p.location
	}
	label := displayLabel(p.label)

	steps := make([]engine.PlanStep, 0, p.count)
	for i := 0; i < p.count; i++ {
		name := label
		if p.count > 1 {
			name = fmt.Sprintf("%s_%d", label, i+1)
		}
		args := map[string]interface{}{
			"class":    p.class,
			"label":    name,
			"location": vecArg(engine.Vec3{X: origin.X + float64(i)*p.spacing, Y: origin.Y, Z: origin.Z}),
		}
		if p.label != "" {
			args["tags"] = []interface{}{p.label}
		}
		step := engine.NewToolStep(fmt.Sprintf("Spawn %s", name), tools.SpawnEntity, args)
		step.ExpectedOutcomes = []engine.ExpectedOutcome{
			{Description: "spawn succeeded", Check: engine.ToolSucceeded(), Required: true},
		}
		steps = append(steps, step)
	}
	return steps
}

// deleteTemplate deletes every known entity matching the target, or asks
// the tool to delete the target by name when the model knows none.
func deleteTemplate(p templateParams, model *world.Model) []engine.PlanStep {
	if p.target == "" {
		return nil
	}
	ids := resolveTargets(p, model, maxDeleteSteps)
	if len(ids) == 0 {
		step := engine.NewToolStep(fmt.Sprintf("Delete %s", p.target), tools.DeleteEntity, map[string]interface{}{"entity": p.target})
		return []engine.PlanStep{observeStep(), step}
	}

	steps := make([]engine.PlanStep, 0, len(ids))
	for _, id := range ids {
		step := engine.NewToolStep(fmt.Sprintf("Delete %s", id), tools.DeleteEntity, map[string]interface{}{"entity": id})
		step.ExpectedOutcomes = []engine.ExpectedOutcome{
			{Description: "delete succeeded", Check: engine.ToolSucceeded(), Required: true},
		}
		steps = append(steps, step)
	}
	return steps
}

func transformTemplate(p templateParams, model *world.Model, raw map[string]string) []engine.PlanStep {
	if p.target == "" {
		return nil
	}
	id := p.target
	current := world.EntityState{}
	if ids := resolveTargets(p, model, 1); len(ids) == 1 {
		id = ids[0]
		current, _ = model.FindEntity(id)
	}

	var step engine.PlanStep
	switch {
	case raw[ParamRotation] != "":
		rot := current.Rotation
		rot.Z += p.rotation
		step = engine.NewToolStep(fmt.Sprintf("Rotate %s by %g degrees", id, p.rotation), tools.SetEntityRotation,
			map[string]interface{}{"entity": id, "rotation": vecArg(rot)})
	case p.scale > 0:
		step = engine.NewToolStep(fmt.Sprintf("Scale %s to %g", id, p.scale), tools.SetEntityTransform,
			map[string]interface{}{"entity": id, "scale": vecArg(engine.Vec3{X: p.scale, Y: p.scale, Z: p.scale})})
	case p.location != nil:
		step = engine.NewToolStep(fmt.Sprintf("Move %s to %s", id, *p.location), tools.SetEntityTransform,
			map[string]interface{}{"entity": id, "location": vecArg(*p.location)})
	case p.offset != nil:
		loc := engine.Vec3{X: current.Location.X + p.offset.X, Y: current.Location.Y + p.offset.Y, Z: current.Location.Z + p.offset.Z}
		step = engine.NewToolStep(fmt.Sprintf("Move %s to %s", id, loc), tools.SetEntityTransform,
			map[string]interface{}{"entity": id, "location": vecArg(loc)})
	default:
		step = engine.NewToolStep(fmt.Sprintf("Snap %s to the ground", id), tools.SnapToGround, map[string]interface{}{"entity": id})
	}
	step.ExpectedOutcomes = []engine.ExpectedOutcome{
		{Description: fmt.Sprintf("%s still exists", id), Check: engine.EntityExists(id), Required: true},
	}
	return []engine.PlanStep{step}
}

func propertyTemplate(p templateParams, model *world.Model) []engine.PlanStep {
	if p.target == "" || p.property == "" || p.value == "" {
		return nil
	}
	id := p.target
	if ids := resolveTargets(p, model, 1); len(ids) == 1 {
		id = ids[0]
	}
	step := engine.NewToolStep(fmt.Sprintf("Set %s %s to %s", id, p.property, p.value), tools.SetEntityProperty,
		map[string]interface{}{"entity": id, "property": p.property, "value": p.value})
	step.ExpectedOutcomes = []engine.ExpectedOutcome{
		{Description: "property set", Check: engine.CriterionHolds(engine.CriterionPropertyCheck, fmt.Sprintf("%s.%s == '%s'", id, p.property, p.value)), Required: true},
	}
	return []engine.PlanStep{step}
}

func queryTemplate(p templateParams) []engine.PlanStep {
	args := map[string]interface{}{}
	desc := "Query the scene"
	if p.label != "" {
		args["label"] = p.label
		desc = fmt.Sprintf("Find %s entities", p.label)
	}
	return []engine.PlanStep{engine.NewObservationStep(desc, tools.SceneQuery, args)}
}

// resolveTargets finds model entities for a target: an exact id first,
// then a case-insensitive label match on the singular target.
func resolveTargets(p templateParams, model *world.Model, limit int) []string {
	if model == nil {
		return nil
	}
	if _, ok := model.FindEntity(p.target); ok {
		return []string{p.target}
	}
	label := p.label
	if label == "" {
		label = Singular(p.target)
	}
	matches := model.QueryEntities(engine.EntityFilter{Label: label, Limit: limit})
	ids := make([]string, 0, len(matches))
	for _, e := range matches {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}

// Layout computes entity positions for a shape around center.
// Random layouts are seeded from the count so plans are reproducible.
func Layout(shape string, count int, center engine.Vec3, radius, spacing float64) []engine.Vec3 {
	if count <= 0 {
		return nil
	}
	positions := make([]engine.Vec3, count)
	switch shape {
	case ShapeCircle:
		for i := range positions {
			angle := 2 * math.Pi * float64(i) / float64(count)
			positions[i] = engine.Vec3{
				X: round2(center.X + radius*math.Cos(angle)),
				Y: round2(center.Y + radius*math.Sin(angle)),
				Z: center.Z,
			}
		}
	case ShapeLine:
		start := center.X - spacing*float64(count-1)/2
		for i := range positions {
			positions[i] = engine.Vec3{X: round2(start + spacing*float64(i)), Y: center.Y, Z: center.Z}
		}
	case ShapeRandom:
		// Linear congruential sequence; deterministic for a given count.
		state := uint32(count)*2654435761 + 1
		next := func() float64 {
			state = state*1664525 + 1013904223
			return float64(state)/float64(math.MaxUint32)*2 - 1
		}
		for i := range positions {
			positions[i] = engine.Vec3{X: round2(center.X + radius*next()), Y: round2(center.Y + radius*next()), Z: center.Z}
		}
	default:
		cols := int(math.Ceil(math.Sqrt(float64(count))))
		rows := (count + cols - 1) / cols
		x0 := center.X - spacing*float64(cols-1)/2
		y0 := center.Y - spacing*float64(rows-1)/2
		for i := range positions {
			positions[i] = engine.Vec3{
				X: round2(x0 + spacing*float64(i%cols)),
				Y: round2(y0 + spacing*float64(i/cols)),
				Z: center.Z,
			}
		}
	}
	return positions
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// ArrangementScript renders the Starlark program that spawns one entity per
// position. The script host provides spawn(class, label=, location=, tags=).
func ArrangementScript(class, label, tag string, positions []engine.Vec3) string {
	var b strings.Builder
	b.WriteString("positions = [\n")
	for _, p := range positions {
		fmt.Fprintf(&b, "    (%s, %s, %s),\n", starFloat(p.X), starFloat(p.Y), starFloat(p.Z))
	}
	b.WriteString("]\n\n")
	fmt.Fprintf(&b, "for i, pos in enumerate(positions):\n")
	fmt.Fprintf(&b, "    spawn(%q, label = \"%s_%%d\" %% (i + 1), location = pos", class, label)
	if tag != "" {
		fmt.Fprintf(&b, ", tags = [%q]", tag)
	}
	b.WriteString(")\n")
	return b.String()
}

func starFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
