package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// Tool names understood by the agent.
const (
	SceneQuery         = "scene_query"
	GetEntity          = "get_entity"
	SpawnEntity        = "spawn_entity"
	DeleteEntity       = "delete_entity"
	SetEntityTransform = "set_entity_transform"
	SetEntityRotation  = "set_entity_rotation"
	SetEntityProperty  = "set_entity_property"
	DuplicateEntity    = "duplicate_entity"
	SnapToGround       = "snap_to_ground"
	ExecuteScript      = "execute_script"
	TakeScreenshot     = "take_screenshot"
	ReflectSchema      = "reflect_schema"
	GenerateAsset      = "generate_asset"
)

// Family groups tools by their effect on the world.
type Family string

const (
	FamilyQuery    Family = "query"
	FamilyCreate   Family = "create"
	FamilyModify   Family = "modify"
	FamilyDelete   Family = "delete"
	FamilyScript   Family = "script"
	FamilyObserve  Family = "observe"
	FamilyGenerate Family = "generate"
)

// Mutates reports whether tools of this family may change the world.
func (f Family) Mutates() bool {
	switch f {
	case FamilyCreate, FamilyModify, FamilyDelete, FamilyScript, FamilyGenerate:
		return true
	default:
		return false
	}
}

// Spec describes one registered tool.
type Spec struct {
	Name        string
	Description string
	Family      Family
	Required    []string

	// Schema is a CUE document the argument object must unify with.
	Schema string
}

// EntityArgKeys are the argument names that may reference an existing entity.
var EntityArgKeys = []string{"entity", "actor", "target", "id"}

var defaultSpecs = []Spec{
	{Name: SceneQuery, Family: FamilyQuery, Description: "List entities in the scene, optionally filtered", Schema: sceneQuerySchema},
	{Name: GetEntity, Family: FamilyQuery, Description: "Read one entity", Required: []string{"entity"}, Schema: entitySchema},
	{Name: SpawnEntity, Family: FamilyCreate, Description: "Create an entity of a class", Required: []string{"class"}, Schema: spawnSchema},
	{Name: DeleteEntity, Family: FamilyDelete, Description: "Delete an entity", Required: []string{"entity"}, Schema: entitySchema},
	{Name: SetEntityTransform, Family: FamilyModify, Description: "Move or scale an entity", Required: []string{"entity"}, Schema: transformSchema},
	{Name: SetEntityRotation, Family: FamilyModify, Description: "Rotate an entity", Required: []string{"entity"}, Schema: rotationSchema},
	{Name: SetEntityProperty, Family: FamilyModify, Description: "Set a named property on an entity", Required: []string{"entity"}, Schema: propertySchema},
	{Name: DuplicateEntity, Family: FamilyCreate, Description: "Copy an entity", Required: []string{"entity"}, Schema: duplicateSchema},
	{Name: SnapToGround, Family: FamilyModify, Description: "Drop an entity onto the ground plane", Required: []string{"entity"}, Schema: entitySchema},
	{Name: ExecuteScript, Family: FamilyScript, Description: "Run a Starlark script against the scene", Required: []string{"code"}, Schema: scriptSchema},
	{Name: TakeScreenshot, Family: FamilyObserve, Description: "Capture the current view"},
	{Name: ReflectSchema, Family: FamilyObserve, Description: "Describe entity classes and their properties"},
	{Name: GenerateAsset, Family: FamilyGenerate, Description: "Generate an asset from a prompt", Required: []string{"prompt"}, Schema: generateSchema},
}

// aliases maps names advisors tend to produce onto registered tools.
var aliases = map[string]string{
	"spawn_actor":          SpawnEntity,
	"spawn":                SpawnEntity,
	"create_entity":        SpawnEntity,
	"create_actor":         SpawnEntity,
	"delete_actor":         DeleteEntity,
	"destroy_actor":        DeleteEntity,
	"remove_entity":        DeleteEntity,
	"get_actor":            GetEntity,
	"find_actor":           GetEntity,
	"query_scene":          SceneQuery,
	"list_actors":          SceneQuery,
	"list_entities":        SceneQuery,
	"set_actor_transform":  SetEntityTransform,
	"move_actor":           SetEntityTransform,
	"move_entity":          SetEntityTransform,
	"set_actor_rotation":   SetEntityRotation,
	"rotate_actor":         SetEntityRotation,
	"set_actor_property":   SetEntityProperty,
	"duplicate_actor":      DuplicateEntity,
	"copy_actor":           DuplicateEntity,
	"snap_actor_to_ground": SnapToGround,
	"run_python":           ExecuteScript,
	"execute_python":       ExecuteScript,
	"run_script":           ExecuteScript,
	"python":               ExecuteScript,
	"screenshot":           TakeScreenshot,
	"capture_viewport":     TakeScreenshot,
	"get_schema":           ReflectSchema,
	"reflect":              ReflectSchema,
	"generate_3d":          GenerateAsset,
	"generate_model":       GenerateAsset,
}

// Registry is the fixed, enumerable set of tools used for plan validation.
// It is read-only after construction.
type Registry struct {
	specs   map[string]Spec
	schemas *SchemaSet
}

// NewRegistry returns a registry holding the default tool set.
func NewRegistry() *Registry {
	r := &Registry{
		specs:   make(map[string]Spec, len(defaultSpecs)),
		schemas: NewSchemaSet(),
	}
	for _, spec := range defaultSpecs {
		r.specs[spec.Name] = spec
		if spec.Schema != "" {
			// Built-in schemas are compiled once; a failure here is a programming error.
			if err := r.schemas.Register(spec.Name, spec.Schema); err != nil {
				panic(err)
			}
		}
	}
	return r
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.specs[name]
	return ok
}

// Lookup returns the spec for a registered tool.
func (r *Registry) Lookup(name string) (Spec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// FamilyOf returns the tool family, or "" when the tool is unknown.
func (r *Registry) FamilyOf(name string) Family {
	return r.specs[name].Family
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical normalizes a tool name and resolves known aliases.
// The result may still be unregistered; callers check with Has.
func (r *Registry) Canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Trim(n, "`*\"'")
	n = strings.ReplaceAll(n, "-", "_")
	n = strings.ReplaceAll(n, " ", "_")
	n = strings.TrimSuffix(n, "()")
	if r.Has(n) {
		return n
	}
	if target, ok := aliases[n]; ok {
		return target
	}
	return n
}

// MissingArgs lists required arguments absent from args, in declaration order.
// Empty strings count as absent.
func (r *Registry) MissingArgs(name string, args map[string]interface{}) []string {
	spec, ok := r.specs[name]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range spec.Required {
		v, present := args[key]
		if !present || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// ValidateArgs checks that the tool exists, its required arguments are present
// and the arguments unify with its schema.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	if !r.Has(name) {
		return engine.NewPermanentError(fmt.Sprintf("unknown tool: %s", name), nil).
			WithCode(engine.ErrCodeUnknownTool).
			WithResource(name)
	}
	if missing := r.MissingArgs(name, args); len(missing) > 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("invalid arguments: %s missing required argument(s) %s", name, strings.Join(missing, ", ")), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(name)
	}
	if r.schemas.Has(name) {
		if args == nil {
			args = map[string]interface{}{}
		}
		if err := r.schemas.Validate(name, args); err != nil {
			return engine.NewPermanentError(fmt.Sprintf("invalid arguments for %s", name), err).
				WithCode(engine.ErrCodeValidation).
				WithResource(name)
		}
	}
	return nil
}

// EntityRef returns the first entity-referencing argument value, or "".
func EntityRef(args map[string]interface{}) string {
	for _, key := range EntityArgKeys {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
