package tools

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaSet holds compiled CUE argument schemas keyed by tool name.
type SchemaSet struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaSet creates an empty schema set.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// Register compiles and stores a schema.
func (s *SchemaSet) Register(name, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	s.schemas[name] = val
	return nil
}

// Has reports whether a schema is registered for name.
func (s *SchemaSet) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[name]
	return ok
}

// Validate unifies data with the named schema and requires a concrete result.
func (s *SchemaSet) Validate(name string, data interface{}) error {
	// cue.Context is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := s.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Argument schemas. Top-level structs stay open so tools may accept extras.

const vecSchema = `
#Vec3: {
	x?: number
	y?: number
	z?: number
}
`

const sceneQuerySchema = vecSchema + `
class?: string
label?: string
tag?:   string
limit?: number & >=0
region?: {
	min: #Vec3
	max: #Vec3
}
`

const entitySchema = `
entity: string & !=""
`

const spawnSchema = vecSchema + `
class:     string & !=""
label?:    string
location?: #Vec3
rotation?: #Vec3
scale?:    #Vec3
tags?: [...string]
properties?: {[string]: string}
`

const transformSchema = vecSchema + `
entity:    string & !=""
location?: #Vec3
scale?:    #Vec3
`

const rotationSchema = vecSchema + `
entity:   string & !=""
rotation: #Vec3
`

const propertySchema = `
entity:   string & !=""
property: string & !=""
value:    string | number | bool
`

const duplicateSchema = vecSchema + `
entity:  string & !=""
offset?: #Vec3
label?:  string
`

const scriptSchema = `
code: string & !=""
`

const generateSchema = `
prompt: string & !=""
class?: string
`
