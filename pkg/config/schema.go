package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// agentSchema constrains .cue configuration files. Every field is optional;
// omitted fields keep their defaults.
const agentSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

controller?: {
	max_iterations?:    int & >=1 & <=100000
	use_llm?:           bool
	auto_verification?: bool
	max_goal_attempts?: int & >=1 & <=20
}

advisor?: {
	provider?:            "gemini" | "none"
	model?:               string
	api_key_env?:         string
	requests_per_minute?: int & >=0
	timeout?:             #Duration
}

tools?: {
	transport?:    "local" | "ssh" | "sim"
	host_path?:    string
	remote_path?:  string
	scene?:        string
	async?:        [...string]
	call_timeout?: #Duration
}

ssh?: {
	host?:        string
	port?:        int & >=0 & <=65535
	user?:        string
	key_path?:    string
	known_hosts?: string
	insecure?:    bool
	timeout?:     #Duration
}

policy?: {
	enabled?:    bool
	paths?:      [...string]
	watch?:      bool
	max_spawns?: int & >=0
}

journal?: {
	path?: string
}

telemetry?: {
	service_name?: string
	environment?:  string
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "disabled"
		format?: "console" | "json"
		output?: string
	}
	tracing?: {
		enabled?:       bool
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
	}
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error

	// cue.Context is not safe for concurrent use.
	cueMu sync.Mutex
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaVal = schemaCtx.CompileString(agentSchema, cue.Filename("agent_schema.cue"))
		if err := schemaVal.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile agent schema: %w", err)
		}
	})
	return schemaCtx, schemaVal, schemaErr
}

// decodeCUE checks a CUE document against the agent schema and decodes its
// concrete value over cfg.
func decodeCUE(path string, data []byte, cfg *AgentConfig) error {
	ctx, schema, err := compiledSchema()
	if err != nil {
		return err
	}

	cueMu.Lock()
	defer cueMu.Unlock()

	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	// JSON is a YAML subset, so the YAML decoder handles durations and
	// unknown fields the same way for both formats.
	doc, err := unified.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	return decodeYAML(path, doc, cfg)
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var verrs ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		verr := ValidationError{Message: fmt.Sprintf(format, args...)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			verr.File = pos[0].Filename()
			verr.Line = pos[0].Line()
		}
		if p := e.Path(); len(p) > 0 {
			verr.Path = strings.Join(p, ".")
		}
		verrs = append(verrs, verr)
	}
	if len(verrs) == 0 {
		verrs = append(verrs, ValidationError{Message: err.Error()})
	}
	return verrs
}
