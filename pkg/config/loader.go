package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini = "gemini"
	ProviderNone   = "none"

	TransportLocal = "local"
	TransportSSH   = "ssh"
	TransportSim   = "sim"

	// EnvAPIKey overrides the advisor API key regardless of api_key_env.
	EnvAPIKey = "SCENEPILOT_API_KEY"
)

// Default returns the configuration used when no file is given: the
// simulated backend, no advisor and the builtin policies.
func Default() *AgentConfig {
	cfg := &AgentConfig{
		Controller: ControllerConfig{
			MaxIterations:    100,
			UseLLM:           true,
			AutoVerification: true,
			MaxGoalAttempts:  3,
		},
		Advisor: AdvisorConfig{
			Provider:          ProviderNone,
			Model:             "gemini-2.5-flash",
			APIKeyEnv:         "GEMINI_API_KEY",
			RequestsPerMinute: 30,
			Timeout:           30 * time.Second,
		},
		Tools: ToolsConfig{
			Transport:   TransportSim,
			RemotePath:  "/tmp/scenepilot-toolhost",
			CallTimeout: 30 * time.Second,
		},
		SSH: SSHConfig{
			Port:    22,
			Timeout: 30 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled:   true,
			MaxSpawns: 100,
		},
	}
	cfg.Telemetry.Logging.Level = "info"
	cfg.Telemetry.Logging.Format = "console"
	cfg.Telemetry.Tracing.Exporter = "none"
	cfg.Telemetry.Tracing.SamplingRate = 1.0
	cfg.Telemetry.Metrics.ListenAddress = ":9464"
	return cfg
}

// Load reads a .yaml, .yml or .cue file over the defaults, resolves the API
// key from the environment and validates the result. Validation problems
// are returned as ValidationErrors.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(path, data, cfg)
	case ".cue":
		err = decodeCUE(path, data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	cfg.ResolveSecrets()
	if err := cfg.Validate(); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
			return nil, verrs
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML content over the defaults without reading the
// environment.
func Parse(data []byte) (*AgentConfig, error) {
	cfg := Default()
	if err := decodeYAML("", data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(path string, data []byte, cfg *AgentConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// an empty document leaves the defaults
		if errors.Is(err, io.EOF) {
			return nil
		}
		return ValidationErrors{yamlError(path, err)}
	}
	return nil
}

// yamlError pulls the line number out of a yaml.v3 error when it has one.
func yamlError(path string, err error) ValidationError {
	verr := ValidationError{File: path, Message: err.Error()}

	var typeErr *yaml.TypeError
	msg := err.Error()
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		msg = typeErr.Errors[0]
	}
	msg = strings.TrimPrefix(msg, "yaml: ")
	var line int
	if n, _ := fmt.Sscanf(msg, "line %d:", &line); n == 1 {
		verr.Line = line
		msg = strings.TrimSpace(msg[strings.Index(msg, ":")+1:])
	}
	verr.Message = msg
	return verr
}

// ResolveSecrets fills Advisor.APIKey. EnvAPIKey wins over the variable
// named by api_key_env.
func (c *AgentConfig) ResolveSecrets() {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Advisor.APIKey = key
		return
	}
	if c.Advisor.APIKeyEnv != "" {
		c.Advisor.APIKey = os.Getenv(c.Advisor.APIKeyEnv)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateAgent, AgentConfig{})
	return v
}

// validateAgent checks rules that span sections.
func validateAgent(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(AgentConfig)

	if cfg.Tools.Transport == TransportSSH {
		if cfg.SSH.Host == "" {
			sl.ReportError(cfg.SSH.Host, "ssh.host", "Host", "required_for_ssh", "")
		}
		if cfg.SSH.User == "" {
			sl.ReportError(cfg.SSH.User, "ssh.user", "User", "required_for_ssh", "")
		}
		if cfg.Tools.HostPath == "" && cfg.Tools.RemotePath == "" {
			sl.ReportError(cfg.Tools.HostPath, "tools.host_path", "HostPath", "required_for_ssh", "")
		}
	}
	if cfg.Policy.Watch && len(cfg.Policy.Paths) == 0 {
		sl.ReportError(cfg.Policy.Paths, "policy.paths", "Paths", "required_for_watch", "")
	}
}

// Validate checks the configuration.
func (c *AgentConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	verrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		verrs = append(verrs, ValidationError{
			Path:    fieldPath(fe),
			Message: describe(fe),
		})
	}
	return verrs
}

// fieldPath strips the root type from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	// struct level errors already carry a dotted name
	if strings.Contains(fe.Field(), ".") {
		return fe.Field()
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_with":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.Replace(fe.Param(), " ", " is ", 1))
	case "required_for_ssh":
		return "is required for the ssh transport"
	case "required_for_watch":
		return "is required when watch is enabled"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
