package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/scenepilot/scenepilot/pkg/telemetry"
)

// AgentConfig is the complete agent configuration.
type AgentConfig struct {
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	Advisor    AdvisorConfig    `yaml:"advisor" json:"advisor"`
	Tools      ToolsConfig      `yaml:"tools" json:"tools"`
	SSH        SSHConfig        `yaml:"ssh" json:"ssh"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Journal    JournalConfig    `yaml:"journal" json:"journal"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// ControllerConfig configures the agent state machine.
type ControllerConfig struct {
	// MaxIterations bounds the ticks spent on one goal.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" validate:"min=1,max=100000"`

	// UseLLM enables the advisor when one is configured.
	UseLLM bool `yaml:"use_llm" json:"use_llm"`

	// AutoVerification appends a closing observation to plans without
	// required criteria.
	AutoVerification bool `yaml:"auto_verification" json:"auto_verification"`

	// MaxGoalAttempts is given to every new goal.
	MaxGoalAttempts int `yaml:"max_goal_attempts" json:"max_goal_attempts" validate:"min=1,max=20"`
}

// AdvisorConfig selects and configures the language model advisor.
type AdvisorConfig struct {
	Provider          string        `yaml:"provider" json:"provider" validate:"oneof=gemini none"`
	Model             string        `yaml:"model" json:"model" validate:"required_if=Provider gemini"`
	APIKeyEnv         string        `yaml:"api_key_env" json:"api_key_env" validate:"required_if=Provider gemini"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute" validate:"min=0"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`

	// APIKey is filled from the APIKeyEnv variable and never read from files.
	APIKey string `yaml:"-" json:"-"`
}

// Enabled reports whether an advisor should be constructed.
func (a AdvisorConfig) Enabled() bool {
	return a.Provider != "" && a.Provider != ProviderNone
}

// ToolsConfig selects how the agent reaches the world.
type ToolsConfig struct {
	// Transport is local (toolhost child process), ssh (remote toolhost) or
	// sim (in-process simulated scene).
	Transport string `yaml:"transport" json:"transport" validate:"oneof=local ssh sim"`

	// HostPath is the toolhost binary on this machine.
	HostPath string `yaml:"host_path" json:"host_path" validate:"required_if=Transport local"`

	// RemotePath is where the toolhost is uploaded on the remote side.
	RemotePath string `yaml:"remote_path" json:"remote_path"`

	// Scene is an optional YAML scene file the sim backend starts from.
	Scene string `yaml:"scene" json:"scene"`

	// Async lists the tools dispatched on a worker goroutine.
	Async []string `yaml:"async" json:"async" validate:"dive,required"`

	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" validate:"min=0"`
}

// SSHConfig configures the ssh transport.
type SSHConfig struct {
	Host           string        `yaml:"host" json:"host" validate:"required_with=User"`
	Port           int           `yaml:"port" json:"port" validate:"min=0,max=65535"`
	User           string        `yaml:"user" json:"user"`
	KeyPath        string        `yaml:"key_path" json:"key_path"`
	KnownHostsPath string        `yaml:"known_hosts" json:"known_hosts"`
	Insecure       bool          `yaml:"insecure" json:"insecure"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
}

// PolicyConfig configures the plan policy gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths are .rego/.json files or directories of user policies.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch" json:"watch"`

	// MaxSpawns is the spawn budget per plan. Zero disables the budget.
	MaxSpawns int `yaml:"max_spawns" json:"max_spawns" validate:"min=0"`
}

// JournalConfig configures the session journal.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path" json:"path"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" json:"service_name"`
	Environment string `yaml:"environment" json:"environment"`

	Logging struct {
		Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
		Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`
		Output string `yaml:"output" json:"output"`
	} `yaml:"logging" json:"logging"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled" json:"enabled"`
		Exporter     string  `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint     string  `yaml:"endpoint" json:"endpoint" validate:"required_if=Exporter otlp"`
		SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"min=0,max=1"`
	} `yaml:"tracing" json:"tracing"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled" json:"enabled"`
		ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required_if=Enabled true"`
	} `yaml:"metrics" json:"metrics"`
}

// ToTelemetry expands the file settings onto telemetry defaults.
func (t TelemetryConfig) ToTelemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.Logging.Level != "" {
		cfg.Logging.Level = t.Logging.Level
	}
	if t.Logging.Format != "" {
		cfg.Logging.Format = t.Logging.Format
	}
	if t.Logging.Output != "" {
		cfg.Logging.Output = t.Logging.Output
	}

	cfg.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = t.Tracing.Exporter
	}
	cfg.Tracing.Endpoint = t.Tracing.Endpoint
	if t.Tracing.SamplingRate > 0 {
		cfg.Tracing.SamplingRate = t.Tracing.SamplingRate
	}

	cfg.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = t.Metrics.ListenAddress
	}
	return cfg
}

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed), when known.
	Line int `json:"line,omitempty"`

	// Path is the dotted field path (e.g. "advisor.provider").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Line)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found in one load.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}
