package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	if cfg.Tools.Transport != TransportSim {
		t.Errorf("Expected sim transport, got %s", cfg.Tools.Transport)
	}
	if cfg.Advisor.Enabled() {
		t.Error("Expected advisor to be disabled by default")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantPath string
	}{
		{name: "empty document", yaml: ""},
		{
			name: "full document",
			yaml: `
controller:
  max_iterations: 40
advisor:
  provider: gemini
  timeout: 10s
tools:
  transport: local
  host_path: /usr/local/bin/toolhost
  async: [execute_script]
policy:
  paths: [./policies]
  watch: true
`,
		},
		{name: "unknown provider", yaml: "advisor:\n  provider: openai\n", wantPath: "advisor.provider"},
		{name: "gemini without model", yaml: "advisor:\n  provider: gemini\n  model: \"\"\n", wantPath: "advisor.model"},
		{name: "zero iterations", yaml: "controller:\n  max_iterations: 0\n", wantPath: "controller.max_iterations"},
		{name: "local without host", yaml: "tools:\n  transport: local\n", wantPath: "tools.host_path"},
		{name: "ssh without host", yaml: "tools:\n  transport: ssh\n", wantPath: "ssh.host"},
		{name: "watch without paths", yaml: "policy:\n  watch: true\n", wantPath: "policy.paths"},
		{name: "otlp without endpoint", yaml: "telemetry:\n  tracing:\n    exporter: otlp\n", wantPath: "telemetry.tracing.endpoint"},
		{name: "bad log level", yaml: "telemetry:\n  logging:\n    level: loud\n", wantPath: "telemetry.logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected an error at %s, got %v", tt.wantPath, verrs)
			}
		})
	}
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte("controller:\n  max_iterations: 10\n  turbo: true\n"))

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %v", err)
	}
	if verrs[0].Line != 3 {
		t.Errorf("Expected error on line 3, got %d", verrs[0].Line)
	}
	if !strings.Contains(verrs[0].Message, "turbo") {
		t.Errorf("Expected message to name the field, got %q", verrs[0].Message)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "agent.yaml", `
controller:
  max_iterations: 25
  use_llm: false
tools:
  call_timeout: 5s
  async: [execute_script, take_screenshot]
journal:
  path: /var/lib/scenepilot/journal.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Controller.MaxIterations != 25 {
		t.Errorf("Expected 25 iterations, got %d", cfg.Controller.MaxIterations)
	}
	if cfg.Controller.UseLLM {
		t.Error("Expected use_llm to be false")
	}
	if cfg.Controller.MaxGoalAttempts != 3 {
		t.Errorf("Expected default goal attempts 3, got %d", cfg.Controller.MaxGoalAttempts)
	}
	if cfg.Tools.CallTimeout != 5*time.Second {
		t.Errorf("Expected 5s call timeout, got %v", cfg.Tools.CallTimeout)
	}
	if diff := cmp.Diff([]string{"execute_script", "take_screenshot"}, cfg.Tools.Async); diff != "" {
		t.Errorf("Async tools mismatch (-want +got):\n%s", diff)
	}
	if cfg.Journal.Path != "/var/lib/scenepilot/journal.db" {
		t.Errorf("Expected journal path, got %s", cfg.Journal.Path)
	}
}

func TestLoadReportsFile(t *testing.T) {
	path := writeConfig(t, "agent.yml", "advisor:\n  provider: openai\n")

	_, err := Load(path)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %v", err)
	}
	if verrs[0].File != path {
		t.Errorf("Expected file %s, got %s", path, verrs[0].File)
	}
	if !strings.Contains(err.Error(), "advisor.provider") {
		t.Errorf("Expected error to name the field, got %v", err)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeConfig(t, "agent.cue", `
controller: max_iterations: 50
advisor: provider: "none"
tools: call_timeout: "1m30s"
policy: {
	paths: ["policies"]
	max_spawns: 20
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Controller.MaxIterations != 50 {
		t.Errorf("Expected 50 iterations, got %d", cfg.Controller.MaxIterations)
	}
	if cfg.Tools.CallTimeout != 90*time.Second {
		t.Errorf("Expected 1m30s call timeout, got %v", cfg.Tools.CallTimeout)
	}
	if cfg.Policy.MaxSpawns != 20 {
		t.Errorf("Expected max spawns 20, got %d", cfg.Policy.MaxSpawns)
	}
	if !cfg.Policy.Enabled {
		t.Error("Expected policy to stay enabled")
	}
}

func TestLoadCUEErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "out of bounds", content: "controller: max_iterations: 0\n", want: "max_iterations"},
		{name: "bad duration", content: "tools: call_timeout: \"soon\"\n", want: "call_timeout"},
		{name: "unknown field", content: "bogus: 1\n", want: "bogus"},
		{name: "syntax", content: "controller: {\n", want: "agent.cue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "agent.cue", tt.content)

			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadUnsupportedType(t *testing.T) {
	path := writeConfig(t, "agent.toml", "")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("MY_GEMINI_KEY", "from-named-env")

	cfg := Default()
	cfg.Advisor.APIKeyEnv = "MY_GEMINI_KEY"
	cfg.ResolveSecrets()
	if cfg.Advisor.APIKey != "from-named-env" {
		t.Errorf("Expected key from named variable, got %q", cfg.Advisor.APIKey)
	}

	t.Setenv(EnvAPIKey, "override")
	cfg.ResolveSecrets()
	if cfg.Advisor.APIKey != "override" {
		t.Errorf("Expected override key, got %q", cfg.Advisor.APIKey)
	}
}

func TestToTelemetry(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Logging.Level = "debug"
	cfg.Telemetry.Tracing.Enabled = true
	cfg.Telemetry.Tracing.Exporter = "stdout"
	cfg.Telemetry.Metrics.Enabled = false

	tc := cfg.Telemetry.ToTelemetry("1.2.3")
	if err := tc.Validate(); err != nil {
		t.Fatalf("Expected valid telemetry config, got %v", err)
	}
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %s", tc.ServiceVersion)
	}
	if tc.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", tc.Logging.Level)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" {
		t.Errorf("Expected stdout tracing, got %+v", tc.Tracing)
	}
	if tc.Metrics.Enabled {
		t.Error("Expected metrics to be disabled")
	}
}
