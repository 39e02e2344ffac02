package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/genai"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// fakeGenerator replays canned completions and records prompts.
type fakeGenerator struct {
	replies []string
	err     error

	prompts []string
	json    []bool
}

func (f *fakeGenerator) generate(_ context.Context, _, prompt string, jsonOutput bool) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.json = append(f.json, jsonOutput)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func newTestAdvisor(replies ...string) (*Advisor, *fakeGenerator) {
	gen := &fakeGenerator{replies: replies}
	return newAdvisor(gen, Config{RequestsPerMinute: 60000}, nil), gen
}

func TestParseUserIntent(t *testing.T) {
	a, gen := newTestAdvisor("\"Create ten trees arranged in a circle.\"\nextra")

	intent, err := a.ParseUserIntent(context.Background(), "put 10 trees in a ring")
	if err != nil {
		t.Fatalf("ParseUserIntent failed: %v", err)
	}
	if intent != "Create ten trees arranged in a circle." {
		t.Errorf("Expected first line without quotes, got %q", intent)
	}
	if !strings.Contains(gen.prompts[0], "put 10 trees in a ring") {
		t.Errorf("Expected request in prompt, got %q", gen.prompts[0])
	}
	if gen.json[0] {
		t.Error("Expected a text completion")
	}
}

func TestExtractParameters(t *testing.T) {
	a, gen := newTestAdvisor("```json\n{\"Count\": 10, \"shape\": \"circle\", \"label\": \"tree\", \"location\": null}\n```")

	params, err := a.ExtractParameters(context.Background(), "10 trees in a circle")
	if err != nil {
		t.Fatalf("ExtractParameters failed: %v", err)
	}
	expected := map[string]string{"count": "10", "shape": "circle", "label": "tree"}
	if diff := cmp.Diff(expected, params); diff != "" {
		t.Errorf("Unexpected parameters (-want +got):\n%s", diff)
	}
	if !gen.json[0] {
		t.Error("Expected a JSON completion")
	}
}

func TestSuggestSuccessCriteriaDropsUnknownKinds(t *testing.T) {
	a, _ := newTestAdvisor(`[
		{"description": "ten trees", "kind": "world_state", "query": "label contains 'TREE', count >= 10", "required": true},
		{"description": "looks nice", "kind": "vibes", "query": "nice"},
		{"description": "empty", "kind": "world_state", "query": " "}
	]`)

	criteria, err := a.SuggestSuccessCriteria(context.Background(), *engine.NewGoal("trees", "trees"))
	if err != nil {
		t.Fatalf("SuggestSuccessCriteria failed: %v", err)
	}
	expected := []engine.SuccessCriterion{{
		Description: "ten trees",
		Kind:        engine.CriterionWorldState,
		Query:       "label contains 'TREE', count >= 10",
		Required:    true,
	}}
	if diff := cmp.Diff(expected, criteria); diff != "" {
		t.Errorf("Unexpected criteria (-want +got):\n%s", diff)
	}
}

func TestMalformedJSON(t *testing.T) {
	a, _ := newTestAdvisor("not json")

	_, err := a.SuggestToolArguments(context.Background(), "spawn_entity", "spawn a tree")
	if engine.CodeOf(err) != engine.ErrCodeAdvisorUnavailable {
		t.Errorf("Expected ADVISOR_UNAVAILABLE for malformed JSON, got %v", err)
	}
}

func TestGenerateScriptStripsFence(t *testing.T) {
	a, _ := newTestAdvisor("```python\nfor i in range(3):\n    spawn(\"Tree\")\n```")

	code, err := a.GenerateScript(context.Background(), "three trees")
	if err != nil {
		t.Fatalf("GenerateScript failed: %v", err)
	}
	if code != "for i in range(3):\n    spawn(\"Tree\")" {
		t.Errorf("Expected bare code, got %q", code)
	}
}

func TestSuggestFixesKeepsAssignments(t *testing.T) {
	a, gen := newTestAdvisor("- class=\"StaticMesh\"\nTry a different label\n* location={\"x\": 0, \"y\": 0, \"z\": 0}")

	step := engine.NewToolStep("Spawn", "spawn_entity", map[string]interface{}{"label": "Tree"})
	fixes, err := a.SuggestFixes(context.Background(), step, "missing required argument: class")
	if err != nil {
		t.Fatalf("SuggestFixes failed: %v", err)
	}
	expected := []string{`class="StaticMesh"`, `location={"x": 0, "y": 0, "z": 0}`}
	if diff := cmp.Diff(expected, fixes); diff != "" {
		t.Errorf("Unexpected fixes (-want +got):\n%s", diff)
	}
	if !strings.Contains(gen.prompts[0], `{"label":"Tree"}`) {
		t.Errorf("Expected step arguments in prompt, got %q", gen.prompts[0])
	}
}

func TestTextMethods(t *testing.T) {
	goal := *engine.NewGoal("create trees", "create trees")
	tests := []struct {
		name string
		call func(*Advisor) (string, error)
	}{
		{"SuggestPlan", func(a *Advisor) (string, error) {
			return a.SuggestPlan(context.Background(), goal, "0 entities")
		}},
		{"SuggestRecoveryPlan", func(a *Advisor) (string, error) {
			return a.SuggestRecoveryPlan(context.Background(), goal, engine.PlanStep{ToolName: "spawn_entity"}, "busy")
		}},
		{"ExplainFailure", func(a *Advisor) (string, error) {
			return a.ExplainFailure(context.Background(), goal, "busy")
		}},
		{"GenerateProgressUpdate", func(a *Advisor) (string, error) {
			return a.GenerateProgressUpdate(context.Background(), goal, 50)
		}},
		{"GenerateClarifyingQuestion", func(a *Advisor) (string, error) {
			return a.GenerateClarifyingQuestion(context.Background(), goal, "busy")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, gen := newTestAdvisor("  answer  ")
			got, err := tt.call(a)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			if got != "answer" {
				t.Errorf("Expected trimmed answer, got %q", got)
			}
			if !strings.Contains(gen.prompts[0], "create trees") {
				t.Errorf("Expected goal in prompt, got %q", gen.prompts[0])
			}
		})
	}
}

func TestGeneratorErrorsAreTransient(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("503 unavailable")}
	a := newAdvisor(gen, Config{RequestsPerMinute: 60000}, nil)

	_, err := a.ExplainFailure(context.Background(), engine.Goal{}, "x")
	if !engine.IsTransient(err) || engine.CodeOf(err) != engine.ErrCodeAdvisorUnavailable {
		t.Errorf("Expected transient ADVISOR_UNAVAILABLE, got %v", err)
	}
}

func TestGeneratorErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"quota", genai.APIError{Code: 429, Message: "resource exhausted"}, engine.ErrCodeRateLimited, true},
		{"bad key", genai.APIError{Code: 403, Message: "permission denied"}, engine.ErrCodePermissionDenied, false},
		{"bad request", fmt.Errorf("call: %w", genai.APIError{Code: 400}), engine.ErrCodeAdvisorUnavailable, false},
		{"deadline", context.DeadlineExceeded, engine.ErrCodeTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdvisor(&fakeGenerator{err: tt.err}, Config{RequestsPerMinute: 60000}, nil)

			_, err := a.ParseUserIntent(context.Background(), "spawn a rock")
			if got := engine.CodeOf(err); got != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, got)
			}
			if got := engine.IsRetryable(err); got != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestEmptyCompletionIsAnError(t *testing.T) {
	a, _ := newTestAdvisor("   ")

	if _, err := a.ParseUserIntent(context.Background(), "x"); err == nil {
		t.Error("Expected an empty completion to fail")
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	a := newAdvisor(&fakeGenerator{replies: []string{"a", "b"}}, Config{RequestsPerMinute: 1}, nil)

	if _, err := a.ParseUserIntent(context.Background(), "first"); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.ParseUserIntent(ctx, "second")
	if engine.CodeOf(err) != engine.ErrCodeRateLimited {
		t.Errorf("Expected RATE_LIMITED while the limiter is empty, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv(DefaultAPIKeyEnv, "")

	_, err := New(context.Background(), Config{}, nil)
	if engine.CodeOf(err) != engine.ErrCodeAdvisorUnavailable {
		t.Errorf("Expected ADVISOR_UNAVAILABLE without a key, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	a, _ := newTestAdvisor()
	if a.Name() != "gemini:"+DefaultModel {
		t.Errorf("Expected default model, got %s", a.Name())
	}
	if a.timeout != DefaultTimeout {
		t.Errorf("Expected default timeout, got %s", a.timeout)
	}
}
