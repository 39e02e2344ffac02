// Package gemini implements engine.Advisor on the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
)

// Defaults applied by New.
const (
	DefaultModel             = "gemini-2.5-flash"
	DefaultRequestsPerMinute = 30
	DefaultTimeout           = 30 * time.Second
	DefaultAPIKeyEnv         = "GEMINI_API_KEY"
)

// Config configures the Gemini advisor.
type Config struct {
	APIKey            string
	Model             string
	RequestsPerMinute int
	Timeout           time.Duration
	Temperature       float32
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// generator produces one completion.
type generator interface {
	generate(ctx context.Context, system, prompt string, jsonOutput bool) (string, error)
}

type genaiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

func (g *genaiGenerator) generate(ctx context.Context, system, prompt string, jsonOutput bool) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
	}
	if jsonOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Advisor answers advisor calls with Gemini completions. Requests are rate
// limited and bounded by a timeout.
type Advisor struct {
	gen     generator
	model   string
	limiter *rate.Limiter
	timeout time.Duration
	logger  *telemetry.Logger
}

// New creates an advisor with a Gemini API client. An empty APIKey is read
// from GEMINI_API_KEY.
func New(ctx context.Context, cfg Config, logger *telemetry.Logger) (*Advisor, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(DefaultAPIKeyEnv)
	}
	if cfg.APIKey == "" {
		return nil, engine.NewPermanentError("gemini API key is required", nil).
			WithCode(engine.ErrCodeAdvisorUnavailable)
	}
	cfg.applyDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newAdvisor(&genaiGenerator{client: client, model: cfg.Model, temperature: cfg.Temperature}, cfg, logger), nil
}

func newAdvisor(gen generator, cfg Config, logger *telemetry.Logger) *Advisor {
	cfg.applyDefaults()
	return &Advisor{
		gen:     gen,
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		timeout: cfg.Timeout,
		logger:  telemetry.OrNop(logger).NewComponentLogger("gemini"),
	}
}

// Name returns the model the advisor talks to.
func (a *Advisor) Name() string {
	return "gemini:" + a.model
}

// complete waits for the limiter, then runs one bounded completion.
func (a *Advisor) complete(ctx context.Context, method, system, prompt string, jsonOutput bool) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", engine.NewThrottledError("advisor rate limit wait aborted", err).
			WithCode(engine.ErrCodeRateLimited).
			WithOperation(method)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	text, err := a.gen.generate(ctx, system, prompt, jsonOutput)
	if err != nil {
		a.logger.WithError(err).Warnf("%s failed", method)
		return "", classify(method, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", engine.NewTransientError(fmt.Sprintf("gemini %s returned no text", method), nil).
			WithCode(engine.ErrCodeAdvisorUnavailable).
			WithOperation(method)
	}
	a.logger.Debugf("%s answered in %s", method, time.Since(start).Round(time.Millisecond))
	return text, nil
}

// classify maps a generation error onto the engine's error classes.
func classify(method string, err error) *engine.EngineError {
	msg := fmt.Sprintf("gemini %s failed", method)
	switch code := apiErrorCode(err); {
	case code == http.StatusTooManyRequests:
		return engine.NewThrottledError(msg, err).WithCode(engine.ErrCodeRateLimited).WithOperation(method)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied).WithOperation(method)
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeAdvisorUnavailable).WithOperation(method)
	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeTimeout).WithOperation(method)
	default:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeAdvisorUnavailable).WithOperation(method)
	}
}

// apiErrorCode returns the HTTP status carried by a genai API error, or 0.
func apiErrorCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

// completeJSON runs a completion in JSON mode and decodes it into v.
func (a *Advisor) completeJSON(ctx context.Context, method, system, prompt string, v interface{}) error {
	text, err := a.complete(ctx, method, system, prompt, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFence(text)), v); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("gemini %s returned malformed JSON", method), err).
			WithCode(engine.ErrCodeAdvisorUnavailable).
			WithOperation(method)
	}
	return nil
}

// ParseUserIntent normalizes a request into a one-line goal description.
func (a *Advisor) ParseUserIntent(ctx context.Context, request string) (string, error) {
	text, err := a.complete(ctx, "ParseUserIntent", systemPrompt, fmt.Sprintf(intentPrompt, request), false)
	if err != nil {
		return "", err
	}
	return firstLine(text), nil
}

// ExtractParameters pulls named parameters from a request.
func (a *Advisor) ExtractParameters(ctx context.Context, request string) (map[string]string, error) {
	var raw map[string]interface{}
	if err := a.completeJSON(ctx, "ExtractParameters", systemPrompt, fmt.Sprintf(parametersPrompt, request), &raw); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			params[strings.ToLower(k)] = s
		}
	}
	return params, nil
}

// SuggestSuccessCriteria proposes criteria. Criteria with unknown kinds or
// empty queries are dropped.
func (a *Advisor) SuggestSuccessCriteria(ctx context.Context, goal engine.Goal) ([]engine.SuccessCriterion, error) {
	var raw []engine.SuccessCriterion
	if err := a.completeJSON(ctx, "SuggestSuccessCriteria", systemPrompt, fmt.Sprintf(criteriaPrompt, goal.Description), &raw); err != nil {
		return nil, err
	}
	var out []engine.SuccessCriterion
	for _, c := range raw {
		if c.Kind.Validate() != nil || strings.TrimSpace(c.Query) == "" {
			continue
		}
		out = append(out, engine.SuccessCriterion{
			Description: c.Description,
			Kind:        c.Kind,
			Query:       c.Query,
			Required:    c.Required,
		})
	}
	return out, nil
}

// SuggestPlan returns plan lines in "N. tool: description" form.
func (a *Advisor) SuggestPlan(ctx context.Context, goal engine.Goal, worldSummary string) (string, error) {
	return a.complete(ctx, "SuggestPlan", systemPrompt, fmt.Sprintf(planPrompt, goal.Description, worldSummary), false)
}

// SuggestToolArguments proposes a JSON argument object for a tool call.
func (a *Advisor) SuggestToolArguments(ctx context.Context, toolName, stepDescription string) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := a.completeJSON(ctx, "SuggestToolArguments", systemPrompt, fmt.Sprintf(argumentsPrompt, toolName, stepDescription), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// GenerateScript writes Starlark for the script tool.
func (a *Advisor) GenerateScript(ctx context.Context, description string) (string, error) {
	text, err := a.complete(ctx, "GenerateScript", systemPrompt, fmt.Sprintf(scriptPrompt, description), false)
	if err != nil {
		return "", err
	}
	return stripFence(text), nil
}

// SuggestRecoveryPlan proposes an alternative approach in SuggestPlan form.
func (a *Advisor) SuggestRecoveryPlan(ctx context.Context, goal engine.Goal, failedStep engine.PlanStep, failure string) (string, error) {
	prompt := fmt.Sprintf(recoveryPrompt, goal.Description, failedStep.ToolName, failedStep.Description, failure)
	return a.complete(ctx, "SuggestRecoveryPlan", systemPrompt, prompt, false)
}

// SuggestFixes proposes "name=value" argument fixes, one per line.
func (a *Advisor) SuggestFixes(ctx context.Context, step engine.PlanStep, failure string) ([]string, error) {
	args, _ := engine.EncodeArgs(step.Args)
	text, err := a.complete(ctx, "SuggestFixes", systemPrompt, fmt.Sprintf(fixesPrompt, step.ToolName, args, failure), false)
	if err != nil {
		return nil, err
	}
	var fixes []string
	for _, line := range strings.Split(stripFence(text), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• "))
		if strings.Contains(line, "=") {
			fixes = append(fixes, line)
		}
	}
	return fixes, nil
}

// ExplainFailure writes a short failure summary for the user.
func (a *Advisor) ExplainFailure(ctx context.Context, goal engine.Goal, failure string) (string, error) {
	return a.complete(ctx, "ExplainFailure", systemPrompt, fmt.Sprintf(explainPrompt, goal.Description, failure), false)
}

// GenerateProgressUpdate writes a one-line progress message.
func (a *Advisor) GenerateProgressUpdate(ctx context.Context, goal engine.Goal, percent float64) (string, error) {
	text, err := a.complete(ctx, "GenerateProgressUpdate", systemPrompt, fmt.Sprintf(progressPrompt, goal.Description, percent), false)
	if err != nil {
		return "", err
	}
	return firstLine(text), nil
}

// GenerateClarifyingQuestion writes the question asked on escalation.
func (a *Advisor) GenerateClarifyingQuestion(ctx context.Context, goal engine.Goal, failure string) (string, error) {
	return a.complete(ctx, "GenerateClarifyingQuestion", systemPrompt, fmt.Sprintf(questionPrompt, goal.Description, failure), false)
}

// stripFence removes a surrounding Markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[i+1:]
	} else {
		return ""
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return strings.Trim(strings.TrimSpace(line), `"`)
}

var _ engine.Advisor = (*Advisor)(nil)
