// Package gates validates agent outputs against pluggable quality gates and
// coordinates gate-driven retries.
package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/voxflow/internal/providers"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// Result is the outcome of running one gate over one output.
type Result struct {
	GateID         string    `json:"gate_id"`
	Passed         bool      `json:"passed"`
	AgentID        string    `json:"agent_id"`
	Output         string    `json:"output"`
	Error          string    `json:"error,omitempty"`
	RetryAttempted bool      `json:"retry_attempted"`
	Timestamp      time.Time `json:"timestamp"`
}

// validator checks one output against one gate. A false return with a nil
// error is a clean fail; a non-nil error means the gate itself could not run
// (bad config, unresolvable custom function, judge unreachable).
type validator func(ctx context.Context, gate schema.QualityGate, output string) (bool, error)

// Engine dispatches gate kinds to validators. Judge calls go through the
// configured provider at temperature zero.
type Engine struct {
	judge      providers.Provider
	judgeModel string
	custom     *CustomRegistry
	validators map[schema.GateKind]validator
}

// NewEngine creates a gate engine. judge may be nil, in which case llm_judge
// gates error out. custom may be nil to use the process-wide registry.
func NewEngine(judge providers.Provider, judgeModel string, custom *CustomRegistry) *Engine {
	if custom == nil {
		custom = DefaultRegistry
	}
	e := &Engine{judge: judge, judgeModel: judgeModel, custom: custom}
	e.validators = map[schema.GateKind]validator{
		schema.GateJSONSchema: validateJSONSchema,
		schema.GateRegex:      validateRegex,
		schema.GateLLMJudge:   e.validateLLMJudge,
		schema.GateCustom:     e.validateCustom,
	}
	return e
}

// Validate runs one gate over an output. Validator errors are folded into
// the result's Error field; Passed stays false.
func (e *Engine) Validate(ctx context.Context, gate schema.QualityGate, output, agentID string) Result {
	res := Result{
		GateID:    gate.GateID,
		AgentID:   agentID,
		Output:    output,
		Timestamp: time.Now().UTC(),
	}

	v, ok := e.validators[gate.Kind]
	if !ok {
		res.Error = fmt.Sprintf("unknown gate kind %q", gate.Kind)
		return res
	}
	passed, err := v(ctx, gate, output)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Passed = passed
	return res
}

// RetryFunc re-executes the agent and returns its fresh output.
type RetryFunc func(ctx context.Context) (string, error)

// ValidateWithRetry validates and, on failure with retry_on_fail set,
// re-executes the agent up to max_retries times, re-validating each fresh
// output. The final result carries retry_attempted when any retry ran, and
// the output that was last validated.
func (e *Engine) ValidateWithRetry(ctx context.Context, gate schema.QualityGate, output, agentID string, retry RetryFunc) Result {
	res := e.Validate(ctx, gate, output, agentID)
	if res.Passed || !gate.RetryOnFail || retry == nil {
		return res
	}

	for attempt := 0; attempt < gate.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			return res
		}
		fresh, err := retry(ctx)
		if err != nil {
			res = Result{
				GateID:         gate.GateID,
				AgentID:        agentID,
				Output:         output,
				Error:          fmt.Sprintf("retry execution: %v", err),
				RetryAttempted: true,
				Timestamp:      time.Now().UTC(),
			}
			return res
		}
		output = fresh
		res = e.Validate(ctx, gate, output, agentID)
		res.RetryAttempted = true
		if res.Passed {
			break
		}
	}
	return res
}

// validateJSONSchema parses the output as JSON (a non-JSON string is a clean
// fail) and validates it against the configured JSON Schema.
func validateJSONSchema(_ context.Context, gate schema.QualityGate, output string) (bool, error) {
	var cfg struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(gate.Config, &cfg); err != nil {
		return false, fmt.Errorf("json_schema config: %w", err)
	}
	if len(cfg.Schema) == 0 {
		return false, fmt.Errorf("json_schema gate requires schema")
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(cfg.Schema)))
	if err != nil {
		return false, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("gate.json", schemaDoc); err != nil {
		return false, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("gate.json")
	if err != nil {
		return false, fmt.Errorf("compile schema: %w", err)
	}

	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(output))
	if err != nil {
		return false, nil // unparseable output fails the gate
	}
	return compiled.Validate(instance) == nil, nil
}

// validateRegex applies the configured pattern with Python-style match-type
// semantics: search anywhere, match anchors the start, fullmatch anchors
// both ends.
func validateRegex(_ context.Context, gate schema.QualityGate, output string) (bool, error) {
	var cfg struct {
		Pattern   string `json:"pattern"`
		MatchType string `json:"match_type"`
	}
	if err := json.Unmarshal(gate.Config, &cfg); err != nil {
		return false, fmt.Errorf("regex config: %w", err)
	}
	if cfg.Pattern == "" {
		return false, fmt.Errorf("regex gate requires pattern")
	}

	pattern := cfg.Pattern
	switch cfg.MatchType {
	case "match":
		pattern = "^(?:" + pattern + ")"
	case "fullmatch":
		pattern = "^(?:" + pattern + ")$"
	case "", "search":
	default:
		return false, fmt.Errorf("unknown match_type %q", cfg.MatchType)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("compile pattern: %w", err)
	}
	return re.MatchString(output), nil
}

// validateLLMJudge asks a separate model, at temperature zero, for a yes/no
// verdict on whether the output meets the criteria.
func (e *Engine) validateLLMJudge(ctx context.Context, gate schema.QualityGate, output string) (bool, error) {
	var cfg struct {
		Criteria string `json:"criteria"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(gate.Config, &cfg); err != nil {
		return false, fmt.Errorf("llm_judge config: %w", err)
	}
	if cfg.Criteria == "" {
		return false, fmt.Errorf("llm_judge gate requires criteria")
	}
	if e.judge == nil {
		return false, fmt.Errorf("llm_judge gate has no judge provider")
	}

	model := cfg.Model
	if model == "" {
		model = e.judgeModel
	}

	resp, err := e.judge.Run(ctx, providers.Request{
		System:      "You are a quality validator. Respond only 'yes' or 'no'.",
		Prompt:      fmt.Sprintf("Validate the following output against these criteria:\n\nCriteria: %s\n\nOutput: %s\n\nDoes the output meet the criteria? Respond with ONLY 'yes' or 'no'.", cfg.Criteria, output),
		Model:       model,
		Temperature: providers.Float(0),
		MaxTokens:   10,
	})
	if err != nil {
		return false, fmt.Errorf("judge call: %w", err)
	}

	verdict := strings.ToLower(strings.TrimSpace(resp.Content))
	verdict = strings.TrimRight(verdict, ".!")
	return verdict == "yes", nil
}

// validateCustom resolves the configured function in the registry. An
// unknown name is an error, not a fail.
func (e *Engine) validateCustom(ctx context.Context, gate schema.QualityGate, output string) (bool, error) {
	var cfg struct {
		Function string `json:"function"`
	}
	if err := json.Unmarshal(gate.Config, &cfg); err != nil {
		return false, fmt.Errorf("custom config: %w", err)
	}
	fn, ok := e.custom.Lookup(cfg.Function)
	if !ok {
		return false, fmt.Errorf("custom gate function %q is not registered", cfg.Function)
	}
	return fn(ctx, output)
}
