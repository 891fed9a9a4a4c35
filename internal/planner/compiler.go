// Package planner compiles natural-language utterances into validated
// orchestration plans, via the LLM when reachable and a keyword rule path
// otherwise.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voxflow/internal/providers"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// Plan defaults applied when the LLM reply omits them.
const (
	defaultMaxParallel = 5
	defaultTimeoutSecs = 600
	defaultChildModel  = "claude-sonnet-4-5-20250929"

	// Below this confidence the LLM reply is discarded for the rule path.
	minLLMConfidence = 0.4

	// Rule-path compilations always carry this confidence.
	ruleConfidence = 0.5
)

// Compiler turns utterances into plans. provider may be nil to force the
// rule path.
type Compiler struct {
	provider providers.Provider
	model    string
	cache    *memoCache
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithCache memoizes compilations of identical recent utterances.
func WithCache(capacity int) Option {
	return func(c *Compiler) { c.cache = newMemoCache(capacity) }
}

// WithModel overrides the compilation model.
func WithModel(model string) Option {
	return func(c *Compiler) {
		if model != "" {
			c.model = model
		}
	}
}

func New(provider providers.Provider, opts ...Option) *Compiler {
	c := &Compiler{provider: provider}
	if provider != nil {
		c.model = provider.DefaultModel()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile produces a validated plan for an utterance. The LLM path is
// preferred; unreachable or low-confidence replies fall back to the keyword
// rules. Compilation failures on both paths wrap ErrCompile.
func (c *Compiler) Compile(ctx context.Context, utterance string, metadata map[string]any) (*schema.Intent, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, fmt.Errorf("%w: empty utterance", schema.ErrCompile)
	}

	if c.cache != nil {
		if intent, ok := c.cache.get(utterance, metadata); ok {
			// A cached plan must not collide with a live workflow.
			fresh := *intent
			plan := *intent.Plan
			plan.WorkflowID = newWorkflowID()
			fresh.Plan = &plan
			return &fresh, nil
		}
	}

	var intent *schema.Intent
	if c.provider != nil {
		llmIntent, err := c.compileLLM(ctx, utterance, metadata)
		switch {
		case err != nil:
			slog.Warn("planner.llm_path_failed", "error", err)
		case llmIntent.Confidence < minLLMConfidence:
			slog.Info("planner.llm_low_confidence", "confidence", llmIntent.Confidence)
		default:
			intent = llmIntent
		}
	}
	if intent == nil {
		intent = c.compileRules(utterance)
	}

	if err := intent.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrCompile, err)
	}

	if c.cache != nil {
		c.cache.put(utterance, metadata, intent)
	}
	return intent, nil
}

// planDoc is the JSON shape the LLM is asked to produce.
type planDoc struct {
	Intent       string   `json:"intent"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives"`
	Workflow     struct {
		ParentRole   string `json:"parent_role"`
		ParentPrompt string `json:"parent_prompt"`
		Children     []struct {
			Role         string               `json:"role"`
			SystemPrompt string               `json:"system_prompt"`
			Model        string               `json:"model"`
			Tools        []string             `json:"tools"`
			DependsOn    []string             `json:"depends_on"`
			QualityGates []schema.QualityGate `json:"quality_gates"`
		} `json:"children"`
		MaxParallelAgents int `json:"max_parallel_agents"`
		TimeoutSeconds    int `json:"timeout_seconds"`
	} `json:"workflow"`
}

func (c *Compiler) compileLLM(ctx context.Context, utterance string, metadata map[string]any) (*schema.Intent, error) {
	prompt := buildUserPrompt(utterance, metadata)
	resp, err := c.provider.Run(ctx, providers.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		Model:       c.model,
		Temperature: providers.Float(0.7),
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}

	raw := StripWrapper(resp.Content)
	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unparseable reply: %w", err)
	}
	if len(doc.Workflow.Children) == 0 {
		return nil, fmt.Errorf("reply contains no agents")
	}

	plan := &schema.Plan{
		WorkflowID:     newWorkflowID(),
		ParentRole:     orDefault(doc.Workflow.ParentRole, "orchestrator"),
		ParentPrompt:   orDefault(doc.Workflow.ParentPrompt, "You coordinate specialized agents to fulfill the user's command."),
		MaxParallel:    orDefaultInt(doc.Workflow.MaxParallelAgents, defaultMaxParallel),
		TimeoutSeconds: orDefaultInt(doc.Workflow.TimeoutSeconds, defaultTimeoutSecs),
		Metadata:       metadata,
	}
	for _, child := range doc.Workflow.Children {
		plan.Children = append(plan.Children, schema.AgentConfig{
			Role:         child.Role,
			SystemPrompt: child.SystemPrompt,
			Model:        orDefault(child.Model, defaultChildModel),
			Tools:        child.Tools,
			DependsOn:    child.DependsOn,
			QualityGates: child.QualityGates,
		})
	}

	confidence := doc.Confidence
	if confidence <= 0 {
		confidence = 0.85
	}
	return &schema.Intent{
		OriginalCommand: utterance,
		Intent:          orDefault(doc.Intent, "unknown"),
		Plan:            plan,
		Confidence:      confidence,
		Alternatives:    doc.Alternatives,
	}, nil
}

func buildUserPrompt(utterance string, metadata map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Parse this voice command and design a workflow:\n\nCommand: %q\n", utterance)
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, metadata[k])
		}
	}
	sb.WriteString("\nAnalyze the command and create a multi-agent orchestration plan. Consider:\n" +
		"- What is the main goal?\n" +
		"- What sub-tasks are needed?\n" +
		"- Which agents should handle each task?\n" +
		"- What tools does each agent need?\n" +
		"- What validations are necessary?\n\n" +
		"Return the JSON workflow configuration.")
	return sb.String()
}

func newWorkflowID() string {
	return "wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}
