package schema

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// GateKind selects the validation strategy of a quality gate.
type GateKind string

const (
	GateJSONSchema GateKind = "json_schema"
	GateRegex      GateKind = "regex"
	GateLLMJudge   GateKind = "llm_judge"
	GateCustom     GateKind = "custom"
)

// QualityGate validates an agent's output. Config is a kind-specific blob:
//
//	json_schema: {"schema": {...}}
//	regex:       {"pattern": "...", "match_type": "search|match|fullmatch"}
//	llm_judge:   {"criteria": "...", "model": "..."}
//	custom:      {"function": "registered-name"}
type QualityGate struct {
	GateID           string          `json:"gate_id"`
	Kind             GateKind        `json:"kind"`
	Config           json.RawMessage `json:"config"`
	RetryOnFail      bool            `json:"retry_on_fail"`
	MaxRetries       int             `json:"max_retries"`
	EscalateOnFail   bool            `json:"escalate_on_fail,omitempty"`
	EscalationTarget string          `json:"escalation_target,omitempty"`
}

// WebhookSub subscribes an external URL to a set of triggers.
type WebhookSub struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Events    []protocol.Trigger `json:"events"`
	Secret    string             `json:"secret,omitempty"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// AgentConfig describes one node of the workflow DAG.
type AgentConfig struct {
	Role         string        `json:"role"`
	SystemPrompt string        `json:"system_prompt"`
	Model        string        `json:"model,omitempty"`
	Tools        []string      `json:"tools,omitempty"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	Webhooks     []WebhookSub  `json:"webhooks,omitempty"`
	QualityGates []QualityGate `json:"quality_gates,omitempty"`
}

// Plan is the compiler output fully describing how to run a workflow.
type Plan struct {
	WorkflowID     string         `json:"workflow_id"`
	ParentRole     string         `json:"parent_role"`
	ParentPrompt   string         `json:"parent_prompt"`
	Children       []AgentConfig  `json:"children"`
	Webhooks       []WebhookSub   `json:"webhooks,omitempty"`
	MaxParallel    int            `json:"max_parallel"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Child returns the config of a child role, or nil.
func (p *Plan) Child(role string) *AgentConfig {
	for i := range p.Children {
		if p.Children[i].Role == role {
			return &p.Children[i]
		}
	}
	return nil
}

// Timeout returns the workflow deadline as a duration.
func (p *Plan) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Intent is a compiled voice command: the classified intent plus the plan.
type Intent struct {
	OriginalCommand string   `json:"original_command"`
	Intent          string   `json:"intent"`
	Plan            *Plan    `json:"plan"`
	Confidence      float64  `json:"confidence"`
	Alternatives    []string `json:"alternative_intents,omitempty"`
}
