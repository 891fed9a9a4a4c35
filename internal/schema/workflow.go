package schema

import "time"

// AgentState is the lifecycle state of a scheduled DAG node.
type AgentState string

const (
	AgentCreating  AgentState = "creating"
	AgentRunning   AgentState = "running"
	AgentWaiting   AgentState = "waiting"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
	AgentCancelled AgentState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s AgentState) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentCancelled
}

// agentTransitions encodes the agent FSM: creating → running → terminal,
// running ↔ waiting for gate-driven suspension.
var agentTransitions = map[AgentState][]AgentState{
	AgentCreating: {AgentRunning, AgentWaiting, AgentCancelled, AgentFailed},
	AgentRunning:  {AgentWaiting, AgentCompleted, AgentFailed, AgentCancelled},
	AgentWaiting:  {AgentRunning, AgentCancelled, AgentFailed},
}

// CanTransition reports whether s → next is a legal agent transition.
func (s AgentState) CanTransition(next AgentState) bool {
	for _, t := range agentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// WorkflowState is the lifecycle state of a live DAG execution.
type WorkflowState string

const (
	WorkflowCreating  WorkflowState = "creating"
	WorkflowRunning   WorkflowState = "running"
	WorkflowPaused    WorkflowState = "paused"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

var workflowTransitions = map[WorkflowState][]WorkflowState{
	WorkflowCreating: {WorkflowRunning, WorkflowFailed, WorkflowCancelled},
	WorkflowRunning:  {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
	WorkflowPaused:   {WorkflowRunning, WorkflowCancelled},
}

// CanTransition reports whether s → next is a legal workflow transition.
func (s WorkflowState) CanTransition(next WorkflowState) bool {
	for _, t := range workflowTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AgentInstance is a scheduled node in a workflow DAG. The factory is the
// sole writer of State, Output, Error, RetryCount and the timestamps; every
// other component goes through factory setters.
type AgentInstance struct {
	ID          string      `json:"id"`
	WorkflowID  string      `json:"workflow_id"`
	Role        string      `json:"role"`
	Config      AgentConfig `json:"config"`
	State       AgentState  `json:"state"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	RetryCount  int         `json:"retry_count"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Workflow is a live execution of a Plan.
type Workflow struct {
	WorkflowID  string                    `json:"workflow_id"`
	Plan        *Plan                     `json:"plan"`
	State       WorkflowState             `json:"state"`
	ParentAgent *AgentInstance            `json:"parent_agent,omitempty"`
	ChildAgents map[string]*AgentInstance `json:"child_agents"`
	ThreadID    string                    `json:"thread_id,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}
