// Package factory owns workflow and agent lifecycle. It is the sole writer
// of agent state, output, error, retry count and timestamps; every other
// component mutates through its setters, which enforce the state machines.
package factory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// Factory maps workflow_id → Workflow and agent_id → AgentInstance.
type Factory struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	agents    map[string]*schema.AgentInstance
}

func New() *Factory {
	return &Factory{
		workflows: make(map[string]*schema.Workflow),
		agents:    make(map[string]*schema.AgentInstance),
	}
}

// CreateWorkflow registers a workflow in state creating with its parent
// orchestrator agent already materialized.
func (f *Factory) CreateWorkflow(plan *schema.Plan, metadata map[string]any) (*schema.Workflow, error) {
	if plan == nil || plan.WorkflowID == "" {
		return nil, fmt.Errorf("%w: plan with workflow_id is required", schema.ErrValidation)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.workflows[plan.WorkflowID]; exists {
		return nil, fmt.Errorf("%w: workflow %s already exists", schema.ErrValidation, plan.WorkflowID)
	}

	now := time.Now().UTC()
	parent := &schema.AgentInstance{
		ID:         "agent_" + uuid.NewString()[:8],
		WorkflowID: plan.WorkflowID,
		Role:       plan.ParentRole,
		Config: schema.AgentConfig{
			Role:         plan.ParentRole,
			SystemPrompt: plan.ParentPrompt,
		},
		State:     schema.AgentCreating,
		CreatedAt: now,
	}

	wf := &schema.Workflow{
		WorkflowID:  plan.WorkflowID,
		Plan:        plan,
		State:       schema.WorkflowCreating,
		ParentAgent: parent,
		ChildAgents: make(map[string]*schema.AgentInstance),
		Metadata:    metadata,
		CreatedAt:   now,
	}

	f.workflows[wf.WorkflowID] = wf
	f.agents[parent.ID] = parent
	return cloneWorkflow(wf), nil
}

// SpawnChild materializes one child agent. Roles are unique per workflow.
func (f *Factory) SpawnChild(workflowID string, cfg schema.AgentConfig) (*schema.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wf, ok := f.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	if _, exists := wf.ChildAgents[cfg.Role]; exists {
		return nil, fmt.Errorf("%w: role %q already spawned in workflow %s", schema.ErrValidation, cfg.Role, workflowID)
	}

	agent := &schema.AgentInstance{
		ID:         "agent_" + uuid.NewString()[:8],
		WorkflowID: workflowID,
		Role:       cfg.Role,
		Config:     cfg,
		State:      schema.AgentCreating,
		CreatedAt:  time.Now().UTC(),
	}
	wf.ChildAgents[cfg.Role] = agent
	f.agents[agent.ID] = agent
	return cloneAgent(agent), nil
}

// EnsureChild returns the existing child for a role, spawning it on demand.
func (f *Factory) EnsureChild(workflowID string, cfg schema.AgentConfig) (*schema.AgentInstance, error) {
	f.mu.RLock()
	wf, ok := f.workflows[workflowID]
	if ok {
		if agent, exists := wf.ChildAgents[cfg.Role]; exists {
			out := cloneAgent(agent)
			f.mu.RUnlock()
			return out, nil
		}
	}
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	return f.SpawnChild(workflowID, cfg)
}

// GetWorkflow returns a copy of the workflow.
func (f *Factory) GetWorkflow(id string) (*schema.Workflow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", schema.ErrNotFound, id)
	}
	return cloneWorkflow(wf), nil
}

// ListWorkflows returns copies of all workflows.
func (f *Factory) ListWorkflows() []*schema.Workflow {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*schema.Workflow, 0, len(f.workflows))
	for _, wf := range f.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	return out
}

// GetAgent returns a copy of an agent by id.
func (f *Factory) GetAgent(id string) (*schema.AgentInstance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	agent, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", schema.ErrNotFound, id)
	}
	return cloneAgent(agent), nil
}

// GetAgentByRole resolves an agent by (workflow, role).
func (f *Factory) GetAgentByRole(workflowID, role string) (*schema.AgentInstance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	if wf.ParentAgent != nil && wf.ParentAgent.Role == role {
		return cloneAgent(wf.ParentAgent), nil
	}
	agent, ok := wf.ChildAgents[role]
	if !ok {
		return nil, fmt.Errorf("%w: role %q in workflow %s", schema.ErrNotFound, role, workflowID)
	}
	return cloneAgent(agent), nil
}

// AgentOutput reads the authoritative output of a completed role.
func (f *Factory) AgentOutput(workflowID, role string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return "", fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	agent, ok := wf.ChildAgents[role]
	if !ok {
		return "", fmt.Errorf("%w: role %q in workflow %s", schema.ErrNotFound, role, workflowID)
	}
	return agent.Output, nil
}

// UpdateAgentState moves an agent through its FSM. Running sets started_at
// once; terminal states set completed_at. Illegal transitions are rejected;
// moving a terminal agent anywhere is always illegal.
func (f *Factory) UpdateAgentState(agentID string, state schema.AgentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", schema.ErrNotFound, agentID)
	}
	if agent.State == state {
		return nil
	}
	if !agent.State.CanTransition(state) {
		return fmt.Errorf("%w: agent %s cannot move %s → %s", schema.ErrValidation, agentID, agent.State, state)
	}

	agent.State = state
	now := time.Now().UTC()
	if state == schema.AgentRunning && agent.StartedAt == nil {
		agent.StartedAt = &now
	}
	if state.Terminal() && agent.CompletedAt == nil {
		agent.CompletedAt = &now
	}
	return nil
}

// SetAgentOutput records an agent's output.
func (f *Factory) SetAgentOutput(agentID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", schema.ErrNotFound, agentID)
	}
	agent.Output = output
	return nil
}

// SetAgentError records an agent's terminal error string.
func (f *Factory) SetAgentError(agentID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", schema.ErrNotFound, agentID)
	}
	agent.Error = errMsg
	return nil
}

// IncrementRetry bumps an agent's retry counter and returns the new value.
func (f *Factory) IncrementRetry(agentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return 0, fmt.Errorf("%w: agent %s", schema.ErrNotFound, agentID)
	}
	agent.RetryCount++
	return agent.RetryCount, nil
}

// UpdateWorkflowState moves a workflow through its FSM.
func (f *Factory) UpdateWorkflowState(workflowID string, state schema.WorkflowState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	if wf.State == state {
		return nil
	}
	if !wf.State.CanTransition(state) {
		return fmt.Errorf("%w: workflow %s cannot move %s → %s", schema.ErrValidation, workflowID, wf.State, state)
	}

	wf.State = state
	now := time.Now().UTC()
	if state == schema.WorkflowRunning && wf.StartedAt == nil {
		wf.StartedAt = &now
	}
	if state.Terminal() && wf.CompletedAt == nil {
		wf.CompletedAt = &now
	}
	return nil
}

// SetWorkflowThread links the workflow to its working-set thread.
func (f *Factory) SetWorkflowThread(workflowID, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	wf.ThreadID = threadID
	return nil
}

// WorkflowState reads the current state.
func (f *Factory) WorkflowState(workflowID string) (schema.WorkflowState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return "", fmt.Errorf("%w: workflow %s", schema.ErrNotFound, workflowID)
	}
	return wf.State, nil
}

func cloneAgent(a *schema.AgentInstance) *schema.AgentInstance {
	c := *a
	return &c
}

func cloneWorkflow(wf *schema.Workflow) *schema.Workflow {
	c := *wf
	if wf.ParentAgent != nil {
		c.ParentAgent = cloneAgent(wf.ParentAgent)
	}
	c.ChildAgents = make(map[string]*schema.AgentInstance, len(wf.ChildAgents))
	for role, agent := range wf.ChildAgents {
		c.ChildAgents[role] = cloneAgent(agent)
	}
	return &c
}
