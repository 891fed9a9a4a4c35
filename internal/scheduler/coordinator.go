// Package scheduler executes workflow DAGs: topological leveling, per-level
// parallelism bounded by a semaphore, quality-gated retries, escalation,
// cooperative cancellation and workflow timeouts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/factory"
	"github.com/nextlevelbuilder/voxflow/internal/gates"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// AgentRunner invokes the external LLM runtime for one agent task. The call
// must be abortable via ctx. taskPrompt already includes dependency outputs
// and workflow metadata; the agent's system prompt travels in its config.
type AgentRunner func(ctx context.Context, agent *schema.AgentInstance, taskPrompt string) (string, error)

// Coordinator drives workflow execution against the factory's state.
type Coordinator struct {
	factory *factory.Factory
	gates   *gates.Engine
	bus     *bus.Bus
	runner  AgentRunner
	tracer  trace.Tracer

	mu     sync.Mutex
	active map[string]*execution
}

// execution tracks one in-flight workflow.
type execution struct {
	cancel context.CancelFunc
	resume chan struct{}
}

func New(f *factory.Factory, g *gates.Engine, b *bus.Bus, runner AgentRunner) *Coordinator {
	return &Coordinator{
		factory: f,
		gates:   g,
		bus:     b,
		runner:  runner,
		tracer:  otel.Tracer("voxflow/scheduler"),
		active:  make(map[string]*execution),
	}
}

// Execute runs a workflow to a terminal state. It returns nil when the
// workflow completes, ErrInvalidPlan for a cyclic or malformed DAG,
// ErrCancelled on cancel or timeout, and ErrAgent when a level fails.
func (c *Coordinator) Execute(ctx context.Context, workflowID string) error {
	wf, err := c.factory.GetWorkflow(workflowID)
	if err != nil {
		return err
	}

	levels, err := wf.Plan.Levels()
	if err != nil {
		// Invalid plan: the workflow never enters running.
		_ = c.factory.UpdateWorkflowState(workflowID, schema.WorkflowFailed)
		c.finishParent(wf, schema.AgentFailed)
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, wf.Plan.Timeout())
	defer cancel()

	exec := &execution{cancel: cancel, resume: make(chan struct{}, 1)}
	c.mu.Lock()
	c.active[workflowID] = exec
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, workflowID)
		c.mu.Unlock()
	}()

	runCtx, span := c.tracer.Start(runCtx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Int("workflow.levels", len(levels)),
			attribute.Int("workflow.max_parallel", wf.Plan.MaxParallel),
		))
	defer span.End()

	if err := c.factory.UpdateWorkflowState(workflowID, schema.WorkflowRunning); err != nil {
		return err
	}
	if wf.ParentAgent != nil {
		_ = c.factory.UpdateAgentState(wf.ParentAgent.ID, schema.AgentRunning)
	}

	sem := semaphore.NewWeighted(int64(wf.Plan.MaxParallel))

	for i, level := range levels {
		if err := c.awaitRunnable(runCtx, workflowID, exec); err != nil {
			return c.finish(wf, schema.WorkflowCancelled, err)
		}

		slog.Debug("scheduler.level_started", "workflow_id", workflowID, "level", i, "roles", level)
		failed, err := c.runLevel(runCtx, wf, level, sem)
		if err != nil {
			if IsCancelled(err) {
				return c.finish(wf, schema.WorkflowCancelled, err)
			}
			return c.finish(wf, schema.WorkflowFailed, err)
		}
		if failed {
			return c.finish(wf, schema.WorkflowFailed,
				fmt.Errorf("%w: level %d failed in workflow %s", schema.ErrAgent, i, workflowID))
		}
	}

	return c.finish(wf, schema.WorkflowCompleted, nil)
}

// awaitRunnable blocks while the workflow is paused. It returns an error
// when the run context is cancelled first.
func (c *Coordinator) awaitRunnable(ctx context.Context, workflowID string, exec *execution) error {
	for {
		state, err := c.factory.WorkflowState(workflowID)
		if err != nil {
			return err
		}
		switch state {
		case schema.WorkflowRunning:
			return nil
		case schema.WorkflowPaused:
			select {
			case <-exec.resume:
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", schema.ErrCancelled, context.Cause(ctx))
			}
		case schema.WorkflowCancelled:
			return fmt.Errorf("%w: workflow %s cancelled", schema.ErrCancelled, workflowID)
		default:
			return fmt.Errorf("%w: workflow %s in state %s", schema.ErrCancelled, workflowID, state)
		}
	}
}

// runLevel launches every role of one level concurrently, bounded by the
// workflow semaphore, and waits for all of them to settle. It reports
// whether any agent failed; a context error means cancellation/timeout.
func (c *Coordinator) runLevel(ctx context.Context, wf *schema.Workflow, level []string, sem *semaphore.Weighted) (failed bool, err error) {
	var wg sync.WaitGroup
	results := make([]schema.AgentState, len(level))

	for i, role := range level {
		cfg := wf.Plan.Child(role)
		if cfg == nil {
			wg.Wait()
			return true, fmt.Errorf("%w: role %q missing from plan", schema.ErrInvalidPlan, role)
		}
		agent, spawnErr := c.factory.EnsureChild(wf.WorkflowID, *cfg)
		if spawnErr != nil {
			wg.Wait()
			return true, spawnErr
		}
		if agent.State.Terminal() {
			results[i] = agent.State // resume path: completed agents are not re-run
			continue
		}

		wg.Add(1)
		go func(i int, agent *schema.AgentInstance) {
			defer wg.Done()
			results[i] = c.runAgentTask(ctx, wf, agent, sem)
		}(i, agent)
	}
	wg.Wait()

	cancelled := false
	for _, st := range results {
		switch st {
		case schema.AgentFailed:
			failed = true
		case schema.AgentCancelled:
			cancelled = true
		}
	}
	if cancelled && !failed {
		return false, fmt.Errorf("%w: %v", schema.ErrCancelled, context.Cause(ctx))
	}
	return failed, nil
}

// runAgentTask drives one agent through its lifecycle: semaphore slot,
// prompt build, LLM call, gates, and terminal transition. It returns the
// agent's terminal state.
func (c *Coordinator) runAgentTask(ctx context.Context, wf *schema.Workflow, agent *schema.AgentInstance, sem *semaphore.Weighted) schema.AgentState {
	ctx, span := c.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", agent.ID),
			attribute.String("agent.role", agent.Role),
		))
	defer span.End()

	// Acquire a concurrency slot. Agents beyond the bound wait.
	if !sem.TryAcquire(1) {
		_ = c.factory.UpdateAgentState(agent.ID, schema.AgentWaiting)
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = c.factory.UpdateAgentState(agent.ID, schema.AgentCancelled)
			return schema.AgentCancelled
		}
	}
	defer sem.Release(1)

	if err := c.factory.UpdateAgentState(agent.ID, schema.AgentRunning); err != nil {
		slog.Error("scheduler.agent_transition_failed", "agent_id", agent.ID, "error", err)
		return schema.AgentFailed
	}
	c.bus.Emit(protocol.TriggerAgentStarted, wf.WorkflowID, agent.ID, map[string]any{
		"role":  agent.Role,
		"tools": agent.Config.Tools,
	})

	prompt := c.buildTaskPrompt(wf, agent)
	output, err := c.runner(ctx, agent, prompt)
	if err != nil {
		if ctx.Err() != nil {
			_ = c.factory.UpdateAgentState(agent.ID, schema.AgentCancelled)
			return schema.AgentCancelled
		}
		return c.failAgent(wf, agent, fmt.Errorf("%w: %v", schema.ErrAgent, err))
	}

	output, err = c.applyGates(ctx, wf, agent, output)
	if err != nil {
		if ctx.Err() != nil {
			_ = c.factory.UpdateAgentState(agent.ID, schema.AgentCancelled)
			return schema.AgentCancelled
		}
		return c.failAgent(wf, agent, err)
	}

	_ = c.factory.SetAgentOutput(agent.ID, output)
	_ = c.factory.UpdateAgentState(agent.ID, schema.AgentCompleted)
	c.bus.Emit(protocol.TriggerAgentCompleted, wf.WorkflowID, agent.ID, map[string]any{
		"role":   agent.Role,
		"output": output,
	})
	return schema.AgentCompleted
}

func (c *Coordinator) failAgent(wf *schema.Workflow, agent *schema.AgentInstance, err error) schema.AgentState {
	_ = c.factory.SetAgentError(agent.ID, err.Error())
	_ = c.factory.UpdateAgentState(agent.ID, schema.AgentFailed)
	c.bus.Emit(protocol.TriggerAgentFailed, wf.WorkflowID, agent.ID, map[string]any{
		"role":  agent.Role,
		"error": err.Error(),
	})
	return schema.AgentFailed
}

// applyGates runs the agent's gates in declaration order. A failing gate may
// retry the agent; on exhaustion with escalate_on_fail, the escalation role
// runs as an additional synthetic task and its output replaces the agent's.
func (c *Coordinator) applyGates(ctx context.Context, wf *schema.Workflow, agent *schema.AgentInstance, output string) (string, error) {
	for _, gate := range agent.Config.QualityGates {
		retry := func(ctx context.Context) (string, error) {
			// Gate-driven suspension: the agent waits, then re-runs.
			_ = c.factory.UpdateAgentState(agent.ID, schema.AgentWaiting)
			if _, err := c.factory.IncrementRetry(agent.ID); err != nil {
				return "", err
			}
			_ = c.factory.UpdateAgentState(agent.ID, schema.AgentRunning)
			return c.runner(ctx, agent, c.buildTaskPrompt(wf, agent))
		}

		res := c.gates.ValidateWithRetry(ctx, gate, output, agent.ID, retry)
		trigger := protocol.TriggerGatePassed
		if !res.Passed {
			trigger = protocol.TriggerGateFailed
		}
		payload := map[string]any{
			"gate_id":         gate.GateID,
			"role":            agent.Role,
			"retry_attempted": res.RetryAttempted,
		}
		if res.Error != "" {
			payload["error"] = res.Error
		}
		c.bus.Emit(trigger, wf.WorkflowID, agent.ID, payload)

		if res.Passed {
			output = res.Output
			continue
		}

		if gate.EscalateOnFail && gate.EscalationTarget != "" {
			escalated, err := c.escalate(ctx, wf, agent, gate, res.Output)
			if err != nil {
				return "", err
			}
			output = escalated
			continue
		}
		if res.Error != "" {
			return "", fmt.Errorf("%w: gate %s: %s", schema.ErrGateFailed, gate.GateID, res.Error)
		}
		return "", fmt.Errorf("%w: gate %s rejected output", schema.ErrGateFailed, gate.GateID)
	}
	return output, nil
}

// escalate transfers a rejected output to the gate's escalation role,
// scheduled as an additional synthetic agent task in the same workflow.
func (c *Coordinator) escalate(ctx context.Context, wf *schema.Workflow, agent *schema.AgentInstance, gate schema.QualityGate, rejected string) (string, error) {
	cfg := wf.Plan.Child(gate.EscalationTarget)
	if cfg == nil {
		return "", fmt.Errorf("%w: escalation target %q missing from plan", schema.ErrEscalationFailed, gate.EscalationTarget)
	}
	target, err := c.factory.EnsureChild(wf.WorkflowID, *cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrEscalationFailed, err)
	}

	slog.Info("scheduler.escalating", "workflow_id", wf.WorkflowID,
		"from", agent.Role, "to", target.Role, "gate", gate.GateID)

	if target.State == schema.AgentCreating {
		_ = c.factory.UpdateAgentState(target.ID, schema.AgentRunning)
		c.bus.Emit(protocol.TriggerAgentStarted, wf.WorkflowID, target.ID, map[string]any{
			"role":       target.Role,
			"escalation": true,
		})
	}

	prompt := fmt.Sprintf("A quality gate (%s) rejected the output of agent %q. Recover the task.\n\nRejected output:\n%s",
		gate.GateID, agent.Role, rejected)
	output, err := c.runner(ctx, target, prompt)
	if err != nil {
		_ = c.factory.SetAgentError(target.ID, err.Error())
		_ = c.factory.UpdateAgentState(target.ID, schema.AgentFailed)
		c.bus.Emit(protocol.TriggerAgentFailed, wf.WorkflowID, target.ID, map[string]any{
			"role":  target.Role,
			"error": err.Error(),
		})
		return "", fmt.Errorf("%w: target %q: %v", schema.ErrEscalationFailed, target.Role, err)
	}

	_ = c.factory.SetAgentOutput(target.ID, output)
	_ = c.factory.UpdateAgentState(target.ID, schema.AgentCompleted)
	c.bus.Emit(protocol.TriggerAgentCompleted, wf.WorkflowID, target.ID, map[string]any{
		"role":       target.Role,
		"output":     output,
		"escalation": true,
	})
	return output, nil
}

// buildTaskPrompt assembles the task prompt: role, dependency outputs in
// declaration order, and workflow metadata. Dependency outputs are read once
// here, from the authoritative instance state; leveling guarantees every
// dependency is terminal before this runs.
func (c *Coordinator) buildTaskPrompt(wf *schema.Workflow, agent *schema.AgentInstance) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your role: %s", agent.Role)

	if len(agent.Config.DependsOn) > 0 {
		sb.WriteString("\n\nContext from dependent agents:")
		for _, dep := range agent.Config.DependsOn {
			out, err := c.factory.AgentOutput(wf.WorkflowID, dep)
			if err != nil {
				slog.Error("scheduler.dependency_read_failed", "workflow_id", wf.WorkflowID,
					"agent", agent.Role, "dependency", dep, "error", err)
				continue
			}
			fmt.Fprintf(&sb, "\n\n%s output: %s", dep, out)
		}
	}

	if len(wf.Metadata) > 0 {
		fmt.Fprintf(&sb, "\n\nWorkflow context: %v", wf.Metadata)
	}
	return sb.String()
}

// finish moves the workflow (and its parent agent) to a terminal state and
// returns err. Transitions that lost a race with Cancel are ignored — the
// first terminal state wins.
func (c *Coordinator) finish(wf *schema.Workflow, state schema.WorkflowState, err error) error {
	_ = c.factory.UpdateWorkflowState(wf.WorkflowID, state)

	final, stateErr := c.factory.WorkflowState(wf.WorkflowID)
	if stateErr == nil && final != state {
		// Cancel won the race; report cancellation instead.
		if final == schema.WorkflowCancelled && !errors.Is(err, schema.ErrCancelled) {
			err = fmt.Errorf("%w: workflow %s cancelled", schema.ErrCancelled, wf.WorkflowID)
		}
		state = final
	}

	switch state {
	case schema.WorkflowCompleted:
		c.finishParent(wf, schema.AgentCompleted)
	case schema.WorkflowFailed:
		c.finishParent(wf, schema.AgentFailed)
	case schema.WorkflowCancelled:
		c.finishParent(wf, schema.AgentCancelled)
	}
	return err
}

func (c *Coordinator) finishParent(wf *schema.Workflow, state schema.AgentState) {
	if wf.ParentAgent == nil {
		return
	}
	_ = c.factory.UpdateAgentState(wf.ParentAgent.ID, state)
}

// ExecuteAgent runs a single agent task with gate application, outside the
// level machinery. Used for one-off re-runs and the engine's single-agent
// surface.
func (c *Coordinator) ExecuteAgent(ctx context.Context, workflowID, role string) (string, error) {
	wf, err := c.factory.GetWorkflow(workflowID)
	if err != nil {
		return "", err
	}
	cfg := wf.Plan.Child(role)
	if cfg == nil {
		return "", fmt.Errorf("%w: role %q in workflow %s", schema.ErrNotFound, role, workflowID)
	}
	agent, err := c.factory.EnsureChild(workflowID, *cfg)
	if err != nil {
		return "", err
	}
	if agent.State.Terminal() {
		return "", fmt.Errorf("%w: agent %s already %s", schema.ErrValidation, agent.ID, agent.State)
	}

	sem := semaphore.NewWeighted(1)
	state := c.runAgentTask(ctx, wf, agent, sem)
	final, err := c.factory.GetAgent(agent.ID)
	if err != nil {
		return "", err
	}
	switch state {
	case schema.AgentCompleted:
		return final.Output, nil
	case schema.AgentCancelled:
		return "", fmt.Errorf("%w: agent %s", schema.ErrCancelled, agent.ID)
	default:
		return "", fmt.Errorf("%w: %s", schema.ErrAgent, final.Error)
	}
}

// Cancel cooperatively cancels a workflow: the cancellation signal reaches
// every running task, waiting agents transition directly to cancelled, and
// the workflow state becomes cancelled.
func (c *Coordinator) Cancel(workflowID string) error {
	wf, err := c.factory.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.State.Terminal() {
		return fmt.Errorf("%w: workflow %s already %s", schema.ErrValidation, workflowID, wf.State)
	}

	_ = c.factory.UpdateWorkflowState(workflowID, schema.WorkflowCancelled)

	c.mu.Lock()
	exec := c.active[workflowID]
	c.mu.Unlock()
	if exec != nil {
		exec.cancel()
	}

	// Agents never started are cancelled directly.
	for _, agent := range wf.ChildAgents {
		if agent.State == schema.AgentCreating || agent.State == schema.AgentWaiting {
			_ = c.factory.UpdateAgentState(agent.ID, schema.AgentCancelled)
		}
	}
	slog.Info("scheduler.workflow_cancelled", "workflow_id", workflowID)
	return nil
}

// Pause prevents scheduling of further levels. Already-running tasks are not
// suspended.
func (c *Coordinator) Pause(workflowID string) error {
	return c.factory.UpdateWorkflowState(workflowID, schema.WorkflowPaused)
}

// Resume continues a paused workflow from its current level.
func (c *Coordinator) Resume(workflowID string) error {
	if err := c.factory.UpdateWorkflowState(workflowID, schema.WorkflowRunning); err != nil {
		return err
	}
	c.mu.Lock()
	exec := c.active[workflowID]
	c.mu.Unlock()
	if exec != nil {
		select {
		case exec.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Errors exposed for callers matching scheduler outcomes.
var (
	ErrInvalidPlan = schema.ErrInvalidPlan
	ErrCancelled   = schema.ErrCancelled
)

// IsCancelled reports whether err represents cancellation or timeout.
func IsCancelled(err error) bool {
	return errors.Is(err, schema.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
