// Package engine is the orchestration façade: it ties the plan compiler,
// agent factory, DAG coordinator, quality gates, event bus, webhook manager
// and working-set store into the public per-workflow API.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/factory"
	"github.com/nextlevelbuilder/voxflow/internal/gates"
	"github.com/nextlevelbuilder/voxflow/internal/planner"
	"github.com/nextlevelbuilder/voxflow/internal/providers"
	"github.com/nextlevelbuilder/voxflow/internal/scheduler"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/internal/tools"
	"github.com/nextlevelbuilder/voxflow/internal/webhooks"
	"github.com/nextlevelbuilder/voxflow/internal/workset"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// Engine composes the orchestration core. All collaborators are passed in at
// construction; nothing is a hidden singleton.
type Engine struct {
	compiler *planner.Compiler
	factory  *factory.Factory
	coord    *scheduler.Coordinator
	bus      *bus.Bus
	webhooks *webhooks.Manager
	store    *workset.Store
	tools    *tools.Registry
	tracer   trace.Tracer

	// terminal guards the one-terminal-event-per-workflow contract.
	terminal sync.Map // workflow_id → *sync.Once
}

// Config wires an engine.
type Config struct {
	Compiler *planner.Compiler
	Factory  *factory.Factory
	Gates    *gates.Engine
	Bus      *bus.Bus
	Webhooks *webhooks.Manager
	Store    *workset.Store
	Tools    *tools.Registry

	// Runner invokes the LLM runtime for agent tasks. When nil, a default
	// runner built on Provider is used.
	Runner   scheduler.AgentRunner
	Provider providers.Provider
}

// New builds the engine and its coordinator. The webhook manager is bound to
// the bus; the engine's own thread-maintenance handlers are registered.
func New(cfg Config) *Engine {
	e := &Engine{
		compiler: cfg.Compiler,
		factory:  cfg.Factory,
		bus:      cfg.Bus,
		webhooks: cfg.Webhooks,
		store:    cfg.Store,
		tools:    cfg.Tools,
		tracer:   otel.Tracer("voxflow/engine"),
	}

	runner := cfg.Runner
	if runner == nil {
		runner = e.defaultRunner(cfg.Provider)
	}
	e.coord = scheduler.New(cfg.Factory, cfg.Gates, cfg.Bus, runner)

	if e.webhooks != nil {
		e.webhooks.Bind(cfg.Bus)
	}
	if e.store != nil {
		e.bus.Subscribe(protocol.TriggerAgentCompleted, e.onAgentCompleted)
		e.bus.Subscribe(protocol.TriggerAgentFailed, e.onAgentFailed)
	}
	return e
}

// defaultRunner sends the agent's system prompt, its tool names and the task
// prompt to the LLM runtime. The engine never introspects what tools do; it
// only enumerates their names.
func (e *Engine) defaultRunner(provider providers.Provider) scheduler.AgentRunner {
	return func(ctx context.Context, agent *schema.AgentInstance, taskPrompt string) (string, error) {
		if provider == nil {
			return "", fmt.Errorf("%w: no llm provider configured", schema.ErrAgent)
		}
		system := agent.Config.SystemPrompt
		if len(agent.Config.Tools) > 0 {
			var lines []string
			for _, name := range agent.Config.Tools {
				if e.tools != nil {
					if t, ok := e.tools.Get(name); ok {
						lines = append(lines, fmt.Sprintf("%s: %s", name, t.Description()))
						continue
					}
				}
				lines = append(lines, name)
			}
			system += "\n\nAvailable tools:\n" + strings.Join(lines, "\n")
		}
		resp, err := provider.Run(ctx, providers.Request{
			System: system,
			Prompt: taskPrompt,
			Model:  agent.Config.Model,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// CompilePlan compiles an utterance without creating a workflow.
func (e *Engine) CompilePlan(ctx context.Context, utterance string, metadata map[string]any) (*schema.Intent, error) {
	return e.compiler.Compile(ctx, utterance, metadata)
}

// ProcessVoiceCommand compiles an utterance, creates the workflow and its
// thread, registers plan-level webhooks and emits workflow.started. The
// workflow handle is returned without awaiting execution.
func (e *Engine) ProcessVoiceCommand(ctx context.Context, utterance string, metadata map[string]any) (*schema.Workflow, error) {
	ctx, span := e.tracer.Start(ctx, "engine.process_voice_command")
	defer span.End()

	intent, err := e.compiler.Compile(ctx, utterance, metadata)
	if err != nil {
		e.bus.Emit(protocol.TriggerErrorOccurred, "", "", map[string]any{
			"kind":  "compile_error",
			"error": err.Error(),
		})
		return nil, err
	}
	span.SetAttributes(
		attribute.String("intent", intent.Intent),
		attribute.Float64("confidence", intent.Confidence),
	)

	return e.CreateWorkflow(ctx, intent, metadata)
}

// CreateWorkflow materializes a compiled intent into a live workflow.
func (e *Engine) CreateWorkflow(_ context.Context, intent *schema.Intent, metadata map[string]any) (*schema.Workflow, error) {
	wf, err := e.factory.CreateWorkflow(intent.Plan, metadata)
	if err != nil {
		return nil, err
	}

	if e.store != nil {
		thread, terr := e.store.CreateThread("", map[string]any{"workflow_id": wf.WorkflowID})
		if terr != nil {
			slog.Warn("engine.thread_create_failed", "workflow_id", wf.WorkflowID, "error", terr)
		} else {
			_ = e.store.AddMessage(thread.ID, "user", intent.OriginalCommand)
			_ = e.factory.SetWorkflowThread(wf.WorkflowID, thread.ID)
			wf.ThreadID = thread.ID
		}
	}

	if e.webhooks != nil {
		for _, sub := range intent.Plan.Webhooks {
			if _, werr := e.webhooks.Add(sub); werr != nil {
				slog.Warn("engine.webhook_register_failed", "workflow_id", wf.WorkflowID, "error", werr)
			}
		}
		for _, child := range intent.Plan.Children {
			for _, sub := range child.Webhooks {
				if _, werr := e.webhooks.Add(sub); werr != nil {
					slog.Warn("engine.webhook_register_failed", "workflow_id", wf.WorkflowID, "role", child.Role, "error", werr)
				}
			}
		}
	}

	e.bus.Emit(protocol.TriggerWorkflowStarted, wf.WorkflowID, "", map[string]any{
		"intent":     intent.Intent,
		"confidence": intent.Confidence,
	})
	slog.Info("engine.workflow_created", "workflow_id", wf.WorkflowID,
		"intent", intent.Intent, "agents", len(intent.Plan.Children))
	return wf, nil
}

// SpawnChildren pre-materializes every child agent in execution order.
// Plans that skip this spawn lazily at execution time.
func (e *Engine) SpawnChildren(workflowID string) error {
	wf, err := e.factory.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	levels, err := wf.Plan.Levels()
	if err != nil {
		return err
	}
	for _, level := range levels {
		for _, role := range level {
			cfg := wf.Plan.Child(role)
			if _, err := e.factory.EnsureChild(workflowID, *cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExecuteWorkflow drives the coordinator and emits exactly one terminal
// workflow event.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.execute_workflow",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	err := e.coord.Execute(ctx, workflowID)
	e.emitTerminal(workflowID, err)
	return err
}

// ExecuteAgent runs a single agent with gate application.
func (e *Engine) ExecuteAgent(ctx context.Context, workflowID, role string) (string, error) {
	return e.coord.ExecuteAgent(ctx, workflowID, role)
}

// CancelWorkflow cancels a workflow. The terminal event is emitted here for
// workflows that were not executing; an in-flight ExecuteWorkflow emits it
// instead (whichever runs first — the event fires once either way).
func (e *Engine) CancelWorkflow(workflowID string) error {
	if err := e.coord.Cancel(workflowID); err != nil {
		return err
	}
	e.emitTerminal(workflowID, nil)
	return nil
}

// PauseWorkflow stops scheduling of further levels.
func (e *Engine) PauseWorkflow(workflowID string) error {
	return e.coord.Pause(workflowID)
}

// ResumeWorkflow continues a paused workflow from its current level.
func (e *Engine) ResumeWorkflow(workflowID string) error {
	return e.coord.Resume(workflowID)
}

// GetWorkflow returns a workflow snapshot.
func (e *Engine) GetWorkflow(id string) (*schema.Workflow, error) {
	return e.factory.GetWorkflow(id)
}

// ListWorkflows returns all workflow snapshots.
func (e *Engine) ListWorkflows() []*schema.Workflow {
	return e.factory.ListWorkflows()
}

// GetAgent returns an agent snapshot.
func (e *Engine) GetAgent(id string) (*schema.AgentInstance, error) {
	return e.factory.GetAgent(id)
}

// Store exposes the working-set query surface.
func (e *Engine) Store() *workset.Store { return e.store }

// Webhooks exposes subscription management.
func (e *Engine) Webhooks() *webhooks.Manager { return e.webhooks }

// emitTerminal publishes the workflow's terminal event exactly once, and
// moves the backing thread to the matching terminal status.
func (e *Engine) emitTerminal(workflowID string, execErr error) {
	wf, err := e.factory.GetWorkflow(workflowID)
	if err != nil || !wf.State.Terminal() {
		return
	}

	onceAny, _ := e.terminal.LoadOrStore(workflowID, &sync.Once{})
	onceAny.(*sync.Once).Do(func() {
		var trigger protocol.Trigger
		payload := map[string]any{}
		switch wf.State {
		case schema.WorkflowCompleted:
			trigger = protocol.TriggerWorkflowCompleted
			if wf.StartedAt != nil && wf.CompletedAt != nil {
				payload["duration_seconds"] = wf.CompletedAt.Sub(*wf.StartedAt).Seconds()
			}
		case schema.WorkflowCancelled:
			trigger = protocol.TriggerWorkflowCancelled
		default:
			trigger = protocol.TriggerWorkflowFailed
			if execErr != nil {
				payload["error"] = execErr.Error()
			}
		}
		e.bus.Emit(trigger, workflowID, "", payload)

		if e.store != nil && wf.ThreadID != "" {
			status := threadStatusFor(wf.State)
			if _, serr := e.store.UpdateThread(wf.ThreadID, workset.ThreadUpdate{Status: &status}); serr != nil {
				slog.Warn("engine.thread_update_failed", "thread_id", wf.ThreadID, "error", serr)
			}
		}
	})
}

func threadStatusFor(state schema.WorkflowState) workset.ThreadStatus {
	switch state {
	case schema.WorkflowCompleted:
		return workset.ThreadCompleted
	case schema.WorkflowCancelled:
		return workset.ThreadCancelled
	default:
		return workset.ThreadFailed
	}
}

// onAgentCompleted mirrors agent output into the workflow's thread: an
// assistant message plus a tagged agent_output item linked to the thread.
func (e *Engine) onAgentCompleted(ev bus.Event) {
	wf, err := e.factory.GetWorkflow(ev.WorkflowID)
	if err != nil || wf.ThreadID == "" {
		return
	}
	role, _ := ev.Payload["role"].(string)
	output, _ := ev.Payload["output"].(string)

	_ = e.store.AddMessage(wf.ThreadID, "assistant", fmt.Sprintf("[%s] %s", role, output))
	item, err := e.store.CreateItem("", "agent_output", output, []string{role}, map[string]any{
		"workflow_id": ev.WorkflowID,
		"agent_id":    ev.AgentID,
	})
	if err != nil {
		slog.Warn("engine.item_create_failed", "workflow_id", ev.WorkflowID, "error", err)
		return
	}
	_ = e.store.LinkItemToThread(wf.ThreadID, item.ID)
}

// onAgentFailed records the failure in the workflow's thread.
func (e *Engine) onAgentFailed(ev bus.Event) {
	wf, err := e.factory.GetWorkflow(ev.WorkflowID)
	if err != nil || wf.ThreadID == "" {
		return
	}
	role, _ := ev.Payload["role"].(string)
	errMsg, _ := ev.Payload["error"].(string)
	_ = e.store.AddMessage(wf.ThreadID, "system", fmt.Sprintf("agent %s failed: %s", role, errMsg))
}
