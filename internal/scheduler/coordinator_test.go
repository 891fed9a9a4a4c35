package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/factory"
	"github.com/nextlevelbuilder/voxflow/internal/gates"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// eventRecorder collects bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byTrigger(trigger protocol.Trigger) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Trigger == trigger {
			out = append(out, ev)
		}
	}
	return out
}

type testRig struct {
	factory *factory.Factory
	bus     *bus.Bus
	coord   *Coordinator
	rec     *eventRecorder
}

func newRig(t *testing.T, runner AgentRunner) *testRig {
	t.Helper()
	f := factory.New()
	b := bus.New()
	t.Cleanup(b.Shutdown)
	rec := &eventRecorder{}
	b.SubscribeAll(rec.record)
	coord := New(f, gates.NewEngine(nil, "", gates.NewCustomRegistry()), b, runner)
	return &testRig{factory: f, bus: b, coord: coord, rec: rec}
}

func basePlan(children ...schema.AgentConfig) *schema.Plan {
	return &schema.Plan{
		WorkflowID:     "wf_1",
		ParentRole:     "orchestrator",
		ParentPrompt:   "coordinate",
		Children:       children,
		MaxParallel:    5,
		TimeoutSeconds: 300,
	}
}

func TestExecuteChain(t *testing.T) {
	var mu sync.Mutex
	prompts := map[string]string{}
	runner := func(_ context.Context, agent *schema.AgentInstance, prompt string) (string, error) {
		mu.Lock()
		prompts[agent.Role] = prompt
		mu.Unlock()
		return "output of " + agent.Role, nil
	}

	rig := newRig(t, runner)
	plan := basePlan(
		schema.AgentConfig{Role: "code", SystemPrompt: "write code"},
		schema.AgentConfig{Role: "test", SystemPrompt: "test code", DependsOn: []string{"code"}},
	)
	rig.factory.CreateWorkflow(plan, nil)

	if err := rig.coord.Execute(context.Background(), "wf_1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowCompleted {
		t.Errorf("workflow state = %q", wf.State)
	}

	code := wf.ChildAgents["code"]
	tst := wf.ChildAgents["test"]
	if code.State != schema.AgentCompleted || tst.State != schema.AgentCompleted {
		t.Fatalf("agent states = %q, %q", code.State, tst.State)
	}
	// Dependency-before-dependent: code finished before test started.
	if code.CompletedAt.After(*tst.StartedAt) {
		t.Error("dependency completed after dependent started")
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(prompts["test"], "code output: output of code") {
		t.Errorf("dependent prompt missing dependency output: %q", prompts["test"])
	}

	rig.bus.Shutdown()
	if got := len(rig.rec.byTrigger(protocol.TriggerAgentCompleted)); got != 2 {
		t.Errorf("agent.completed events = %d, want 2", got)
	}
}

func TestInvalidPlanNeverRuns(t *testing.T) {
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		t.Error("runner must not be invoked for a cyclic plan")
		return "", nil
	}
	rig := newRig(t, runner)
	plan := basePlan(
		schema.AgentConfig{Role: "a", DependsOn: []string{"b"}},
		schema.AgentConfig{Role: "b", DependsOn: []string{"a"}},
	)
	rig.factory.CreateWorkflow(plan, nil)

	err := rig.coord.Execute(context.Background(), "wf_1")
	if !errors.Is(err, schema.ErrInvalidPlan) {
		t.Fatalf("Execute = %v, want ErrInvalidPlan", err)
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowFailed {
		t.Errorf("workflow state = %q, want failed", wf.State)
	}

	rig.bus.Shutdown()
	for _, trigger := range []protocol.Trigger{protocol.TriggerAgentStarted, protocol.TriggerAgentCompleted, protocol.TriggerAgentFailed} {
		if evs := rig.rec.byTrigger(trigger); len(evs) != 0 {
			t.Errorf("unexpected %s events: %d", trigger, len(evs))
		}
	}
}

func TestGateRetrySuccess(t *testing.T) {
	var calls atomic.Int32
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		if calls.Add(1) == 1 {
			return "maybe", nil
		}
		return "yes", nil
	}
	rig := newRig(t, runner)

	cfg, _ := json.Marshal(map[string]string{"pattern": "^yes$"})
	plan := basePlan(schema.AgentConfig{
		Role: "responder",
		QualityGates: []schema.QualityGate{{
			GateID:      "g_affirm",
			Kind:        schema.GateRegex,
			Config:      cfg,
			RetryOnFail: true,
			MaxRetries:  2,
		}},
	})
	rig.factory.CreateWorkflow(plan, nil)

	if err := rig.coord.Execute(context.Background(), "wf_1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("agent invocations = %d, want 2", got)
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	agent := wf.ChildAgents["responder"]
	if agent.State != schema.AgentCompleted || agent.Output != "yes" {
		t.Errorf("agent = state %q output %q", agent.State, agent.Output)
	}
	if agent.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", agent.RetryCount)
	}

	rig.bus.Shutdown()
	passed := rig.rec.byTrigger(protocol.TriggerGatePassed)
	if len(passed) != 1 {
		t.Fatalf("quality_gate.passed events = %d, want 1", len(passed))
	}
	if passed[0].Payload["retry_attempted"] != true {
		t.Errorf("retry_attempted = %v", passed[0].Payload["retry_attempted"])
	}
	if wf.State != schema.WorkflowCompleted {
		t.Errorf("workflow state = %q", wf.State)
	}
}

func TestGateFailureFailsWorkflow(t *testing.T) {
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		return "always wrong", nil
	}
	rig := newRig(t, runner)

	cfg, _ := json.Marshal(map[string]string{"pattern": "^yes$"})
	plan := basePlan(schema.AgentConfig{
		Role:         "responder",
		QualityGates: []schema.QualityGate{{GateID: "g", Kind: schema.GateRegex, Config: cfg}},
	})
	rig.factory.CreateWorkflow(plan, nil)

	err := rig.coord.Execute(context.Background(), "wf_1")
	if !errors.Is(err, schema.ErrAgent) {
		t.Fatalf("Execute = %v, want ErrAgent", err)
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowFailed {
		t.Errorf("workflow state = %q", wf.State)
	}
	agent := wf.ChildAgents["responder"]
	if agent.State != schema.AgentFailed {
		t.Errorf("agent state = %q", agent.State)
	}
	if !strings.Contains(agent.Error, "gate_failed") {
		t.Errorf("agent error = %q", agent.Error)
	}
}

func TestLevelFailureStopsLaterLevels(t *testing.T) {
	var secondLevelRan atomic.Bool
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		if agent.Role == "fetch" {
			return "", errors.New("network down")
		}
		secondLevelRan.Store(true)
		return "ok", nil
	}
	rig := newRig(t, runner)
	plan := basePlan(
		schema.AgentConfig{Role: "fetch"},
		schema.AgentConfig{Role: "report", DependsOn: []string{"fetch"}},
	)
	rig.factory.CreateWorkflow(plan, nil)

	err := rig.coord.Execute(context.Background(), "wf_1")
	if !errors.Is(err, schema.ErrAgent) {
		t.Fatalf("Execute = %v, want ErrAgent", err)
	}
	if secondLevelRan.Load() {
		t.Error("level after a failed level was scheduled")
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowFailed {
		t.Errorf("workflow state = %q", wf.State)
	}
	if wf.ChildAgents["fetch"].State != schema.AgentFailed {
		t.Errorf("fetch state = %q", wf.ChildAgents["fetch"].State)
	}
	// report was never spawned into a terminal run.
	if report, ok := wf.ChildAgents["report"]; ok && report.State == schema.AgentCompleted {
		t.Error("dependent agent completed despite failed dependency")
	}

	rig.bus.Shutdown()
	if evs := rig.rec.byTrigger(protocol.TriggerAgentFailed); len(evs) != 1 {
		t.Errorf("agent.failed events = %d, want 1", len(evs))
	}
}

func TestParallelBound(t *testing.T) {
	var current, peak atomic.Int32
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return "done", nil
	}
	rig := newRig(t, runner)
	plan := basePlan(
		schema.AgentConfig{Role: "w1"},
		schema.AgentConfig{Role: "w2"},
		schema.AgentConfig{Role: "w3"},
		schema.AgentConfig{Role: "w4"},
		schema.AgentConfig{Role: "w5"},
	)
	plan.MaxParallel = 2
	rig.factory.CreateWorkflow(plan, nil)

	if err := rig.coord.Execute(context.Background(), "wf_1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want ≤ 2", got)
	}
}

func TestCancelMidLevel(t *testing.T) {
	block := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	runner := func(ctx context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		started.Done()
		select {
		case <-block:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	rig := newRig(t, runner)
	plan := basePlan(
		schema.AgentConfig{Role: "a"},
		schema.AgentConfig{Role: "b"},
		schema.AgentConfig{Role: "c"},
	)
	rig.factory.CreateWorkflow(plan, nil)

	execDone := make(chan error, 1)
	go func() { execDone <- rig.coord.Execute(context.Background(), "wf_1") }()

	started.Wait()
	if err := rig.coord.Cancel("wf_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-execDone:
		if !errors.Is(err, schema.ErrCancelled) {
			t.Errorf("Execute = %v, want ErrCancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowCancelled {
		t.Errorf("workflow state = %q", wf.State)
	}
	for role, agent := range wf.ChildAgents {
		if agent.State != schema.AgentCancelled && agent.State != schema.AgentCompleted {
			t.Errorf("agent %s state = %q, want cancelled or completed", role, agent.State)
		}
	}
	close(block)
}

func TestCancelTerminalWorkflowRejected(t *testing.T) {
	runner := func(_ context.Context, _ *schema.AgentInstance, _ string) (string, error) { return "ok", nil }
	rig := newRig(t, runner)
	rig.factory.CreateWorkflow(basePlan(schema.AgentConfig{Role: "solo"}), nil)
	rig.coord.Execute(context.Background(), "wf_1")

	if err := rig.coord.Cancel("wf_1"); !errors.Is(err, schema.ErrValidation) {
		t.Errorf("Cancel on completed workflow = %v, want ErrValidation", err)
	}
}

func TestWorkflowTimeout(t *testing.T) {
	runner := func(ctx context.Context, _ *schema.AgentInstance, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	rig := newRig(t, runner)
	plan := basePlan(schema.AgentConfig{Role: "slow"})
	plan.TimeoutSeconds = 0 // deadline expires immediately
	rig.factory.CreateWorkflow(plan, nil)

	err := rig.coord.Execute(context.Background(), "wf_1")
	if !errors.Is(err, schema.ErrCancelled) {
		t.Fatalf("Execute = %v, want ErrCancelled", err)
	}
	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowCancelled {
		t.Errorf("workflow state = %q, want cancelled", wf.State)
	}
}

func TestEscalationRecoversOutput(t *testing.T) {
	runner := func(_ context.Context, agent *schema.AgentInstance, prompt string) (string, error) {
		if agent.Role == "reviewer" {
			if !strings.Contains(prompt, "always wrong") {
				return "", errors.New("escalation prompt missing rejected output")
			}
			return "yes", nil
		}
		return "always wrong", nil
	}
	rig := newRig(t, runner)

	cfg, _ := json.Marshal(map[string]string{"pattern": "^yes$"})
	plan := basePlan(
		schema.AgentConfig{
			Role: "worker",
			QualityGates: []schema.QualityGate{{
				GateID:           "g",
				Kind:             schema.GateRegex,
				Config:           cfg,
				EscalateOnFail:   true,
				EscalationTarget: "reviewer",
			}},
		},
		schema.AgentConfig{Role: "reviewer", DependsOn: []string{"worker"}},
	)
	rig.factory.CreateWorkflow(plan, nil)

	if err := rig.coord.Execute(context.Background(), "wf_1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wf, _ := rig.factory.GetWorkflow("wf_1")
	if wf.State != schema.WorkflowCompleted {
		t.Fatalf("workflow state = %q", wf.State)
	}
	if out := wf.ChildAgents["worker"].Output; out != "yes" {
		t.Errorf("worker output = %q, want escalation result", out)
	}
}

func TestEscalationFailure(t *testing.T) {
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		if agent.Role == "reviewer" {
			return "", errors.New("reviewer also down")
		}
		return "always wrong", nil
	}
	rig := newRig(t, runner)

	cfg, _ := json.Marshal(map[string]string{"pattern": "^yes$"})
	plan := basePlan(
		schema.AgentConfig{
			Role: "worker",
			QualityGates: []schema.QualityGate{{
				GateID:           "g",
				Kind:             schema.GateRegex,
				Config:           cfg,
				EscalateOnFail:   true,
				EscalationTarget: "reviewer",
			}},
		},
		schema.AgentConfig{Role: "reviewer", DependsOn: []string{"worker"}},
	)
	rig.factory.CreateWorkflow(plan, nil)

	err := rig.coord.Execute(context.Background(), "wf_1")
	if !errors.Is(err, schema.ErrAgent) {
		t.Fatalf("Execute = %v, want ErrAgent", err)
	}
	wf, _ := rig.factory.GetWorkflow("wf_1")
	worker := wf.ChildAgents["worker"]
	if !strings.Contains(worker.Error, "escalation_failed") {
		t.Errorf("worker error = %q, want escalation_failed", worker.Error)
	}
}

func TestPauseBlocksNextLevel(t *testing.T) {
	levelGate := make(chan struct{})
	var level2Started atomic.Bool
	runner := func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
		if agent.Role == "first" {
			<-levelGate
			return "done", nil
		}
		level2Started.Store(true)
		return "done", nil
	}
	rig := newRig(t, runner)
	plan := basePlan(
		schema.AgentConfig{Role: "first"},
		schema.AgentConfig{Role: "second", DependsOn: []string{"first"}},
	)
	rig.factory.CreateWorkflow(plan, nil)

	execDone := make(chan error, 1)
	go func() { execDone <- rig.coord.Execute(context.Background(), "wf_1") }()

	// Wait for the workflow to be running, pause it, then let level 0 finish.
	waitState(t, rig.factory, "wf_1", schema.WorkflowRunning)
	if err := rig.coord.Pause("wf_1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(levelGate)

	time.Sleep(50 * time.Millisecond)
	if level2Started.Load() {
		t.Fatal("paused workflow scheduled the next level")
	}

	if err := rig.coord.Resume("wf_1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case err := <-execDone:
		if err != nil {
			t.Fatalf("Execute after resume: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Execute did not finish after resume")
	}
	if !level2Started.Load() {
		t.Error("second level never ran after resume")
	}
}

func waitState(t *testing.T, f *factory.Factory, workflowID string, want schema.WorkflowState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, err := f.WorkflowState(workflowID); err == nil && state == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("workflow never reached state %s", want)
}
