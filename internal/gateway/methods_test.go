package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/config"
	"github.com/nextlevelbuilder/voxflow/internal/engine"
	"github.com/nextlevelbuilder/voxflow/internal/factory"
	"github.com/nextlevelbuilder/voxflow/internal/gates"
	"github.com/nextlevelbuilder/voxflow/internal/planner"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/internal/webhooks"
	"github.com/nextlevelbuilder/voxflow/internal/workset"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Shutdown)
	store := workset.New("")
	t.Cleanup(store.Close)

	eng := engine.New(engine.Config{
		Compiler: planner.New(nil),
		Factory:  factory.New(),
		Gates:    gates.NewEngine(nil, "", gates.NewCustomRegistry()),
		Bus:      b,
		Webhooks: webhooks.NewManager(0),
		Store:    store,
		Runner: func(_ context.Context, agent *schema.AgentInstance, _ string) (string, error) {
			return "ok from " + agent.Role, nil
		},
	})
	return NewServer(config.Default(), eng)
}

func call(t *testing.T, s *Server, method string, params string) rpcResponse {
	t.Helper()
	return s.router.dispatch(context.Background(), rpcRequest{
		ID:     "req-1",
		Method: method,
		Params: json.RawMessage(params),
	})
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "nope.nope", `{}`)
	if resp.Error == "" || !strings.Contains(resp.Error, "unknown method") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDispatchHealth(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, protocol.MethodHealth, ``)
	if resp.Error != "" {
		t.Fatalf("health error: %s", resp.Error)
	}
}

func TestCompileMethod(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, protocol.MethodCompile, `{"utterance": "write a json parser"}`)
	if resp.Error != "" {
		t.Fatalf("compile error: %s", resp.Error)
	}
	intent, ok := resp.Result.(*schema.Intent)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if intent.Intent != "code" {
		t.Errorf("intent = %q", intent.Intent)
	}
}

func TestWorkflowLifecycleMethods(t *testing.T) {
	s := newTestServer(t)

	resp := call(t, s, protocol.MethodCommand, `{"utterance": "research go schedulers"}`)
	if resp.Error != "" {
		t.Fatalf("command error: %s", resp.Error)
	}
	wf, ok := resp.Result.(*schema.Workflow)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}

	resp = call(t, s, protocol.MethodWorkflowGet, `{"workflow_id": "`+wf.WorkflowID+`"}`)
	if resp.Error != "" {
		t.Fatalf("workflow.get error: %s", resp.Error)
	}

	resp = call(t, s, protocol.MethodWorkflowGet, `{"workflow_id": "wf_ghost"}`)
	if resp.Error == "" {
		t.Error("unknown workflow should error")
	}

	resp = call(t, s, protocol.MethodWorkflowList, `{}`)
	if resp.Error != "" {
		t.Fatalf("workflow.list error: %s", resp.Error)
	}
}

func TestWebhookMethods(t *testing.T) {
	s := newTestServer(t)

	resp := call(t, s, protocol.MethodWebhooksRegister, `{"url": "https://example.com/h", "events": ["agent.completed"], "secret": "k"}`)
	if resp.Error != "" {
		t.Fatalf("register error: %s", resp.Error)
	}
	sub := resp.Result.(*schema.WebhookSub)

	resp = call(t, s, protocol.MethodWebhooksStats, `{"id": "`+sub.ID+`"}`)
	if resp.Error != "" {
		t.Fatalf("stats error: %s", resp.Error)
	}
	resp = call(t, s, protocol.MethodWebhooksHistory, `{"id": "`+sub.ID+`"}`)
	if resp.Error != "" {
		t.Fatalf("history error: %s", resp.Error)
	}
	resp = call(t, s, protocol.MethodWebhooksUnregister, `{"id": "`+sub.ID+`"}`)
	if resp.Error != "" {
		t.Fatalf("unregister error: %s", resp.Error)
	}

	resp = call(t, s, protocol.MethodWebhooksRegister, `{"url": "", "events": ["agent.completed"]}`)
	if resp.Error == "" {
		t.Error("empty url should error")
	}
}

func TestStoreMethods(t *testing.T) {
	s := newTestServer(t)
	s.engine.Store().CreateThread("t1", map[string]any{"env": "prod"})

	resp := call(t, s, protocol.MethodThreadsSearch, `{"status": "active", "metadata": {"env": "prod"}}`)
	if resp.Error != "" {
		t.Fatalf("threads.search error: %s", resp.Error)
	}
	threads := resp.Result.([]*workset.Thread)
	if len(threads) != 1 || threads[0].ID != "t1" {
		t.Errorf("threads = %+v", threads)
	}

	resp = call(t, s, protocol.MethodStoreStats, `{}`)
	if resp.Error != "" {
		t.Fatalf("store.stats error: %s", resp.Error)
	}
}
