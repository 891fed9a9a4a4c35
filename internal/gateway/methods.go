package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/voxflow/internal/webhooks"
	"github.com/nextlevelbuilder/voxflow/internal/workset"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// rpcRequest is an inbound WebSocket RPC frame.
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the reply frame.
type rpcResponse struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type methodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// methodRouter dispatches RPC methods to engine calls.
type methodRouter struct {
	methods map[string]methodFunc
}

func newMethodRouter(s *Server) *methodRouter {
	r := &methodRouter{methods: make(map[string]methodFunc)}
	eng := s.engine

	r.methods[protocol.MethodHealth] = func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
	}
	r.methods[protocol.MethodStatus] = func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{
			"workflows": len(eng.ListWorkflows()),
			"clients":   s.clientCount(),
		}, nil
	}

	r.methods[protocol.MethodCommand] = func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Utterance string         `json:"utterance"`
			Metadata  map[string]any `json:"metadata"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		wf, err := eng.ProcessVoiceCommand(ctx, p.Utterance, p.Metadata)
		if err != nil {
			return nil, err
		}
		// Execution runs in the background; the event stream carries progress.
		go func() {
			_ = eng.ExecuteWorkflow(context.Background(), wf.WorkflowID)
		}()
		return wf, nil
	}

	r.methods[protocol.MethodCompile] = func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Utterance string         `json:"utterance"`
			Metadata  map[string]any `json:"metadata"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		return eng.CompilePlan(ctx, p.Utterance, p.Metadata)
	}

	workflowID := func(params json.RawMessage) (string, error) {
		var p struct {
			WorkflowID string `json:"workflow_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return "", fmt.Errorf("parse params: %w", err)
		}
		if p.WorkflowID == "" {
			return "", fmt.Errorf("workflow_id is required")
		}
		return p.WorkflowID, nil
	}

	r.methods[protocol.MethodWorkflowGet] = func(_ context.Context, params json.RawMessage) (any, error) {
		id, err := workflowID(params)
		if err != nil {
			return nil, err
		}
		return eng.GetWorkflow(id)
	}
	r.methods[protocol.MethodWorkflowList] = func(context.Context, json.RawMessage) (any, error) {
		return eng.ListWorkflows(), nil
	}
	r.methods[protocol.MethodWorkflowCancel] = func(_ context.Context, params json.RawMessage) (any, error) {
		id, err := workflowID(params)
		if err != nil {
			return nil, err
		}
		if err := eng.CancelWorkflow(id); err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": true}, nil
	}
	r.methods[protocol.MethodWorkflowPause] = func(_ context.Context, params json.RawMessage) (any, error) {
		id, err := workflowID(params)
		if err != nil {
			return nil, err
		}
		if err := eng.PauseWorkflow(id); err != nil {
			return nil, err
		}
		return map[string]any{"paused": true}, nil
	}
	r.methods[protocol.MethodWorkflowResume] = func(_ context.Context, params json.RawMessage) (any, error) {
		id, err := workflowID(params)
		if err != nil {
			return nil, err
		}
		if err := eng.ResumeWorkflow(id); err != nil {
			return nil, err
		}
		return map[string]any{"resumed": true}, nil
	}

	r.methods[protocol.MethodAgentGet] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		return eng.GetAgent(p.AgentID)
	}

	r.methods[protocol.MethodThreadsSearch] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Query    string         `json:"query"`
			Status   string         `json:"status"`
			Metadata map[string]any `json:"metadata"`
			Limit    int            `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		return eng.Store().SearchThreads(workset.ThreadQuery{
			Query:    p.Query,
			Status:   workset.ThreadStatus(p.Status),
			Metadata: p.Metadata,
			Limit:    p.Limit,
		}), nil
	}
	r.methods[protocol.MethodItemsSearch] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Query string   `json:"query"`
			Type  string   `json:"type"`
			Tags  []string `json:"tags"`
			Limit int      `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		return eng.Store().SearchItems(workset.ItemQuery{
			Query: p.Query,
			Type:  p.Type,
			Tags:  p.Tags,
			Limit: p.Limit,
		}), nil
	}
	r.methods[protocol.MethodStoreStats] = func(context.Context, json.RawMessage) (any, error) {
		return eng.Store().Statistics(), nil
	}

	r.methods[protocol.MethodWebhooksList] = func(context.Context, json.RawMessage) (any, error) {
		return eng.Webhooks().List(), nil
	}
	r.methods[protocol.MethodWebhooksRegister] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			URL    string             `json:"url"`
			Events []protocol.Trigger `json:"events"`
			Secret string             `json:"secret"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		return eng.Webhooks().Register(p.URL, p.Events, p.Secret)
	}
	r.methods[protocol.MethodWebhooksUnregister] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		if err := eng.Webhooks().Unregister(p.ID); err != nil {
			return nil, err
		}
		return map[string]any{"unregistered": true}, nil
	}
	r.methods[protocol.MethodWebhooksStats] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		return eng.Webhooks().GetStats(p.ID), nil
	}
	r.methods[protocol.MethodWebhooksHistory] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID    string `json:"id"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		history := eng.Webhooks().History(p.ID, p.Limit)
		if history == nil {
			history = []webhooks.DeliveryRecord{}
		}
		return history, nil
	}

	return r
}

func (r *methodRouter) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	fn, ok := r.methods[req.Method]
	if !ok {
		return rpcResponse{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	result, err := fn(ctx, params)
	if err != nil {
		return rpcResponse{ID: req.ID, Error: err.Error()}
	}
	return rpcResponse{ID: req.ID, Result: result}
}
