package protocol

// ProtocolVersion is bumped on breaking changes to the WS/HTTP surface.
const ProtocolVersion = 1

// RPC method names accepted over the gateway WebSocket.
const (
	// Orchestration
	MethodCommand        = "command"          // compile + execute an utterance
	MethodCompile        = "command.compile"  // compile only, return the plan
	MethodWorkflowGet    = "workflow.get"
	MethodWorkflowList   = "workflow.list"
	MethodWorkflowCancel = "workflow.cancel"
	MethodWorkflowPause  = "workflow.pause"
	MethodWorkflowResume = "workflow.resume"
	MethodAgentGet       = "agent.get"

	// Working set
	MethodThreadsSearch = "threads.search"
	MethodItemsSearch   = "items.search"
	MethodStoreStats    = "store.stats"

	// Webhook subscriptions
	MethodWebhooksList       = "webhooks.list"
	MethodWebhooksRegister   = "webhooks.register"
	MethodWebhooksUnregister = "webhooks.unregister"
	MethodWebhooksStats      = "webhooks.stats"
	MethodWebhooksHistory    = "webhooks.history"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
