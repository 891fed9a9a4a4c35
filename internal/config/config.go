// Package config loads the hub configuration: JSON5 file with env-var
// overlays. Secrets (API keys, Postgres DSN) come from env only and are
// never persisted.
package config

import (
	"fmt"

	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// Config is the root configuration for the voxflow hub.
type Config struct {
	Hub       HubConfig       `json:"hub"`
	Compiler  CompilerConfig  `json:"compiler"`
	Providers ProvidersConfig `json:"providers"`
	Engine    EngineConfig    `json:"engine"`
	Store     StoreConfig     `json:"store"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Webhooks  WebhooksConfig  `json:"webhooks,omitempty"`
	Audit     AuditConfig     `json:"audit,omitempty"`
	Schedules []ScheduleSpec  `json:"schedules,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// HubConfig configures the WebSocket/HTTP gateway.
type HubConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env VOXFLOW_HUB_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// CompilerConfig configures the plan compiler.
type CompilerConfig struct {
	Provider  string `json:"provider"` // "anthropic", "openai", "" = rule path only
	Model     string `json:"model,omitempty"`
	CacheSize int    `json:"cache_size,omitempty"` // 0 disables memoization
}

// ProviderConfig holds one LLM provider's settings. API keys come from env.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ProvidersConfig lists the configured LLM providers.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// EngineConfig configures agent execution.
type EngineConfig struct {
	Workspace  string `json:"workspace"`
	JudgeModel string `json:"judge_model,omitempty"` // llm_judge gate default model
}

// StoreConfig configures the working-set store.
type StoreConfig struct {
	SnapshotPath string `json:"snapshot_path"` // empty disables persistence
}

// BusConfig configures the event bus.
type BusConfig struct {
	QueueSize        int `json:"queue_size,omitempty"`
	DrainTimeoutSecs int `json:"drain_timeout_seconds,omitempty"`
}

// StaticWebhook declares a webhook subscription in the config file.
type StaticWebhook struct {
	URL    string             `json:"url"`
	Events []protocol.Trigger `json:"events"`
	Secret string             `json:"-"` // from env VOXFLOW_WEBHOOK_SECRET_<n> only
}

// WebhooksConfig configures outbound webhook delivery.
type WebhooksConfig struct {
	RateLimitRPS  float64         `json:"rate_limit_rps,omitempty"` // 0 disables the limit
	Subscriptions []StaticWebhook `json:"subscriptions,omitempty"`
}

// AuditConfig configures the append-only audit sink.
// PostgresDSN is NEVER read from the config file (secret) — only from env
// VOXFLOW_POSTGRES_DSN.
type AuditConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default, sqlite) or "managed" (postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// IsManaged reports whether the hub runs against Postgres.
func (c *Config) IsManaged() bool {
	return c.Audit.Mode == "managed" && c.Audit.PostgresDSN != ""
}

// ScheduleSpec is a recurring voice command.
type ScheduleSpec struct {
	ID        string `json:"id"`
	CronExpr  string `json:"cron"`
	Utterance string `json:"utterance"`
	Enabled   bool   `json:"enabled"`
}

// TelemetryConfig configures OTLP trace export. Empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
}

// Validate rejects configurations the hub cannot start with.
func (c *Config) Validate() error {
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port %d out of range", c.Hub.Port)
	}
	switch c.Compiler.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("compiler.provider %q unknown", c.Compiler.Provider)
	}
	switch c.Audit.Mode {
	case "", "standalone", "managed":
	default:
		return fmt.Errorf("audit.mode %q unknown", c.Audit.Mode)
	}
	for _, sub := range c.Webhooks.Subscriptions {
		if sub.URL == "" {
			return fmt.Errorf("webhook subscription without url")
		}
		for _, ev := range sub.Events {
			if !ev.Valid() {
				return fmt.Errorf("webhook subscription %s: unknown trigger %q", sub.URL, ev)
			}
		}
	}
	for _, sched := range c.Schedules {
		if sched.CronExpr == "" || sched.Utterance == "" {
			return fmt.Errorf("schedule %q needs cron and utterance", sched.ID)
		}
	}
	return nil
}
