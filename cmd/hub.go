package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/voxflow/internal/audit"
	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/config"
	"github.com/nextlevelbuilder/voxflow/internal/engine"
	"github.com/nextlevelbuilder/voxflow/internal/factory"
	"github.com/nextlevelbuilder/voxflow/internal/gates"
	"github.com/nextlevelbuilder/voxflow/internal/gateway"
	"github.com/nextlevelbuilder/voxflow/internal/planner"
	"github.com/nextlevelbuilder/voxflow/internal/providers"
	"github.com/nextlevelbuilder/voxflow/internal/schedule"
	"github.com/nextlevelbuilder/voxflow/internal/telemetry"
	"github.com/nextlevelbuilder/voxflow/internal/tools"
	"github.com/nextlevelbuilder/voxflow/internal/webhooks"
	"github.com/nextlevelbuilder/voxflow/internal/workset"
)

// runHub wires the full collaborator graph once and serves until SIGINT.
func runHub() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("hub.config_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("hub.telemetry_failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	provider := buildProvider(cfg)
	judge := provider

	eventBus := buildBus(cfg)
	defer eventBus.Shutdown()

	store := workset.New(cfg.Store.SnapshotPath)
	defer store.Close()

	webhookMgr := webhooks.NewManager(cfg.Webhooks.RateLimitRPS)
	registerStaticWebhooks(webhookMgr, cfg)

	sink, err := audit.Open(cfg.Audit)
	if err != nil {
		slog.Error("hub.audit_failed", "error", err)
		os.Exit(1)
	}
	defer sink.Close()
	sink.Bind(eventBus)

	compilerOpts := []planner.Option{}
	if cfg.Compiler.CacheSize > 0 {
		compilerOpts = append(compilerOpts, planner.WithCache(cfg.Compiler.CacheSize))
	}
	if cfg.Compiler.Model != "" {
		compilerOpts = append(compilerOpts, planner.WithModel(cfg.Compiler.Model))
	}

	eng := engine.New(engine.Config{
		Compiler: planner.New(compilerProvider(cfg, provider), compilerOpts...),
		Factory:  factory.New(),
		Gates:    gates.NewEngine(judge, cfg.Engine.JudgeModel, nil),
		Bus:      eventBus,
		Webhooks: webhookMgr,
		Store:    store,
		Tools:    tools.Default(cfg.Engine.Workspace),
		Provider: provider,
	})

	server := gateway.NewServer(cfg, eng)
	server.Bind(eventBus)

	if len(cfg.Schedules) > 0 {
		runner := schedule.New(cfg.Schedules, func(ctx context.Context, utterance string) error {
			wf, err := eng.ProcessVoiceCommand(ctx, utterance, map[string]any{"source": "schedule"})
			if err != nil {
				return err
			}
			return eng.ExecuteWorkflow(ctx, wf.WorkflowID)
		})
		go runner.Start(ctx)

		if stopWatch, werr := config.Watch(resolveConfigPath(), func(fresh *config.Config) {
			runner.SetSpecs(fresh.Schedules)
		}); werr == nil {
			defer stopWatch()
		} else {
			slog.Warn("hub.config_watch_failed", "error", werr)
		}
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("hub.server_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("hub.stopped")
}

// buildProvider picks the agent/judge LLM runtime from config.
func buildProvider(cfg *config.Config) providers.Provider {
	if cfg.Providers.Anthropic.APIKey != "" {
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
			providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase),
			providers.WithAnthropicModel(cfg.Providers.Anthropic.Model),
		)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		return providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.APIBase, cfg.Providers.OpenAI.Model)
	}
	slog.Warn("hub.no_llm_provider", "hint", "set ANTHROPIC_API_KEY or OPENAI_API_KEY; plan compilation falls back to keyword rules")
	return nil
}

// compilerProvider resolves which provider the plan compiler uses; an empty
// setting forces the rule path.
func compilerProvider(cfg *config.Config, fallback providers.Provider) providers.Provider {
	switch cfg.Compiler.Provider {
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey != "" {
			return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
				providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase),
				providers.WithAnthropicModel(cfg.Compiler.Model),
			)
		}
	case "openai":
		if cfg.Providers.OpenAI.APIKey != "" {
			return providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey,
				cfg.Providers.OpenAI.APIBase, cfg.Compiler.Model)
		}
	case "":
		return nil
	}
	return fallback
}

func buildBus(cfg *config.Config) *bus.Bus {
	opts := []bus.Option{}
	if cfg.Bus.QueueSize > 0 {
		opts = append(opts, bus.WithQueueSize(cfg.Bus.QueueSize))
	}
	if cfg.Bus.DrainTimeoutSecs > 0 {
		opts = append(opts, bus.WithDrainTimeout(timeSeconds(cfg.Bus.DrainTimeoutSecs)))
	}
	return bus.New(opts...)
}

func registerStaticWebhooks(mgr *webhooks.Manager, cfg *config.Config) {
	for i, sub := range cfg.Webhooks.Subscriptions {
		secret := sub.Secret
		if v := os.Getenv(webhookSecretEnv(i)); v != "" {
			secret = v
		}
		if _, err := mgr.Register(sub.URL, sub.Events, secret); err != nil {
			slog.Warn("hub.static_webhook_failed", "url", sub.URL, "error", err)
		}
	}
}
