package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Port != 18890 {
		t.Errorf("port = %d", cfg.Hub.Port)
	}
	if cfg.Audit.Mode != "standalone" {
		t.Errorf("audit mode = %q", cfg.Audit.Mode)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{
		// comments are allowed
		hub: { host: "127.0.0.1", port: 9999 },
		compiler: { provider: "openai", cache_size: 16 },
		webhooks: {
			subscriptions: [
				{ url: "https://example.com/hook", events: ["agent.completed"] },
			],
		},
		schedules: [
			{ id: "nightly", cron: "0 2 * * *", utterance: "run the nightly report", enabled: true },
		],
	}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Host != "127.0.0.1" || cfg.Hub.Port != 9999 {
		t.Errorf("hub = %+v", cfg.Hub)
	}
	if cfg.Compiler.Provider != "openai" {
		t.Errorf("compiler = %+v", cfg.Compiler)
	}
	if len(cfg.Webhooks.Subscriptions) != 1 || cfg.Webhooks.Subscriptions[0].URL != "https://example.com/hook" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].CronExpr != "0 2 * * *" {
		t.Errorf("schedules = %+v", cfg.Schedules)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"bad port", `{hub: {port: -1}}`},
		{"bad provider", `{hub: {port: 1}, compiler: {provider: "psychic"}}`},
		{"bad trigger", `{hub: {port: 1}, webhooks: {subscriptions: [{url: "http://x", events: ["nope"]}]}}`},
		{"schedule missing cron", `{hub: {port: 1}, schedules: [{id: "x", utterance: "y"}]}`},
		{"not json", `{hub: `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			os.WriteFile(path, []byte(tt.body), 0o644)
			if _, err := Load(path); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXFLOW_PORT", "7777")
	t.Setenv("VOXFLOW_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("VOXFLOW_AUDIT_MODE", "managed")
	t.Setenv("VOXFLOW_POSTGRES_DSN", "postgres://localhost/voxflow")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Port != 7777 {
		t.Errorf("port = %d", cfg.Hub.Port)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key not overlaid")
	}
	if !cfg.IsManaged() {
		t.Error("managed mode not detected")
	}
}
