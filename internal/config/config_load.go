package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".voxflow")
	return &Config{
		Hub: HubConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Compiler: CompilerConfig{
			Provider:  "anthropic",
			CacheSize: 128,
		},
		Engine: EngineConfig{
			Workspace: filepath.Join(base, "workspace"),
		},
		Store: StoreConfig{
			SnapshotPath: filepath.Join(base, "workset.json"),
		},
		Audit: AuditConfig{
			Mode:       "standalone",
			SQLitePath: filepath.Join(base, "audit.db"),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only exist here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("VOXFLOW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("VOXFLOW_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("VOXFLOW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)

	envStr("VOXFLOW_HUB_TOKEN", &c.Hub.Token)
	envStr("VOXFLOW_HOST", &c.Hub.Host)
	if v := os.Getenv("VOXFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Hub.Port = port
		}
	}

	envStr("VOXFLOW_WORKSPACE", &c.Engine.Workspace)
	envStr("VOXFLOW_SNAPSHOT_PATH", &c.Store.SnapshotPath)

	envStr("VOXFLOW_POSTGRES_DSN", &c.Audit.PostgresDSN)
	envStr("VOXFLOW_AUDIT_MODE", &c.Audit.Mode)

	envStr("VOXFLOW_COMPILER_PROVIDER", &c.Compiler.Provider)
	envStr("VOXFLOW_COMPILER_MODEL", &c.Compiler.Model)

	envStr("VOXFLOW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("VOXFLOW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("VOXFLOW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
}
