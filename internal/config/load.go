package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataRoot: "~/.warden",
		LogLevel: "info",
		Agent: AgentConfig{
			Name: "assistant",
		},
		WorkspaceDefaults: WorkspaceDefaults{
			Trigger: "@assistant",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.warden/warden.db",
		},
		Worker: WorkerConfig{
			Command:            "warden-worker",
			Image:              "warden-worker:latest",
			TimeoutSeconds:     300,
			IdleTimeoutSeconds: 600,
			MaxConcurrent:      4,
			MaxOutputBytes:     262144,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 60,
		},
		Commands: CommandsConfig{
			Reset:      FlexibleStringSlice{"reset"},
			EndSession: FlexibleStringSlice{"end", "session end"},
			Redeploy:   FlexibleStringSlice{"redeploy"},
		},
		Security: SecurityConfig{
			ApprovalTimeoutSeconds: 1800,
			AuditRetentionDays:     30,
			Cop: CopConfig{
				TimeoutSeconds: 20,
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				StreamMode:    "off",
				ReactionLevel: "full",
			},
		},
		Gateway: GatewayConfig{
			Bind: "127.0.0.1:8790",
			Tailscale: TailscaleConfig{
				Hostname: "warden",
			},
		},
		Tracing: TracingConfig{
			Exporter:    "grpc",
			ServiceName: "warden",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WARDEN_DATA_ROOT", &c.DataRoot)
	envStr("WARDEN_LOG_LEVEL", &c.LogLevel)
	envStr("WARDEN_TZ", &c.Scheduler.TimezoneOverride)

	envStr("WARDEN_POSTGRES_DSN", &c.Store.PostgresDSN)
	if c.Store.PostgresDSN != "" {
		c.Store.Driver = "postgres"
	}

	envStr("WARDEN_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("WARDEN_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env
	if os.Getenv("WARDEN_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("WARDEN_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("WARDEN_COP_API_KEY", &c.Security.Cop.APIKey)

	envStr("WARDEN_TRACE_ENDPOINT", &c.Tracing.Endpoint)
	if c.Tracing.Endpoint != "" && os.Getenv("WARDEN_TRACE_ENDPOINT") != "" {
		c.Tracing.Enabled = true
	}

	envStr("WARDEN_WORKER_IMAGE", &c.Worker.Image)
	if v := os.Getenv("WARDEN_GATEWAY_BIND"); v != "" {
		c.Gateway.Bind = v
		c.Gateway.Enabled = true
	}
	if v := os.Getenv("WARDEN_APPROVAL_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.Security.ApprovalTimeoutSeconds = sec
		}
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after mutating config fields to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by the ops gateway so clients never see credentials.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Security.Cop.APIKey)
	maskNonEmpty(&cp.Gateway.Tailscale.AuthKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
