package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Worker.MaxConcurrent != 4 {
		t.Errorf("default max_concurrent = %d, want 4", cfg.Worker.MaxConcurrent)
	}
	if cfg.Security.ApprovalTimeoutSeconds != 1800 {
		t.Errorf("default approval timeout = %d, want 1800", cfg.Security.ApprovalTimeoutSeconds)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  // comments and trailing commas are fine
  data_root: "/srv/warden",
  agent: { name: "ops-bot", trigger_aliases: ["@ops", "@bot"], },
  worker: { image: "worker:dev", timeout_seconds: 120, idle_timeout_seconds: 600, max_concurrent: 2 },
  channels: {
    telegram: { enabled: true, token: "tg-secret", allow_from: [12345, "67890"] },
  },
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataRoot != "/srv/warden" {
		t.Errorf("data_root = %q", cfg.DataRoot)
	}
	if cfg.Agent.Name != "ops-bot" {
		t.Errorf("agent name = %q", cfg.Agent.Name)
	}
	if cfg.Worker.Image != "worker:dev" || cfg.Worker.TimeoutSeconds != 120 {
		t.Errorf("worker block not applied: %+v", cfg.Worker)
	}
	// Defaults survive for unset fields.
	if cfg.Scheduler.PollIntervalSeconds != 60 {
		t.Errorf("poll interval = %d, want default 60", cfg.Scheduler.PollIntervalSeconds)
	}
	// Numeric allowlist entries coerce to strings.
	got := []string(cfg.Channels.Telegram.AllowFrom)
	if len(got) != 2 || got[0] != "12345" || got[1] != "67890" {
		t.Errorf("allow_from = %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_DATA_ROOT", "/tmp/warden-test")
	t.Setenv("WARDEN_TELEGRAM_TOKEN", "env-token")
	t.Setenv("WARDEN_POSTGRES_DSN", "postgres://u:p@localhost/warden")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataRoot != "/tmp/warden-test" {
		t.Errorf("data_root = %q", cfg.DataRoot)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set via env")
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres when DSN set", cfg.Store.Driver)
	}
	if !cfg.UsesPostgres() {
		t.Error("UsesPostgres = false")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Channels.Telegram.Token = "tg-secret"
	cfg.Security.Cop.APIKey = "cop-secret"

	cp := cfg.MaskedCopy()
	if cp.Channels.Telegram.Token != "***" {
		t.Errorf("telegram token = %q, want masked", cp.Channels.Telegram.Token)
	}
	if cp.Security.Cop.APIKey != "***" {
		t.Errorf("cop key = %q, want masked", cp.Security.Cop.APIKey)
	}
	// Empty secrets stay empty rather than showing a mask.
	if cp.Channels.Discord.Token != "" {
		t.Errorf("discord token = %q, want empty", cp.Channels.Discord.Token)
	}
	// Original untouched.
	if cfg.Channels.Telegram.Token != "tg-secret" {
		t.Error("MaskedCopy mutated the source config")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	cases := []struct {
		in, want string
	}{
		{"~/.warden", home + "/.warden"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExpandHome(tc.in); got != tc.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTriggerForFallbacks(t *testing.T) {
	cfg := Default()
	cfg.Agent.Name = "helper"
	cfg.WorkspaceDefaults.Trigger = ""

	if got := cfg.TriggerFor(nil); got != "@helper" {
		t.Errorf("TriggerFor(nil) = %q, want @helper", got)
	}

	cfg.WorkspaceDefaults.Trigger = "@default"
	if got := cfg.TriggerFor(nil); got != "@default" {
		t.Errorf("TriggerFor(nil) = %q, want @default", got)
	}
}
