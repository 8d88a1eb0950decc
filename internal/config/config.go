package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/warden/internal/state"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Warden host.
type Config struct {
	DataRoot          string                   `json:"data_root"`
	LogLevel          string                   `json:"log_level,omitempty"` // "debug", "info", "warn", "error"
	Agent             AgentConfig              `json:"agent"`
	WorkspaceDefaults WorkspaceDefaults        `json:"workspace_defaults"`
	Store             StoreConfig              `json:"store"`
	Worker            WorkerConfig             `json:"worker"`
	Scheduler         SchedulerConfig          `json:"scheduler"`
	Commands          CommandsConfig           `json:"commands"`
	Security          SecurityConfig           `json:"security"`
	Channels          ChannelsConfig           `json:"channels"`
	Services          map[string]ServiceConfig `json:"services,omitempty"`
	Gateway           GatewayConfig            `json:"gateway"`
	Tracing           TracingConfig            `json:"tracing"`
	mu                sync.RWMutex
}

// AgentConfig names the hosted agent and the aliases that trigger it in
// group chats. NamePrefix prepends the agent name to delivered replies
// for chats where several bots share the room.
type AgentConfig struct {
	Name           string              `json:"name"`
	TriggerAliases FlexibleStringSlice `json:"trigger_aliases,omitempty"`
	NamePrefix     bool                `json:"name_prefix,omitempty"`

	// InboundDebounceMs merges rapid messages from the same sender
	// into one turn. 0 = default (1000 ms), -1 = disabled.
	InboundDebounceMs int `json:"inbound_debounce_ms,omitempty"`
}

// WorkspaceDefaults seed new workspaces registered at runtime.
type WorkspaceDefaults struct {
	Trigger  string                  `json:"trigger,omitempty"`
	Admin    bool                    `json:"admin,omitempty"`
	Security state.WorkspaceSecurity `json:"security,omitempty"`
}

// StoreConfig selects the state backend.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// WARDEN_POSTGRES_DSN.
type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "postgres"
	Path        string `json:"path"`   // sqlite database file
	PostgresDSN string `json:"-"`
}

// WorkerConfig bounds the sandboxed worker fleet.
type WorkerConfig struct {
	Command            string   `json:"command,omitempty"` // worker entrypoint inside the container
	Args               []string `json:"args,omitempty"`
	Image              string   `json:"image"`
	BuildCommand       string   `json:"build_command,omitempty"` // rebuilds Image on redeploy; empty skips the rebuild
	TimeoutSeconds     int      `json:"timeout_seconds"`         // per-turn watchdog
	IdleTimeoutSeconds int      `json:"idle_timeout_seconds"`    // warm-worker eviction
	MaxConcurrent      int      `json:"max_concurrent"`
	MaxOutputBytes     int      `json:"max_output_bytes,omitempty"`
}

// SchedulerConfig drives the cron loop.
type SchedulerConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	TimezoneOverride    string `json:"timezone_override,omitempty"` // IANA name; empty = host zone
}

// CommandsConfig lists the magic chat commands, lowercase.
type CommandsConfig struct {
	Reset      FlexibleStringSlice `json:"reset,omitempty"`
	EndSession FlexibleStringSlice `json:"end_session,omitempty"`
	Redeploy   FlexibleStringSlice `json:"redeploy,omitempty"`
}

// SecurityConfig tunes the action gate.
type SecurityConfig struct {
	ApprovalTimeoutSeconds  int                 `json:"approval_timeout_seconds"`
	AuditRetentionDays      int                 `json:"audit_retention_days"`
	SecretsScannerDetectors FlexibleStringSlice `json:"secrets_scanner_detectors,omitempty"`
	Cop                     CopConfig           `json:"cop"`
}

// CopConfig points at the OpenAI-compatible endpoint used for secondary
// review of suspicious actions. Leaving both base URL and API key empty
// disables the reviewer (the gate then fails open on review paths).
type CopConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"token"`
	AllowFrom     FlexibleStringSlice `json:"allow_from"`
	StreamMode    string              `json:"stream_mode,omitempty"`    // "off" (default), "partial" — progress via message edits
	ReactionLevel string              `json:"reaction_level,omitempty"` // "off", "minimal", "full" (default)
}

type DiscordConfig struct {
	Enabled    bool                `json:"enabled"`
	Token      string              `json:"token"`
	AllowFrom  FlexibleStringSlice `json:"allow_from"`
	StreamMode string              `json:"stream_mode,omitempty"` // "off" (default), "partial"
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// ServiceConfig maps a gated service name to its backing handler.
type ServiceConfig struct {
	MCP *MCPConfig `json:"mcp,omitempty"`
}

// MCPConfig points a service at an MCP server. Exactly one of Command
// or URL is set; Tool names the tool to call (defaults to the service
// name).
type MCPConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Tool    string   `json:"tool,omitempty"`
}

// GatewayConfig configures the read-only ops HTTP server.
type GatewayConfig struct {
	Enabled   bool            `json:"enabled"`
	Bind      string          `json:"bind,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the ops
// gateway. Set an auth key to serve on the tailnet instead of a local
// bind address.
type TailscaleConfig struct {
	AuthKey  string `json:"auth_key,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"state_dir,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Exporter    string `json:"exporter,omitempty"` // "grpc" (default) or "http"
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// DataRootPath returns the expanded data root directory.
func (c *Config) DataRootPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.DataRoot)
}

// IPCRoot returns the root of the per-workspace IPC tree.
func (c *Config) IPCRoot() string {
	return filepath.Join(c.DataRootPath(), "ipc")
}

// WorkspacesRoot returns the directory holding workspace folders
// mounted into workers.
func (c *Config) WorkspacesRoot() string {
	return filepath.Join(c.DataRootPath(), "workspaces")
}

// StorePath returns the expanded sqlite database path.
func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.Path)
}

// ContinuationPath returns the deploy continuation file location.
func (c *Config) ContinuationPath() string {
	return filepath.Join(c.DataRootPath(), "deploy_continuation.json")
}

// ApprovalTimeout returns the pending-approval expiry as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Security.ApprovalTimeoutSeconds) * time.Second
}

// InboundDebounce returns the same-sender merge window. Zero means
// debouncing is disabled.
func (c *Config) InboundDebounce() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.Agent.InboundDebounceMs < 0:
		return 0
	case c.Agent.InboundDebounceMs == 0:
		return time.Second
	default:
		return time.Duration(c.Agent.InboundDebounceMs) * time.Millisecond
	}
}

// TurnTimeout returns the per-turn worker watchdog duration.
func (c *Config) TurnTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the warm-worker eviction duration.
func (c *Config) IdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Worker.IdleTimeoutSeconds) * time.Second
}

// UsesPostgres reports whether the postgres backend is selected and
// reachable via DSN.
func (c *Config) UsesPostgres() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Store.Driver == "postgres" && c.Store.PostgresDSN != ""
}

// TriggerFor returns the trigger word for a workspace, falling back to
// the configured default and then the agent name.
func (c *Config) TriggerFor(ws *state.Workspace) string {
	if ws != nil && ws.Trigger != "" {
		return ws.Trigger
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.WorkspaceDefaults.Trigger != "" {
		return c.WorkspaceDefaults.Trigger
	}
	return "@" + c.Agent.Name
}
