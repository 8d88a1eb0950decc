// Package state defines the persistent entities of the host and the Store
// interface implemented by the sqlite and pg backends.
//
// Timestamps are ISO-8601 UTC strings with fixed millisecond precision so
// they sort lexicographically. Pending approvals and pending questions are
// deliberately NOT store entities: they live on the filesystem so
// decisions survive host restarts without a shadow copy.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the canonical timestamp format. Fixed precision keeps
// string comparison equivalent to time comparison.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// NowUTC returns the current instant in canonical form.
func NowUTC() string { return time.Now().UTC().Format(TimeLayout) }

// FormatTime renders t in canonical form.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime parses a canonical timestamp, tolerating plain RFC 3339 for
// rows written by older builds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// TrustLevel is one policy bit of a ServiceTrustConfig. The JSON forms are
// true (requires scrutiny), false (trusted) and "forbidden".
type TrustLevel int

const (
	// Trusted: the bit does not apply to this service.
	Trusted TrustLevel = iota
	// Scrutinized: the bit applies; reads taint, writes need review.
	Scrutinized
	// Forbidden: any action touching this bit is denied outright.
	Forbidden
)

func (l TrustLevel) String() string {
	switch l {
	case Scrutinized:
		return "true"
	case Forbidden:
		return "forbidden"
	default:
		return "false"
	}
}

func (l TrustLevel) MarshalJSON() ([]byte, error) {
	switch l {
	case Scrutinized:
		return []byte("true"), nil
	case Forbidden:
		return []byte(`"forbidden"`), nil
	default:
		return []byte("false"), nil
	}
}

func (l *TrustLevel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true":
		*l = Scrutinized
	case "false", "null":
		*l = Trusted
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("trust level: want bool or \"forbidden\", got %s", data)
		}
		if s != "forbidden" {
			return fmt.Errorf("trust level: unknown value %q", s)
		}
		*l = Forbidden
	}
	return nil
}

// ServiceTrustConfig declares how far a single external service is
// trusted, as four independent policy bits.
type ServiceTrustConfig struct {
	PublicSource    TrustLevel `json:"public_source"`    // returns untrusted content
	SecretData      TrustLevel `json:"secret_data"`      // returns privileged data
	PublicSink      TrustLevel `json:"public_sink"`      // writes externally observable data
	DangerousWrites TrustLevel `json:"dangerous_writes"` // mutates durable state
}

// WorkspaceSecurity is the per-workspace policy block.
type WorkspaceSecurity struct {
	Services        map[string]ServiceTrustConfig `json:"services,omitempty"`
	ContainsSecrets bool                          `json:"contains_secrets,omitempty"`
}

// Workspace is the unit of isolation and policy: one agent identity, one
// sandbox, one serialized execution lane.
type Workspace struct {
	ID              string            `json:"id"`     // canonical chat address
	Name            string            `json:"name"`   // display name
	Folder          string            `json:"folder"` // filesystem slug, unique
	Trigger         string            `json:"trigger,omitempty"`
	IsAdmin         bool              `json:"is_admin,omitempty"`
	Security        WorkspaceSecurity `json:"security"`
	ContainerConfig json.RawMessage   `json:"container_config,omitempty"` // opaque, passed to spawn
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// Message directions.
const (
	DirectionInbound       = "inbound"
	DirectionOutbound      = "outbound"
	DirectionHostNotice    = "host-notice"
	DirectionSecurityAudit = "security-audit"
)

// Message is a single chat line. (ChatID, ID) is unique; Timestamp is
// monotonic lexicographically within a chat.
type Message struct {
	ID         string            `json:"id"`
	ChatID     string            `json:"chat_id"`
	Sender     string            `json:"sender"`
	SenderName string            `json:"sender_name,omitempty"`
	Content    string            `json:"content"`
	Timestamp  string            `json:"timestamp"`
	Direction  string            `json:"direction"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ChannelCursor is the per-(channel, chat, direction) highwater mark.
// Advancement is forward-only: the store keeps max(old, new).
type ChannelCursor struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	Direction string `json:"direction"`
	Cursor    string `json:"cursor"`
}

// Session binds a workspace folder to the worker identity token used to
// resume logical conversation context. Cleared on context reset or manual
// session end.
type Session struct {
	WorkspaceFolder string `json:"workspace_folder"`
	Token           string `json:"token"`
	UpdatedAt       string `json:"updated_at"`
}

// Schedule kinds and task statuses.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"

	ContextResume   = "resume"
	ContextIsolated = "isolated"

	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ScheduledTask is an agent cron job: at next_run its prompt is enqueued
// on the owning workspace's lane.
type ScheduledTask struct {
	ID              string `json:"id"`
	WorkspaceFolder string `json:"workspace_folder"`
	ChatID          string `json:"chat_id"`
	Prompt          string `json:"prompt"`
	ScheduleKind    string `json:"schedule_kind"`  // cron | interval
	ScheduleValue   string `json:"schedule_value"` // 5-field cron or integer seconds
	ContextMode     string `json:"context_mode"`   // resume | isolated
	NextRun         string `json:"next_run"`
	LastRun         string `json:"last_run,omitempty"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// HostJob is a non-agent scheduled command executed directly on the host
// under a bounded timeout. Non-zero exit is logged, never disabling.
type HostJob struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Command        string `json:"command"`
	ScheduleKind   string `json:"schedule_kind"`
	ScheduleValue  string `json:"schedule_value"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Enabled        bool   `json:"enabled"`
	NextRun        string `json:"next_run"`
	LastRun        string `json:"last_run,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// AuditEvent records one evaluated privileged action with the taints that
// were in force at evaluation time.
type AuditEvent struct {
	ID              int64  `json:"id,omitempty"`
	Decision        string `json:"decision"`
	ToolName        string `json:"tool_name"`
	Workspace       string `json:"workspace"`
	CorruptionTaint bool   `json:"corruption_taint"`
	SecretTaint     bool   `json:"secret_taint"`
	Reason          string `json:"reason,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// ChatAlias maps a platform-specific chat id to the canonical chat id a
// workspace is keyed by. A channel may address the same logical workspace
// under several platform ids.
type ChatAlias struct {
	Channel     string `json:"channel"`
	PlatformID  string `json:"platform_id"`
	CanonicalID string `json:"canonical_id"`
}
