// Package approvals owns the two file-backed wait states a worker can
// enter: privileged actions parked for a human decision, and ask_user
// questions parked for a chat reply. Both survive host restarts; the
// files under each workspace's IPC tree are the source of truth and the
// in-memory state is only an index over them.
package approvals

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/warden/internal/fsatomic"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Handler types stored on a pending approval. Service requests replay
// through the service registry; ipc requests replay through the bash
// gate path.
const (
	HandlerService = "service"
	HandlerIPC     = "ipc"
)

// ShortIDLen is how much of the request UUID is shown in chat.
const ShortIDLen = 8

var (
	ErrNotFound  = errors.New("approvals: no match")
	ErrAmbiguous = errors.New("approvals: short id matches more than one pending request")
)

// PendingApproval is one privileged request awaiting a human decision.
type PendingApproval struct {
	RequestID       string          `json:"request_id"`
	ShortID         string          `json:"short_id"`
	ToolName        string          `json:"tool_name"`
	SourceWorkspace string          `json:"source_workspace"`
	ChatID          string          `json:"chat_id"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	HandlerType     string          `json:"handler_type"`
	Summary         string          `json:"summary,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

// PendingQuestion is one worker blocked on the ask_user flow.
type PendingQuestion struct {
	RequestID       string          `json:"request_id"`
	SourceWorkspace string          `json:"source_workspace"`
	ChatID          string          `json:"chat_id"`
	ChannelName     string          `json:"channel_name,omitempty"`
	SessionToken    string          `json:"session_token,omitempty"`
	Questions       []wire.Question `json:"questions"`
	MessageID       string          `json:"message_id,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

// Decision is the file a channel (or the ops drop directory) writes to
// resolve a pending approval.
type Decision struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"` // "approve" or "deny"
	DecidedBy string `json:"decided_by,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ShortID returns the chat-facing prefix of a request id.
func ShortID(requestID string) string {
	if len(requestID) <= ShortIDLen {
		return requestID
	}
	return requestID[:ShortIDLen]
}

// readJSON loads one record file; a missing file returns os.ErrNotExist.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON persists one record atomically.
func writeJSON(path string, v any) error {
	return fsatomic.WriteJSON(path, v)
}

// recordFiles lists the .json records in a directory, oldest first by
// name. Missing directory yields nil.
func recordFiles(dir string) ([]string, error) {
	names, err := fsatomic.ListOrdered(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if strings.HasSuffix(name, ".json") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out, nil
}
