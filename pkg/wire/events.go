// Package wire defines the file-based IPC wire format spoken between the
// warden host and its sandboxed workers.
//
// Every message is a UTF-8 JSON object, one object per file. Files in
// ordered streams (input/, output/) are named "<ms-epoch>-<6-hex>" so that
// lexicographic order equals creation order across processes. Reserved
// top-level keys on all objects: "type", "request_id", "timestamp".
// Unknown keys are ignored by both sides for forward compatibility.
package wire

import "encoding/json"

// Input event kinds (host → worker).
const (
	InputMessage = "message"
)

// CloseSentinel is the name of the wind-down sentinel file in a worker's
// input directory. It has no body; observing it means the worker must shut
// down and must not wait for further input.
const CloseSentinel = "_close"

// Output event kinds (worker → host).
const (
	OutputResult     = "result"
	OutputThinking   = "thinking"
	OutputToolUse    = "tool_use"
	OutputText       = "text"
	OutputToolResult = "tool_result"
	OutputSystem     = "system"
)

// InputEvent is a single host-to-worker event. Workers drain all input
// files present when they return to their wait loop and concatenate the
// Text fields in filename order, newline-delimited.
type InputEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// OutputEvent is a single worker-to-host event. Exactly one event per
// output file.
//
// A result event with an empty Result and a non-empty NewSessionToken is
// the query-done pulse: the worker finished a turn and returned to its
// input wait loop without exiting.
type OutputEvent struct {
	Type            string          `json:"type"`
	Text            string          `json:"text,omitempty"`
	Result          string          `json:"result,omitempty"`
	ToolName        string          `json:"tool_name,omitempty"`
	ToolInput       json.RawMessage `json:"tool_input,omitempty"`
	NewSessionToken string          `json:"new_session_token,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// IsQueryDonePulse reports whether the event signals end-of-turn with the
// worker still alive in its wait loop.
func (e *OutputEvent) IsQueryDonePulse() bool {
	return e.Type == OutputResult && e.Result == "" && e.NewSessionToken != ""
}
