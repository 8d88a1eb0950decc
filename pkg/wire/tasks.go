package wire

import (
	"encoding/json"
	"strings"
)

// Task type prefixes. A privileged-action request in tasks/ carries a type
// dispatched by prefix; everything after the prefix names the concrete
// tool or verb.
const (
	PrefixService  = "service:"
	PrefixAskUser  = "ask_user:"
	PrefixSecurity = "security:"
)

// Well-known task types.
const (
	TaskBashCheck = "security:bash_check"
	TaskAsk       = "ask_user:ask"

	// Lifecycle and admin verbs.
	TaskResetContext      = "reset_context"
	TaskFinishedWork      = "finished_work"
	TaskRegisterWorkspace = "register_workspace"
	TaskCreateGroup       = "create_group"
	TaskDeploy            = "deploy"
	TaskScheduleTask      = "schedule_task"
	TaskScheduleHostJob   = "schedule_host_job"
	TaskPauseTask         = "pause_task"
	TaskResumeTask        = "resume_task"
	TaskCancelTask        = "cancel_task"
)

// TaskRequest is a privileged-action request dropped by a worker into its
// tasks/ directory. The host writes the reply to
// responses/<request_id>.json; for any (workspace, request_id) pair the
// action executes at most once.
type TaskRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ServiceName returns the tool name for service-prefixed requests, or ""
// when the request is not a service action.
func (t *TaskRequest) ServiceName() string {
	if strings.HasPrefix(t.Type, PrefixService) {
		return strings.TrimPrefix(t.Type, PrefixService)
	}
	return ""
}

// Response is the host's reply to a task request. Exactly one of Result
// and Error is set.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OKResponse wraps a handler result.
func OKResponse(result any) Response { return Response{Result: result} }

// ErrResponse wraps a handler failure or denial.
func ErrResponse(msg string) Response { return Response{Error: msg} }

// BashCheckData is the payload of a security:bash_check request. Class is
// the worker-local pre-classification of the command.
type BashCheckData struct {
	Command string `json:"command"`
	Class   string `json:"class,omitempty"` // SAFE, NETWORK or UNKNOWN
}

// AskData is the payload of an ask_user:ask request.
type AskData struct {
	Questions []Question `json:"questions"`
}

// Question is a single user-facing question, optionally with fixed
// choices.
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// AskAnswer maps question text to the user's answer; written into the
// response for the warm path and formatted into a context paragraph for
// the cold path.
type AskAnswer map[string]string

// RegisterWorkspaceData is the payload of a register_workspace request
// (admin only).
type RegisterWorkspaceData struct {
	ChatID  string `json:"chat_id"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	Trigger string `json:"trigger,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
}

// CreateGroupData is the payload of a create_group request (admin only).
// Channel names the adapter that should provision the group.
type CreateGroupData struct {
	Channel string   `json:"channel"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// ScheduleTaskData is the payload of a schedule_task request. ChatID
// defaults to the chat that invoked the worker.
type ScheduleTaskData struct {
	Prompt        string `json:"prompt"`
	ScheduleKind  string `json:"schedule_kind"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode,omitempty"`
	ChatID        string `json:"chat_id,omitempty"`
}

// ScheduleHostJobData is the payload of a schedule_host_job request
// (admin only).
type ScheduleHostJobData struct {
	Name           string `json:"name"`
	Command        string `json:"command"`
	ScheduleKind   string `json:"schedule_kind"`
	ScheduleValue  string `json:"schedule_value"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// TaskRefData addresses an existing scheduled task by id or unique id
// prefix.
type TaskRefData struct {
	TaskID string `json:"task_id"`
}

// FinishedWorkData optionally names the scheduled task a worker just
// completed.
type FinishedWorkData struct {
	TaskID string `json:"task_id,omitempty"`
	Note   string `json:"note,omitempty"`
}
