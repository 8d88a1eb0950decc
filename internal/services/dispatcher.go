package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/scheduler"
	"github.com/nextlevelbuilder/warden/internal/security"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/worker"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Deployer triggers the rebuild-and-restart flow. Implemented by the
// deploy manager; wired after construction.
type Deployer interface {
	Redeploy(ctx context.Context, chatID string) error
}

// GroupCreator provisions a group chat on a messaging channel.
// Implemented by the channel manager; wired after construction.
type GroupCreator interface {
	CreateGroup(ctx context.Context, channel, name string, members []string) (string, error)
}

// Dispatcher routes every task request a worker drops into tasks/:
// gated service calls, bash checks, user questions and the lifecycle
// verbs. Exactly one response file per request id; escalated requests
// get theirs from the approvals manager instead of from here.
type Dispatcher struct {
	cfg       *config.Config
	store     state.Store
	gates     *security.Registry
	approvals *approvals.Manager
	services  *Registry
	loc       *time.Location

	mu     sync.Mutex
	deploy Deployer
	groups GroupCreator
	tracer trace.Tracer
}

func NewDispatcher(cfg *config.Config, store state.Store, gates *security.Registry, apr *approvals.Manager, services *Registry, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		gates:     gates,
		approvals: apr,
		services:  services,
		loc:       loc,
	}
}

// SetDeployer wires the redeploy verb. Deploy requests before wiring
// are refused.
func (d *Dispatcher) SetDeployer(dep Deployer) {
	d.mu.Lock()
	d.deploy = dep
	d.mu.Unlock()
}

// SetGroupCreator wires the create_group verb.
func (d *Dispatcher) SetGroupCreator(gc GroupCreator) {
	d.mu.Lock()
	d.groups = gc
	d.mu.Unlock()
}

// SetTracer instruments dispatch with one span per task request.
func (d *Dispatcher) SetTracer(t trace.Tracer) {
	d.tracer = t
}

// Dispatch handles one task request. Called from the worker manager on
// its own goroutine per request.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) {
	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "task."+req.Type, trace.WithAttributes(
			attribute.String("workspace", sess.Workspace.Folder),
			attribute.String("request_id", req.RequestID),
		))
		defer span.End()
	}

	resp, deferred := d.handle(ctx, sess, req)
	if deferred {
		if span != nil {
			span.SetAttributes(attribute.Bool("escalated", true))
		}
		return
	}
	if span != nil && resp.Error != "" {
		span.SetStatus(codes.Error, resp.Error)
	}
	if _, err := sess.Writer().WriteResponse(req.RequestID, resp); err != nil {
		slog.Error("task response write failed",
			"workspace", sess.Workspace.Folder, "request_id", req.RequestID, "error", err)
	}
}

// handle returns the response, or deferred=true when the request is now
// parked behind a pending approval or question.
func (d *Dispatcher) handle(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) (wire.Response, bool) {
	switch {
	case req.Type == wire.TaskBashCheck:
		return d.bashCheck(ctx, sess, req)
	case req.Type == wire.TaskAsk:
		return d.ask(ctx, sess, req)
	case strings.HasPrefix(req.Type, wire.PrefixService):
		return d.serviceCall(ctx, sess, req)
	}
	return d.lifecycle(ctx, sess, req), false
}

// --- gated paths ---

func (d *Dispatcher) bashCheck(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) (wire.Response, bool) {
	var data wire.BashCheckData
	if err := json.Unmarshal(req.Data, &data); err != nil || data.Command == "" {
		return wire.ErrResponse("bash_check: missing command"), false
	}

	gate, ok := d.gates.Get(sess.GateKey())
	if !ok {
		return wire.ErrResponse("no security gate for this invocation"), false
	}

	v := gate.EvaluateBash(ctx, data.Command, security.BashClass(data.Class))
	switch v.Decision {
	case security.DecisionAllow:
		return wire.OKResponse(map[string]string{"decision": "allow"}), false
	case security.DecisionDeny:
		return wire.ErrResponse(v.Reason), false
	}

	err := d.approvals.Create(ctx, &approvals.PendingApproval{
		RequestID:       req.RequestID,
		ToolName:        "bash",
		SourceWorkspace: sess.Workspace.Folder,
		ChatID:          sess.ChatID,
		RequestData:     req.Data,
		HandlerType:     approvals.HandlerIPC,
		Summary:         summarize("run shell command", data.Command),
	})
	if err != nil {
		return wire.ErrResponse("escalation failed: " + err.Error()), false
	}
	return wire.Response{}, true
}

func (d *Dispatcher) ask(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) (wire.Response, bool) {
	var data wire.AskData
	if err := json.Unmarshal(req.Data, &data); err != nil || len(data.Questions) == 0 {
		return wire.ErrResponse("ask: no questions"), false
	}

	// The stored token lets the cold path resume the same logical
	// conversation after the worker has gone away.
	token, err := d.store.GetSession(ctx, sess.Workspace.Folder)
	if err != nil && err != state.ErrNotFound {
		slog.Warn("session token lookup failed", "workspace", sess.Workspace.Folder, "error", err)
	}

	q := &approvals.PendingQuestion{
		RequestID:       req.RequestID,
		SourceWorkspace: sess.Workspace.Folder,
		ChatID:          sess.ChatID,
		SessionToken:    token,
		Questions:       data.Questions,
	}
	if err := d.approvals.CreateQuestion(ctx, q); err != nil {
		return wire.ErrResponse("ask delivery failed: " + err.Error()), false
	}
	return wire.Response{}, true
}

func (d *Dispatcher) serviceCall(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) (wire.Response, bool) {
	name := req.ServiceName()
	if name == "" {
		return wire.ErrResponse("empty service name"), false
	}
	handler, ok := d.services.Get(name)
	if !ok {
		return wire.ErrResponse(fmt.Sprintf("unknown service %q", name)), false
	}
	gate, ok := d.gates.Get(sess.GateKey())
	if !ok {
		return wire.ErrResponse("no security gate for this invocation"), false
	}

	v := gate.Evaluate(ctx, security.Action{
		Service:   name,
		Tool:      req.Type,
		Payload:   string(req.Data),
		Summary:   summarize("call service "+name, string(req.Data)),
		RequestID: req.RequestID,
	})
	switch v.Decision {
	case security.DecisionDeny:
		return wire.ErrResponse(v.Reason), false
	case security.DecisionNeedsHuman:
		err := d.approvals.Create(ctx, &approvals.PendingApproval{
			RequestID:       req.RequestID,
			ToolName:        req.Type,
			SourceWorkspace: sess.Workspace.Folder,
			ChatID:          sess.ChatID,
			RequestData:     req.Data,
			HandlerType:     approvals.HandlerService,
			Summary:         summarize("call service "+name, string(req.Data)),
		})
		if err != nil {
			return wire.ErrResponse("escalation failed: " + err.Error()), false
		}
		return wire.Response{}, true
	}

	result, err := handler(ctx, req)
	if err != nil {
		return wire.ErrResponse(err.Error()), false
	}
	return wire.OKResponse(result), false
}

// Execute replays an approved request. Service approvals re-run the
// stored call; bash approvals just release the worker, which executes
// the command itself inside its sandbox.
func (d *Dispatcher) Execute(ctx context.Context, p *approvals.PendingApproval) (any, error) {
	switch p.HandlerType {
	case approvals.HandlerIPC:
		return map[string]string{"decision": "allow"}, nil
	case approvals.HandlerService:
		name := strings.TrimPrefix(p.ToolName, wire.PrefixService)
		handler, ok := d.services.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		return handler(ctx, &wire.TaskRequest{
			Type:      p.ToolName,
			RequestID: p.RequestID,
			Data:      p.RequestData,
		})
	default:
		return nil, fmt.Errorf("unknown handler type %q", p.HandlerType)
	}
}

// --- lifecycle verbs ---

func (d *Dispatcher) lifecycle(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) wire.Response {
	folder := sess.Workspace.Folder

	switch req.Type {
	case wire.TaskResetContext:
		if err := d.store.ClearSession(ctx, folder); err != nil {
			return wire.ErrResponse("reset failed: " + err.Error())
		}
		slog.Info("context reset requested by worker", "workspace", folder)
		return wire.OKResponse(map[string]string{"status": "reset"})

	case wire.TaskFinishedWork:
		var data wire.FinishedWorkData
		_ = json.Unmarshal(req.Data, &data)
		if data.TaskID != "" {
			if err := d.store.SetTaskStatus(ctx, data.TaskID, state.TaskCompleted); err != nil {
				return wire.ErrResponse(err.Error())
			}
			d.refreshTaskSnapshot(ctx, sess)
		}
		slog.Info("worker reported work finished", "workspace", folder, "task_id", data.TaskID)
		return wire.OKResponse(map[string]string{"status": "ok"})

	case wire.TaskRegisterWorkspace:
		return d.registerWorkspace(ctx, sess, req)

	case wire.TaskCreateGroup:
		return d.createGroup(ctx, sess, req)

	case wire.TaskDeploy:
		return d.triggerDeploy(ctx, sess)

	case wire.TaskScheduleTask:
		return d.scheduleTask(ctx, sess, req)

	case wire.TaskScheduleHostJob:
		return d.scheduleHostJob(ctx, sess, req)

	case wire.TaskPauseTask:
		var ref wire.TaskRefData
		if err := json.Unmarshal(req.Data, &ref); err != nil || ref.TaskID == "" {
			return wire.ErrResponse("pause_task: missing task_id")
		}
		if err := d.store.SetTaskStatus(ctx, ref.TaskID, state.TaskPaused); err != nil {
			return wire.ErrResponse(err.Error())
		}
		d.refreshTaskSnapshot(ctx, sess)
		return wire.OKResponse(map[string]string{"status": "paused"})

	case wire.TaskResumeTask:
		return d.resumeTask(ctx, sess, req)

	case wire.TaskCancelTask:
		var ref wire.TaskRefData
		if err := json.Unmarshal(req.Data, &ref); err != nil || ref.TaskID == "" {
			return wire.ErrResponse("cancel_task: missing task_id")
		}
		if err := d.store.DeleteScheduledTask(ctx, ref.TaskID); err != nil {
			return wire.ErrResponse(err.Error())
		}
		d.refreshTaskSnapshot(ctx, sess)
		return wire.OKResponse(map[string]string{"status": "cancelled"})
	}

	return wire.ErrResponse(fmt.Sprintf("unknown task type %q", req.Type))
}

func (d *Dispatcher) registerWorkspace(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) wire.Response {
	if !sess.Workspace.IsAdmin {
		return wire.ErrResponse("admin workspace required")
	}
	var data wire.RegisterWorkspaceData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return wire.ErrResponse("register_workspace: bad payload: " + err.Error())
	}
	if data.ChatID == "" || data.Folder == "" || data.Name == "" {
		return wire.ErrResponse("register_workspace: chat_id, name and folder are required")
	}

	now := state.NowUTC()
	ws := &state.Workspace{
		ID:        data.ChatID,
		Name:      data.Name,
		Folder:    data.Folder,
		Trigger:   data.Trigger,
		IsAdmin:   data.Admin,
		Security:  d.cfg.WorkspaceDefaults.Security,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.UpsertWorkspace(ctx, ws); err != nil {
		return wire.ErrResponse(err.Error())
	}
	slog.Info("workspace registered", "folder", ws.Folder, "chat_id", ws.ID, "by", sess.Workspace.Folder)
	return wire.OKResponse(map[string]string{"workspace": ws.Folder})
}

// createGroup provisions a platform group chat, typically followed by a
// register_workspace call binding the returned chat id to a folder.
func (d *Dispatcher) createGroup(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) wire.Response {
	if !sess.Workspace.IsAdmin {
		return wire.ErrResponse("admin workspace required")
	}
	d.mu.Lock()
	gc := d.groups
	d.mu.Unlock()
	if gc == nil {
		return wire.ErrResponse("group creation unavailable")
	}

	var data wire.CreateGroupData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return wire.ErrResponse("create_group: bad payload: " + err.Error())
	}
	if data.Name == "" {
		return wire.ErrResponse("create_group: name is required")
	}

	chatID, err := gc.CreateGroup(ctx, data.Channel, data.Name, data.Members)
	if err != nil {
		return wire.ErrResponse(err.Error())
	}
	slog.Info("group chat created", "name", data.Name, "chat_id", chatID, "by", sess.Workspace.Folder)
	return wire.OKResponse(map[string]string{"chat_id": chatID})
}

func (d *Dispatcher) triggerDeploy(ctx context.Context, sess *worker.Session) wire.Response {
	if !sess.Workspace.IsAdmin {
		return wire.ErrResponse("admin workspace required")
	}
	d.mu.Lock()
	dep := d.deploy
	d.mu.Unlock()
	if dep == nil {
		return wire.ErrResponse("deploy unavailable")
	}

	// The response must land before the rebuild tears this process
	// down, so the flow runs detached from the request context.
	chatID := sess.ChatID
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := dep.Redeploy(bg, chatID); err != nil {
			slog.Error("redeploy failed", "error", err)
		}
	}()
	return wire.OKResponse(map[string]string{"status": "rebuilding"})
}

func (d *Dispatcher) scheduleTask(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) wire.Response {
	var data wire.ScheduleTaskData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return wire.ErrResponse("schedule_task: bad payload: " + err.Error())
	}
	if data.Prompt == "" {
		return wire.ErrResponse("schedule_task: prompt is required")
	}
	if err := scheduler.Validate(data.ScheduleKind, data.ScheduleValue); err != nil {
		return wire.ErrResponse(err.Error())
	}

	mode := data.ContextMode
	if mode == "" {
		mode = state.ContextResume
	}
	if mode != state.ContextResume && mode != state.ContextIsolated {
		return wire.ErrResponse(fmt.Sprintf("schedule_task: unknown context_mode %q", mode))
	}
	chatID := data.ChatID
	if chatID == "" {
		chatID = sess.ChatID
	}

	next, err := scheduler.NextRun(data.ScheduleKind, data.ScheduleValue, time.Now().In(d.loc))
	if err != nil {
		return wire.ErrResponse(err.Error())
	}

	t := &state.ScheduledTask{
		ID:              uuid.NewString(),
		WorkspaceFolder: sess.Workspace.Folder,
		ChatID:          chatID,
		Prompt:          data.Prompt,
		ScheduleKind:    data.ScheduleKind,
		ScheduleValue:   data.ScheduleValue,
		ContextMode:     mode,
		NextRun:         state.FormatTime(next),
		Status:          state.TaskActive,
		CreatedAt:       state.NowUTC(),
	}
	if err := d.store.CreateScheduledTask(ctx, t); err != nil {
		return wire.ErrResponse(err.Error())
	}
	d.refreshTaskSnapshot(ctx, sess)
	slog.Info("task scheduled", "task_id", t.ID, "workspace", t.WorkspaceFolder, "next_run", t.NextRun)
	return wire.OKResponse(map[string]string{"task_id": t.ID, "next_run": t.NextRun})
}

func (d *Dispatcher) scheduleHostJob(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) wire.Response {
	if !sess.Workspace.IsAdmin {
		return wire.ErrResponse("admin workspace required")
	}
	var data wire.ScheduleHostJobData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return wire.ErrResponse("schedule_host_job: bad payload: " + err.Error())
	}
	if data.Name == "" || data.Command == "" {
		return wire.ErrResponse("schedule_host_job: name and command are required")
	}
	if err := scheduler.Validate(data.ScheduleKind, data.ScheduleValue); err != nil {
		return wire.ErrResponse(err.Error())
	}

	next, err := scheduler.NextRun(data.ScheduleKind, data.ScheduleValue, time.Now().In(d.loc))
	if err != nil {
		return wire.ErrResponse(err.Error())
	}
	timeout := data.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}

	j := &state.HostJob{
		ID:             uuid.NewString(),
		Name:           data.Name,
		Command:        data.Command,
		ScheduleKind:   data.ScheduleKind,
		ScheduleValue:  data.ScheduleValue,
		TimeoutSeconds: timeout,
		Enabled:        true,
		NextRun:        state.FormatTime(next),
		CreatedAt:      state.NowUTC(),
	}
	if err := d.store.CreateHostJob(ctx, j); err != nil {
		return wire.ErrResponse(err.Error())
	}
	slog.Info("host job scheduled", "job_id", j.ID, "name", j.Name, "next_run", j.NextRun)
	return wire.OKResponse(map[string]string{"job_id": j.ID, "next_run": j.NextRun})
}

func (d *Dispatcher) resumeTask(ctx context.Context, sess *worker.Session, req *wire.TaskRequest) wire.Response {
	var ref wire.TaskRefData
	if err := json.Unmarshal(req.Data, &ref); err != nil || ref.TaskID == "" {
		return wire.ErrResponse("resume_task: missing task_id")
	}
	t, err := d.store.GetScheduledTask(ctx, ref.TaskID)
	if err != nil {
		return wire.ErrResponse(err.Error())
	}

	// Recompute so a long pause does not fire the stale slot
	// immediately on resume.
	next, err := scheduler.NextRun(t.ScheduleKind, t.ScheduleValue, time.Now().In(d.loc))
	if err != nil {
		return wire.ErrResponse(err.Error())
	}
	if err := d.store.UpdateTaskRun(ctx, t.ID, t.LastRun, state.FormatTime(next)); err != nil {
		return wire.ErrResponse(err.Error())
	}
	if err := d.store.SetTaskStatus(ctx, t.ID, state.TaskActive); err != nil {
		return wire.ErrResponse(err.Error())
	}
	d.refreshTaskSnapshot(ctx, sess)
	return wire.OKResponse(map[string]string{"task_id": t.ID, "next_run": state.FormatTime(next)})
}

// refreshTaskSnapshot rewrites current_tasks.json after a schedule
// mutation so the live worker sees its task list without a respawn.
func (d *Dispatcher) refreshTaskSnapshot(ctx context.Context, sess *worker.Session) {
	tasks, err := d.store.ListScheduledTasks(ctx, sess.Workspace.Folder)
	if err != nil {
		slog.Warn("task snapshot refresh failed", "workspace", sess.Workspace.Folder, "error", err)
		return
	}
	if err := sess.Writer().WriteCurrentTasks(tasks); err != nil {
		slog.Warn("task snapshot write failed", "workspace", sess.Workspace.Folder, "error", err)
	}
}

// summarize renders the one-line effect description fed to the Cop and
// the approval prompt.
func summarize(prefix, payload string) string {
	const max = 200
	payload = strings.Join(strings.Fields(payload), " ")
	if len(payload) > max {
		payload = payload[:max] + "..."
	}
	if payload == "" {
		return prefix
	}
	return prefix + ": " + payload
}
