package scheduler

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
)

const defaultJobTimeout = 60 * time.Second

// TaskSink is the queue surface the scheduler needs: lane entry plus
// the busy probe behind skip-if-busy.
type TaskSink interface {
	Enqueue(ctx context.Context, ws *state.Workspace, p queue.Payload)
	IsActive(folder string) bool
}

// Scheduler drives agent tasks and host jobs from one poll ticker. The
// first tick runs immediately, so windows missed while the host was
// down coalesce into a single catch-up fire.
type Scheduler struct {
	store state.Store
	queue TaskSink
	bus   *bus.MessageBus
	loc   *time.Location
	poll  time.Duration

	// retention > 0 enables the daily audit prune.
	retention time.Duration
	lastPrune time.Time
	chatter   []string
}

func New(store state.Store, q TaskSink, msgBus *bus.MessageBus, loc *time.Location, poll time.Duration, retentionDays int) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if poll <= 0 {
		poll = time.Minute
	}
	return &Scheduler{
		store:     store,
		queue:     q,
		bus:       msgBus,
		loc:       loc,
		poll:      poll,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// SetChatterSenders names the senders whose messages age out of chat
// history with the audit trail. User messages are never pruned. Must be
// set before Run.
func (s *Scheduler) SetChatterSenders(senders ...string) {
	s.chatter = senders
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "poll", s.poll, "timezone", s.loc.String())

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().In(s.loc)
	nowStr := state.FormatTime(now)

	tasks, err := s.store.ListDueTasks(ctx, nowStr)
	if err != nil {
		slog.Error("scheduler: due task query failed", "error", err)
	}
	for _, t := range tasks {
		if s.queue.IsActive(t.WorkspaceFolder) {
			// The lane is mid-turn; the slot slips to a later tick
			// rather than queueing up behind the live conversation.
			slog.Debug("scheduler: workspace busy, slipping", "task_id", t.ID, "workspace", t.WorkspaceFolder)
			continue
		}
		s.fireTask(ctx, t, now)
	}

	jobs, err := s.store.ListDueHostJobs(ctx, nowStr)
	if err != nil {
		slog.Error("scheduler: due job query failed", "error", err)
	}
	for _, j := range jobs {
		s.fireHostJob(ctx, j, now)
	}

	s.housekeeping(ctx, now)
}

// fireTask enqueues the task prompt on its workspace lane and advances
// the schedule. Advancing first keeps a slow turn from double-firing.
func (s *Scheduler) fireTask(ctx context.Context, t *state.ScheduledTask, now time.Time) {
	ws, err := s.store.GetWorkspaceByFolder(ctx, t.WorkspaceFolder)
	if err != nil {
		slog.Warn("scheduler: task workspace gone, completing task",
			"task_id", t.ID, "workspace", t.WorkspaceFolder, "error", err)
		if err := s.store.SetTaskStatus(ctx, t.ID, state.TaskCompleted); err != nil {
			slog.Error("scheduler: task status update failed", "task_id", t.ID, "error", err)
		}
		return
	}

	next, err := NextRun(t.ScheduleKind, t.ScheduleValue, now)
	if err != nil {
		slog.Error("scheduler: unschedulable task, pausing", "task_id", t.ID, "error", err)
		if err := s.store.SetTaskStatus(ctx, t.ID, state.TaskPaused); err != nil {
			slog.Error("scheduler: task status update failed", "task_id", t.ID, "error", err)
		}
		return
	}
	if err := s.store.UpdateTaskRun(ctx, t.ID, state.FormatTime(now), state.FormatTime(next)); err != nil {
		slog.Error("scheduler: task run update failed", "task_id", t.ID, "error", err)
		return
	}

	s.queue.Enqueue(ctx, ws, queue.Payload{
		Text:         t.Prompt,
		ChatID:       t.ChatID,
		Scheduled:    true,
		FreshSession: t.ContextMode == state.ContextIsolated,
	})
	s.bus.Broadcast(bus.Event{Name: "scheduler.task_fired", Payload: map[string]string{
		"task_id":   t.ID,
		"workspace": t.WorkspaceFolder,
		"next_run":  state.FormatTime(next),
	}})
	slog.Info("scheduler: task fired",
		"task_id", t.ID, "workspace", t.WorkspaceFolder,
		"context_mode", t.ContextMode, "next_run", state.FormatTime(next))
}

// fireHostJob advances the schedule, then runs the command detached so
// a slow job never stalls the tick.
func (s *Scheduler) fireHostJob(ctx context.Context, j *state.HostJob, now time.Time) {
	next, err := NextRun(j.ScheduleKind, j.ScheduleValue, now)
	if err != nil {
		slog.Error("scheduler: unschedulable host job, disabling", "job_id", j.ID, "name", j.Name, "error", err)
		if err := s.store.SetHostJobEnabled(ctx, j.ID, false); err != nil {
			slog.Error("scheduler: job disable failed", "job_id", j.ID, "error", err)
		}
		return
	}
	if err := s.store.UpdateHostJobRun(ctx, j.ID, state.FormatTime(now), state.FormatTime(next)); err != nil {
		slog.Error("scheduler: job run update failed", "job_id", j.ID, "error", err)
		return
	}
	go s.runHostJob(ctx, j)
}

func (s *Scheduler) runHostJob(ctx context.Context, j *state.HostJob) {
	timeout := time.Duration(j.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", j.Command)
	out, err := cmd.CombinedOutput()

	status := "ok"
	if err != nil {
		// Failure is logged, never disabling; the job fires again on
		// its next slot.
		status = "failed"
		slog.Warn("scheduler: host job failed",
			"job_id", j.ID, "name", j.Name, "error", err, "output", tail(out, 512))
	} else {
		slog.Info("scheduler: host job completed", "job_id", j.ID, "name", j.Name)
	}
	s.bus.Broadcast(bus.Event{Name: "scheduler.job_finished", Payload: map[string]string{
		"job_id": j.ID,
		"name":   j.Name,
		"status": status,
	}})
}

// housekeeping prunes the audit trail and aged host chatter once a day.
func (s *Scheduler) housekeeping(ctx context.Context, now time.Time) {
	if s.retention <= 0 || now.Sub(s.lastPrune) < 24*time.Hour {
		return
	}
	s.lastPrune = now

	cutoff := state.FormatTime(now.Add(-s.retention))
	n, err := s.store.PruneAuditBefore(ctx, cutoff)
	if err != nil {
		slog.Error("scheduler: audit prune failed", "error", err)
	} else if n > 0 {
		slog.Info("scheduler: audit pruned", "removed", n, "cutoff", cutoff)
	}

	if len(s.chatter) == 0 {
		return
	}
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		slog.Error("scheduler: workspace list failed", "error", err)
		return
	}
	var pruned int64
	for _, ws := range workspaces {
		n, err := s.store.PruneMessagesBefore(ctx, ws.ID, s.chatter, cutoff)
		if err != nil {
			slog.Error("scheduler: chatter prune failed", "chat_id", ws.ID, "error", err)
			continue
		}
		pruned += n
	}
	if pruned > 0 {
		slog.Info("scheduler: chatter pruned", "removed", pruned, "cutoff", cutoff)
	}
}

func tail(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
