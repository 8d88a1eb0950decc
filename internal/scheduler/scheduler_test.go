package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/state/sqlite"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		value   string
		wantErr bool
	}{
		{"five field cron", state.ScheduleCron, "*/5 * * * *", false},
		{"daily cron", state.ScheduleCron, "0 9 * * 1-5", false},
		{"malformed cron", state.ScheduleCron, "every tuesday", true},
		{"interval seconds", state.ScheduleInterval, "3600", false},
		{"zero interval", state.ScheduleInterval, "0", true},
		{"negative interval", state.ScheduleInterval, "-5", true},
		{"non-numeric interval", state.ScheduleInterval, "1h", true},
		{"unknown kind", "weekly", "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.kind, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q, %q) = %v, wantErr %v", tt.kind, tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestNextRun_Interval(t *testing.T) {
	ref := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := NextRun(state.ScheduleInterval, "90", ref)
	if err != nil {
		t.Fatal(err)
	}
	if want := ref.Add(90 * time.Second); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_CronStrictlyAfter(t *testing.T) {
	// Exactly on a slot boundary: the next fire must be the following
	// slot, not the reference itself.
	ref := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := NextRun(state.ScheduleCron, "0 * * * *", ref)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveTimezone(t *testing.T) {
	loc, err := ResolveTimezone("Europe/Berlin")
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("override: loc=%v err=%v", loc, err)
	}

	if _, err := ResolveTimezone("Mars/Olympus"); err == nil {
		t.Error("bad zone name accepted")
	}

	loc, err = ResolveTimezone("")
	if err != nil || loc == nil {
		t.Errorf("fallback: loc=%v err=%v", loc, err)
	}
}

// --- tick behavior ---

type fakeSink struct {
	mu       sync.Mutex
	busy     map[string]bool
	enqueued []queue.Payload
	folders  []string
}

func (f *fakeSink) Enqueue(_ context.Context, ws *state.Workspace, p queue.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, p)
	f.folders = append(f.folders, ws.Folder)
}

func (f *fakeSink) IsActive(folder string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[folder]
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func newTestScheduler(t *testing.T, retentionDays int) (*Scheduler, state.Store, *fakeSink, *bus.MessageBus) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink := &fakeSink{busy: make(map[string]bool)}
	msgBus := bus.New()
	s := New(store, sink, msgBus, time.UTC, time.Minute, retentionDays)
	return s, store, sink, msgBus
}

func seedWorkspace(t *testing.T, store state.Store, folder string) *state.Workspace {
	t.Helper()
	now := state.NowUTC()
	ws := &state.Workspace{ID: "chat-" + folder, Name: folder, Folder: folder, CreatedAt: now, UpdatedAt: now}
	if err := store.UpsertWorkspace(context.Background(), ws); err != nil {
		t.Fatal(err)
	}
	return ws
}

func seedTask(t *testing.T, store state.Store, folder, mode string, nextRun time.Time) *state.ScheduledTask {
	t.Helper()
	task := &state.ScheduledTask{
		ID:              "task-" + folder,
		WorkspaceFolder: folder,
		ChatID:          "chat-" + folder,
		Prompt:          "check the mail",
		ScheduleKind:    state.ScheduleInterval,
		ScheduleValue:   "3600",
		ContextMode:     mode,
		NextRun:         state.FormatTime(nextRun),
		Status:          state.TaskActive,
		CreatedAt:       state.NowUTC(),
	}
	if err := store.CreateScheduledTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestTick_FiresDueTaskAndAdvances(t *testing.T) {
	s, store, sink, _ := newTestScheduler(t, 0)
	ctx := context.Background()

	seedWorkspace(t, store, "mail")
	seedTask(t, store, "mail", state.ContextIsolated, time.Now().Add(-time.Hour))

	s.tick(ctx)

	if sink.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", sink.count())
	}
	p := sink.enqueued[0]
	if p.Text != "check the mail" || !p.Scheduled || !p.FreshSession {
		t.Errorf("payload = %+v", p)
	}

	after, err := store.GetScheduledTask(ctx, "task-mail")
	if err != nil {
		t.Fatal(err)
	}
	if after.LastRun == "" {
		t.Error("last_run not set")
	}
	if after.NextRun <= state.NowUTC() {
		t.Errorf("next_run %q not advanced past now", after.NextRun)
	}

	// The advanced task must not fire again on the next tick.
	s.tick(ctx)
	if sink.count() != 1 {
		t.Errorf("second tick re-fired the task: enqueued = %d", sink.count())
	}
}

func TestTick_SkipsBusyWorkspace(t *testing.T) {
	s, store, sink, _ := newTestScheduler(t, 0)
	ctx := context.Background()

	seedWorkspace(t, store, "busy")
	seedTask(t, store, "busy", state.ContextResume, time.Now().Add(-time.Minute))
	sink.mu.Lock()
	sink.busy["busy"] = true
	sink.mu.Unlock()

	s.tick(ctx)

	if sink.count() != 0 {
		t.Fatalf("busy lane got an enqueue")
	}
	after, _ := store.GetScheduledTask(ctx, "task-busy")
	if after.LastRun != "" {
		t.Error("slipped task must keep its slot, not record a run")
	}

	// Lane frees up: the slipped slot fires on the next tick.
	sink.mu.Lock()
	sink.busy["busy"] = false
	sink.mu.Unlock()
	s.tick(ctx)
	if sink.count() != 1 {
		t.Errorf("slipped task did not fire once freed: enqueued = %d", sink.count())
	}
}

func TestTick_CompletesTaskForMissingWorkspace(t *testing.T) {
	s, store, sink, _ := newTestScheduler(t, 0)
	ctx := context.Background()

	seedTask(t, store, "ghost", state.ContextResume, time.Now().Add(-time.Minute))

	s.tick(ctx)

	if sink.count() != 0 {
		t.Error("task for a missing workspace was enqueued")
	}
	after, err := store.GetScheduledTask(ctx, "task-ghost")
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != state.TaskCompleted {
		t.Errorf("status = %q, want completed", after.Status)
	}
}

func TestTick_RunsHostJobWithoutDisabling(t *testing.T) {
	s, store, _, msgBus := newTestScheduler(t, 0)
	ctx := context.Background()

	finished := make(chan string, 4)
	msgBus.Subscribe("test", func(ev bus.Event) {
		if ev.Name == "scheduler.job_finished" {
			payload := ev.Payload.(map[string]string)
			finished <- payload["status"]
		}
	})

	job := &state.HostJob{
		ID:             "job-1",
		Name:           "failing backup",
		Command:        "exit 3",
		ScheduleKind:   state.ScheduleInterval,
		ScheduleValue:  "3600",
		TimeoutSeconds: 5,
		Enabled:        true,
		NextRun:        state.FormatTime(time.Now().Add(-time.Minute)),
		CreatedAt:      state.NowUTC(),
	}
	if err := store.CreateHostJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.tick(ctx)

	select {
	case status := <-finished:
		if status != "failed" {
			t.Errorf("status = %q, want failed", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job did not finish")
	}

	jobs, err := store.ListHostJobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v (err %v)", jobs, err)
	}
	if !jobs[0].Enabled {
		t.Error("failed job was disabled; failure must only log")
	}
	if jobs[0].NextRun <= state.NowUTC() {
		t.Errorf("next_run %q not advanced", jobs[0].NextRun)
	}
}

func TestHousekeeping_PrunesOldAudit(t *testing.T) {
	s, store, _, _ := newTestScheduler(t, 7)
	ctx := context.Background()

	old := &state.AuditEvent{
		Decision:  "allow",
		ToolName:  "bash",
		Workspace: "w",
		Timestamp: state.FormatTime(time.Now().Add(-30 * 24 * time.Hour)),
	}
	fresh := &state.AuditEvent{
		Decision:  "deny",
		ToolName:  "bash",
		Workspace: "w",
		Timestamp: state.NowUTC(),
	}
	if err := store.AppendAudit(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendAudit(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	s.tick(ctx)

	events, err := store.ListAudit(ctx, "w", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events after prune = %d, want 1", len(events))
	}
	if events[0].Decision != "deny" {
		t.Errorf("survivor = %+v, want the fresh event", events[0])
	}
}

func TestHousekeeping_PrunesHostChatter(t *testing.T) {
	s, store, _, _ := newTestScheduler(t, 7)
	s.SetChatterSenders("warden", "assistant")
	ctx := context.Background()

	ws := seedWorkspace(t, store, "mail")
	oldTS := state.FormatTime(time.Now().Add(-30 * 24 * time.Hour))
	seed := []*state.Message{
		{ID: "m1", ChatID: ws.ID, Sender: "warden", Content: "Context reset.", Timestamp: oldTS, Direction: state.DirectionHostNotice},
		{ID: "m2", ChatID: ws.ID, Sender: "assistant", Content: "old reply", Timestamp: oldTS, Direction: state.DirectionOutbound},
		{ID: "m3", ChatID: ws.ID, Sender: "7", Content: "old user message", Timestamp: oldTS, Direction: state.DirectionInbound},
		{ID: "m4", ChatID: ws.ID, Sender: "assistant", Content: "fresh reply", Timestamp: state.NowUTC(), Direction: state.DirectionOutbound},
	}
	for _, m := range seed {
		if _, err := store.StoreMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	s.tick(ctx)

	msgs, err := store.ListMessages(ctx, ws.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	left := map[string]bool{}
	for _, m := range msgs {
		left[m.ID] = true
	}
	if left["m1"] || left["m2"] {
		t.Errorf("aged chatter survived: %v", left)
	}
	if !left["m3"] || !left["m4"] {
		t.Errorf("user history or fresh reply pruned: %v", left)
	}
}

func TestTail(t *testing.T) {
	if got := tail([]byte("  short  "), 10); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 600) + "END"
	got := tail([]byte(long), 8)
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "END") {
		t.Errorf("got %q", got)
	}
}
