package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/warden/internal/fsatomic"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/security"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/state/sqlite"
	"github.com/nextlevelbuilder/warden/internal/worker"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

type fakeProc struct {
	mu     sync.Mutex
	exited chan struct{}
	err    error
}

func (p *fakeProc) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProc) Stop(ctx context.Context) error { p.exit(nil); return nil }
func (p *fakeProc) Kill() error                    { p.exit(errors.New("killed")); return nil }

func (p *fakeProc) exit(err error) {
	p.mu.Lock()
	select {
	case <-p.exited:
	default:
		p.err = err
		close(p.exited)
	}
	p.mu.Unlock()
}

type fakeRuntime struct {
	mu    sync.Mutex
	specs []worker.ProcSpec
	procs []*fakeProc
}

func (r *fakeRuntime) Start(_ context.Context, spec worker.ProcSpec) (worker.Proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakeProc{exited: make(chan struct{})}
	r.specs = append(r.specs, spec)
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRuntime) lastSpec() worker.ProcSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[len(r.specs)-1]
}

func (r *fakeRuntime) spawns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func (r *fakeRuntime) lastProc() *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[len(r.procs)-1]
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, *state.AuditEvent) {}

type sinkRecorder struct {
	mu     sync.Mutex
	events []*wire.OutputEvent
}

func (s *sinkRecorder) sink(_ *state.Workspace, _ string, ev *wire.OutputEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	queue   *Queue
	manager *worker.Manager
	runtime *fakeRuntime
	store   state.Store
	sink    *sinkRecorder
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, *worker.Session, *wire.TaskRequest) {}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rt := &fakeRuntime{}
	sink := &sinkRecorder{}
	h := &harness{runtime: rt, store: st, sink: sink}

	mgr := worker.NewManager(
		worker.Options{
			Image:          "warden-agent:test",
			WorkspacesRoot: t.TempDir(),
			StopGrace:      50 * time.Millisecond,
		},
		rt, ipc.NewRoot(t.TempDir()), security.NewRegistry(), security.NewScanner(nil), nil, nopAudit{}, nopDispatcher{},
		worker.Hooks{OnCrash: func(folder string, err error) { h.queue.ReleaseOnExit(folder) }},
	)
	h.manager = mgr
	h.queue = New(mgr, st, sink.sink)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.StopAll(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) session(t *testing.T, folder string) *worker.Session {
	t.Helper()
	var s *worker.Session
	waitFor(t, "session spawn", func() bool {
		got, ok := h.manager.Get(folder)
		if ok {
			s = got
		}
		return ok
	})
	return s
}

func (h *harness) pulse(t *testing.T, s *worker.Session, token string) {
	t.Helper()
	body := `{"type":"result","result":"","new_session_token":"` + token + `"}`
	name := fsatomic.NextStreamName() + ".json"
	if err := fsatomic.WriteFile(filepath.Join(s.Dirs().Output(), name), []byte(body)); err != nil {
		t.Fatalf("write pulse: %v", err)
	}
}

func testWS(folder string) *state.Workspace {
	return &state.Workspace{ID: "ws-" + folder, Name: folder, Folder: folder}
}

func TestEnqueue_SingleTurnLifecycle(t *testing.T) {
	h := newHarness(t)
	ws := testWS("solo")
	ctx := context.Background()

	h.queue.Enqueue(ctx, ws, Payload{Text: "hello", ChatID: "c1"})
	s := h.session(t, "solo")

	if !h.queue.IsActive("solo") {
		t.Error("lane not active mid-turn")
	}

	h.pulse(t, s, "tok-next")

	waitFor(t, "lane release", func() bool { return !h.queue.IsActive("solo") })

	token, err := h.store.GetSession(ctx, "solo")
	if err != nil || token != "tok-next" {
		t.Errorf("persisted token = %q (err %v), want tok-next", token, err)
	}
	if types := h.sink.types(); len(types) != 1 || types[0] != wire.OutputResult {
		t.Errorf("sink events = %v", types)
	}
}

func TestEnqueue_WhileBusyBatchesIntoWarmTurn(t *testing.T) {
	h := newHarness(t)
	ws := testWS("busy")
	ctx := context.Background()

	h.queue.Enqueue(ctx, ws, Payload{Text: "one", ChatID: "c1"})
	s := h.session(t, "busy")

	h.queue.Enqueue(ctx, ws, Payload{Text: "two", ChatID: "c1"})
	h.queue.Enqueue(ctx, ws, Payload{Text: "three", ChatID: "c1"})

	inputDir := s.Dirs().Input()
	h.pulse(t, s, "tok-1")

	waitFor(t, "warm turn delivery", func() bool {
		names, _ := fsatomic.ListOrdered(inputDir)
		return len(names) == 2
	})

	names, _ := fsatomic.ListOrdered(inputDir)
	ev, err := readInput(filepath.Join(inputDir, names[1]))
	if err != nil {
		t.Fatalf("read warm input: %v", err)
	}
	if ev.Text != "two\nthree" {
		t.Errorf("warm turn text = %q, want batched %q", ev.Text, "two\nthree")
	}

	h.pulse(t, s, "tok-2")
	waitFor(t, "lane idle", func() bool { return !h.queue.IsActive("busy") })
}

func TestInterrupt_ClearsPendingAndStopsWorker(t *testing.T) {
	h := newHarness(t)
	ws := testWS("stoppable")
	ctx := context.Background()

	h.queue.Enqueue(ctx, ws, Payload{Text: "long task", ChatID: "c1"})
	s := h.session(t, "stoppable")

	h.queue.Enqueue(ctx, ws, Payload{Text: "never delivered", ChatID: "c1"})
	h.queue.Interrupt(ctx, "stoppable")

	waitFor(t, "worker stopped", func() bool {
		_, ok := h.manager.Get("stoppable")
		return !ok
	})
	waitFor(t, "lane idle", func() bool { return !h.queue.IsActive("stoppable") })

	// Only the initial turn's input was written; the pending payload
	// was discarded by the interrupt.
	names, _ := fsatomic.ListOrdered(s.Dirs().Input())
	inputs := 0
	for _, n := range names {
		if n != wire.CloseSentinel {
			inputs++
		}
	}
	if inputs != 1 {
		t.Errorf("input files = %d (%v), want 1", inputs, names)
	}
}

func TestCrash_ReleasesLane(t *testing.T) {
	h := newHarness(t)
	ws := testWS("crashy")
	ctx := context.Background()

	h.queue.Enqueue(ctx, ws, Payload{Text: "work", ChatID: "c1"})
	h.session(t, "crashy")

	h.runtime.lastProc().exit(errors.New("exit status 1"))

	waitFor(t, "lane released after crash", func() bool { return !h.queue.IsActive("crashy") })
}

func TestColdStart_PassesStoredSessionToken(t *testing.T) {
	h := newHarness(t)
	ws := testWS("resume")
	ctx := context.Background()

	if err := h.store.SetSession(ctx, "resume", "tok-stored"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	h.queue.Enqueue(ctx, ws, Payload{Text: "continue please", ChatID: "c1"})
	h.session(t, "resume")

	if got := h.runtime.lastSpec().Env["WARDEN_SESSION_TOKEN"]; got != "tok-stored" {
		t.Errorf("session token env = %q, want tok-stored", got)
	}
}

func TestColdStart_FreshSessionSkipsToken(t *testing.T) {
	h := newHarness(t)
	ws := testWS("fresh")
	ctx := context.Background()

	if err := h.store.SetSession(ctx, "fresh", "tok-old"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	h.queue.Enqueue(ctx, ws, Payload{Text: "isolated run", ChatID: "c1", FreshSession: true})
	h.session(t, "fresh")

	if got, ok := h.runtime.lastSpec().Env["WARDEN_SESSION_TOKEN"]; ok {
		t.Errorf("session token env = %q, want unset", got)
	}
}

func TestFreshSession_StopsWarmWorker(t *testing.T) {
	h := newHarness(t)
	ws := testWS("isolate")
	ctx := context.Background()

	h.queue.Enqueue(ctx, ws, Payload{Text: "chat turn", ChatID: "c1"})
	s := h.session(t, "isolate")
	h.pulse(t, s, "tok-warm")
	waitFor(t, "lane idle", func() bool { return !h.queue.IsActive("isolate") })

	first := h.runtime.lastProc()

	// The worker stays warm between turns, but an isolated run must
	// not land in it.
	h.queue.Enqueue(ctx, ws, Payload{Text: "nightly report", ChatID: "c1", Scheduled: true, FreshSession: true})

	waitFor(t, "isolated spawn", func() bool { return h.runtime.spawns() == 2 })

	select {
	case <-first.exited:
	default:
		t.Error("warm worker survived into the isolated run")
	}
	if got, ok := h.runtime.lastSpec().Env["WARDEN_SESSION_TOKEN"]; ok {
		t.Errorf("session token env = %q, want unset", got)
	}
}

func readInput(path string) (*wire.InputEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ev wire.InputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
