package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/fsatomic"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/security"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Options bounds worker behavior, from the host config's worker section.
type Options struct {
	Image          string
	Command        string
	Args           []string
	WorkspacesRoot string
	TurnTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxConcurrent  int64
	MaxOutputBytes int
	StopGrace      time.Duration
}

func (o Options) withDefaults() Options {
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 15 * time.Minute
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	return o
}

// TaskDispatcher handles one privileged request from a worker. The
// dispatcher owns writing the response file.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, sess *Session, req *wire.TaskRequest)
}

// Hooks are the manager's upward notifications.
type Hooks struct {
	// OnSpawn runs after the session directories are reset and before
	// the process starts, for seeding snapshot files.
	OnSpawn func(sess *Session)
	// OnCrash runs when a worker exits without an orderly stop.
	OnCrash func(folder string, err error)
}

// SpawnInput is the first turn delivered to a fresh session.
type SpawnInput struct {
	Text         string
	ChatID       string
	Scheduled    bool
	SessionToken string
	Handler      OutputHandler
}

// Manager owns the session registry, the spawn semaphore and the
// activity watchdog.
type Manager struct {
	opts    Options
	runtime Runtime
	root    *ipc.Root
	gates   *security.Registry
	scanner *security.Scanner
	cop     security.Reviewer
	audit   security.AuditSink
	tasks   TaskDispatcher
	hooks   Hooks
	sem     *semaphore.Weighted
	events  *bus.MessageBus

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options, runtime Runtime, root *ipc.Root, gates *security.Registry, scanner *security.Scanner, cop security.Reviewer, audit security.AuditSink, tasks TaskDispatcher, hooks Hooks) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:     opts,
		runtime:  runtime,
		root:     root,
		gates:    gates,
		scanner:  scanner,
		cop:      cop,
		audit:    audit,
		tasks:    tasks,
		hooks:    hooks,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		sessions: make(map[string]*Session),
	}
}

// SetEventBus wires session lifecycle broadcasts for gateway
// subscribers. Optional; a nil bus keeps the manager quiet.
func (m *Manager) SetEventBus(b *bus.MessageBus) { m.events = b }

func (m *Manager) broadcast(name string, s *Session) {
	if m.events == nil {
		return
	}
	payload := map[string]string{
		"workspace":  s.Workspace.Folder,
		"invocation": s.InvocationTS,
	}
	if err := s.ExitError(); err != nil {
		payload["error"] = err.Error()
	}
	m.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// Get returns the live session for a folder, if any.
func (m *Manager) Get(folder string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[folder]
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// GetOrSpawn returns the existing alive session or spawns a fresh one
// with the initial input already on disk. Spawning blocks on the
// concurrency semaphore when the host is at capacity.
func (m *Manager) GetOrSpawn(ctx context.Context, ws *state.Workspace, in SpawnInput) (*Session, error) {
	if s, ok := m.Get(ws.Folder); ok {
		return s, nil
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}

	s, err := m.spawn(ctx, ws, in)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}
	return s, nil
}

func (m *Manager) spawn(ctx context.Context, ws *state.Workspace, in SpawnInput) (*Session, error) {
	dirs := m.root.Workspace(ws.Folder)
	if err := dirs.EnsureAll(); err != nil {
		return nil, err
	}
	if err := dirs.Reset(); err != nil {
		return nil, err
	}

	invocationTS := state.NowUTC()
	gateKey := security.Key{Folder: ws.Folder, InvocationTS: invocationTS}
	gate := security.NewGate(ws, m.scanner, m.cop, m.audit)
	m.gates.Put(gateKey, gate)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Workspace:    ws,
		ChatID:       in.ChatID,
		InvocationTS: invocationTS,
		Scheduled:    in.Scheduled,
		dirs:         dirs,
		writer:       ipc.NewWriter(dirs),
		gateKey:      gateKey,
		handler:      in.Handler,
		stderr:       newBoundedBuffer(m.opts.MaxOutputBytes),
		cancel:       cancel,
		procDone:     make(chan struct{}),
		lastActivity: time.Now(),
	}

	if m.hooks.OnSpawn != nil {
		m.hooks.OnSpawn(s)
	}

	if in.Text != "" {
		if _, err := s.writer.WriteInput(&wire.InputEvent{Type: wire.InputMessage, Text: in.Text}); err != nil {
			cancel()
			m.gates.Remove(gateKey)
			return nil, fmt.Errorf("write initial input: %w", err)
		}
	}

	env := map[string]string{
		"WARDEN_WORKSPACE_ID":     ws.ID,
		"WARDEN_WORKSPACE_FOLDER": ws.Folder,
		"WARDEN_CHAT_ID":          in.ChatID,
		"WARDEN_IS_ADMIN":         boolEnv(ws.IsAdmin),
		"WARDEN_SCHEDULED_TASK":   boolEnv(in.Scheduled),
		"WARDEN_IPC_DIR":          ContainerIPCDir,
		"WARDEN_WORKSPACE_DIR":    ContainerWorkspaceDir,
	}
	if in.SessionToken != "" {
		env["WARDEN_SESSION_TOKEN"] = in.SessionToken
	}

	proc, err := m.runtime.Start(ctx, ProcSpec{
		Image:        m.opts.Image,
		Name:         containerName(ws.Folder),
		Command:      m.opts.Command,
		Args:         m.opts.Args,
		WorkspaceDir: filepath.Join(m.opts.WorkspacesRoot, ws.Folder),
		IPCDir:       dirs.Base(),
		Env:          env,
		Stderr:       s.stderr,
	})
	if err != nil {
		cancel()
		m.gates.Remove(gateKey)
		return nil, err
	}
	s.proc = proc

	m.mu.Lock()
	m.sessions[ws.Folder] = s
	m.mu.Unlock()

	outWatcher := ipc.NewDirWatcher(dirs.Output(), ipc.WatchConfig{})
	taskWatcher := ipc.NewDirWatcher(dirs.Tasks(), ipc.WatchConfig{})
	if err := outWatcher.Start(sessCtx); err != nil {
		slog.Warn("worker: output watcher failed to start", "workspace", ws.Folder, "error", err)
	}
	if err := taskWatcher.Start(sessCtx); err != nil {
		slog.Warn("worker: task watcher failed to start", "workspace", ws.Folder, "error", err)
	}

	go s.readOutput(sessCtx, outWatcher)
	go m.readTasks(sessCtx, s, taskWatcher)
	go m.reap(s)

	slog.Info("worker: session spawned",
		"workspace", ws.Folder,
		"invocation", invocationTS,
		"scheduled", in.Scheduled,
		"image", m.opts.Image)
	m.broadcast("worker.spawned", s)
	return s, nil
}

// readTasks follows the worker's privileged-request stream. Each
// request is consumed before dispatch; the response file is the
// at-most-once marker, so a request that already has one is dropped.
func (m *Manager) readTasks(ctx context.Context, s *Session, watcher *ipc.DirWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-watcher.Batches():
			if !ok {
				return
			}
			for _, path := range batch {
				req, err := ipc.ReadTask(path)
				if err != nil {
					if !os.IsNotExist(err) {
						slog.Warn("worker: malformed task request", "workspace", s.Workspace.Folder, "file", filepath.Base(path), "error", err)
					}
					ipc.Consume(path)
					continue
				}
				s.touch()
				ipc.Consume(path)
				if s.writer.HasResponse(req.RequestID) {
					slog.Info("worker: duplicate task request ignored", "workspace", s.Workspace.Folder, "request_id", req.RequestID)
					continue
				}
				go m.tasks.Dispatch(ctx, s, req)
			}
		}
	}
}

// reap waits for process exit and releases everything the session held.
func (m *Manager) reap(s *Session) {
	err := s.proc.Wait()
	orderly := s.markExited(err)
	close(s.procDone)
	s.cancel()

	m.mu.Lock()
	if m.sessions[s.Workspace.Folder] == s {
		delete(m.sessions, s.Workspace.Folder)
	}
	m.mu.Unlock()

	m.gates.Remove(s.gateKey)
	m.sem.Release(1)

	if captured := s.stderr.Len(); captured > 0 {
		if err != nil {
			slog.Warn("worker: stderr", "workspace", s.Workspace.Folder, "output", s.stderr.String())
		} else {
			slog.Debug("worker: stderr", "workspace", s.Workspace.Folder, "output", s.stderr.String())
		}
	}

	if orderly {
		slog.Info("worker: session ended", "workspace", s.Workspace.Folder, "invocation", s.InvocationTS)
		m.broadcast("worker.stopped", s)
		return
	}

	slog.Warn("worker: session crashed", "workspace", s.Workspace.Folder, "invocation", s.InvocationTS, "error", err)
	m.broadcast("worker.crashed", s)
	m.abandonTasks(s)
	if m.hooks.OnCrash != nil {
		m.hooks.OnCrash(s.Workspace.Folder, err)
	}
}

// abandonTasks drops outstanding privileged requests after a crash.
// Pending approvals stay; an approval can still answer into the next
// cold start.
func (m *Manager) abandonTasks(s *Session) {
	names, err := fsatomic.ListOrdered(s.dirs.Tasks())
	if err != nil {
		return
	}
	for _, name := range names {
		ipc.Consume(filepath.Join(s.dirs.Tasks(), name))
	}
	if len(names) > 0 {
		slog.Info("worker: abandoned outstanding requests", "workspace", s.Workspace.Folder, "count", len(names))
	}
}

// Stop winds a session down. Graceful stops write the close sentinel
// and wait; either path escalates to a process stop and then a kill.
func (m *Manager) Stop(ctx context.Context, folder string, graceful bool) error {
	m.mu.Lock()
	s := m.sessions[folder]
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	if graceful {
		s.markOrderly()
		if err := s.writer.WriteClose(); err != nil {
			slog.Warn("worker: close sentinel write failed", "workspace", folder, "error", err)
		}
		select {
		case <-s.procDone:
			return nil
		case <-time.After(m.opts.StopGrace):
		case <-ctx.Done():
		}
	}

	if err := s.proc.Stop(ctx); err != nil {
		slog.Warn("worker: process stop failed", "workspace", folder, "error", err)
	}
	select {
	case <-s.procDone:
		return nil
	case <-time.After(m.opts.StopGrace):
	case <-ctx.Done():
	}

	if err := s.proc.Kill(); err != nil {
		slog.Warn("worker: process kill failed", "workspace", folder, "error", err)
	}
	select {
	case <-s.procDone:
	case <-time.After(m.opts.StopGrace):
		slog.Error("worker: process did not exit after kill", "workspace", folder)
	}
	return nil
}

// StopAll gracefully stops every live session, for host shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	folders := make([]string, 0, len(m.sessions))
	for folder := range m.sessions {
		folders = append(folders, folder)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, folder := range folders {
		g.Go(func() error {
			return m.Stop(ctx, folder, true)
		})
	}
	g.Wait()
}

// Run drives the activity watchdog until the context ends: hung turns
// are force-stopped, idle sessions are evicted gracefully.
func (m *Manager) Run(ctx context.Context) {
	interval := m.opts.IdleTimeout / 4
	if interval > 30*time.Second || interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, s := range sessions {
		idle := now.Sub(s.LastActivity())
		switch {
		case s.Busy() && idle > m.opts.TurnTimeout:
			slog.Warn("worker: turn timed out, stopping session", "workspace", s.Workspace.Folder, "idle", idle.Round(time.Second))
			m.Stop(ctx, s.Workspace.Folder, false)
		case !s.Busy() && idle > m.opts.IdleTimeout:
			slog.Info("worker: evicting idle session", "workspace", s.Workspace.Folder, "idle", idle.Round(time.Second))
			m.Stop(ctx, s.Workspace.Folder, true)
		}
	}
}

// Snapshot lists live sessions for diagnostics.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, SessionInfo{
			Workspace:    s.Workspace.Folder,
			ChatID:       s.ChatID,
			InvocationTS: s.InvocationTS,
			Busy:         s.Busy(),
			LastActivity: s.LastActivity(),
			Scheduled:    s.Scheduled,
		})
	}
	return infos
}

// SessionInfo is the diagnostic view of one live session.
type SessionInfo struct {
	Workspace    string    `json:"workspace"`
	ChatID       string    `json:"chat_id"`
	InvocationTS string    `json:"invocation_ts"`
	Busy         bool      `json:"busy"`
	LastActivity time.Time `json:"last_activity"`
	Scheduled    bool      `json:"scheduled"`
}

func containerName(folder string) string {
	return fmt.Sprintf("warden-%s-%s", sanitizeName(filepath.Base(folder)), fsatomic.NextStreamName())
}

// sanitizeName keeps container names within docker's allowed alphabet.
func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "workspace"
	}
	return string(out)
}

func boolEnv(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
