package worker

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/security"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// OutputHandler receives each event the worker emits, in stream order.
type OutputHandler func(ev *wire.OutputEvent)

// Session is one live worker invocation for a workspace.
type Session struct {
	Workspace    *state.Workspace
	ChatID       string
	InvocationTS string
	Scheduled    bool

	dirs    ipc.Dirs
	writer  *ipc.Writer
	proc    Proc
	gateKey security.Key
	handler OutputHandler
	stderr  *boundedBuffer

	cancel   context.CancelFunc
	procDone chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	busy         bool
	orderly      bool
	exited       bool
	exitErr      error
}

// Deliver writes one message event into the worker's input stream.
func (s *Session) Deliver(text string) error {
	_, err := s.writer.WriteInput(&wire.InputEvent{Type: wire.InputMessage, Text: text})
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

// Dirs exposes the session's exchange directories to IPC handlers.
func (s *Session) Dirs() ipc.Dirs { return s.dirs }

// Writer exposes the session's atomic file writer.
func (s *Session) Writer() *ipc.Writer { return s.writer }

// GateKey identifies this invocation's security gate in the registry.
func (s *Session) GateKey() security.Key { return s.gateKey }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity is the time of the most recent input write or output
// event, feeding the idle and turn watchdogs.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetBusy marks the session as executing a turn. The queue flips it
// around each drain.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Alive reports whether the process has not yet exited.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exited
}

// ExitError returns the process error recorded at exit, nil while the
// session is still running or when it exited cleanly.
func (s *Session) ExitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Session) markOrderly() {
	s.mu.Lock()
	s.orderly = true
	s.mu.Unlock()
}

func (s *Session) markExited(err error) (orderly bool) {
	s.mu.Lock()
	s.exited = true
	s.exitErr = err
	orderly = s.orderly
	s.mu.Unlock()
	return orderly
}

// readOutput follows the worker's output stream until the context ends,
// forwarding each event to the handler and consuming the file.
func (s *Session) readOutput(ctx context.Context, watcher *ipc.DirWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-watcher.Batches():
			if !ok {
				return
			}
			for _, path := range batch {
				ev, err := ipc.ReadOutputEvent(path)
				if err != nil {
					slog.Warn("worker: unreadable output event", "workspace", s.Workspace.Folder, "file", filepath.Base(path), "error", err)
					ipc.Consume(path)
					continue
				}
				s.touch()
				if s.handler != nil {
					s.handler(ev)
				}
				ipc.Consume(path)
			}
		}
	}
}

// boundedBuffer captures worker stderr up to a cap. Past the cap the
// tail is dropped and the rendered form carries a truncation marker.
type boundedBuffer struct {
	mu        sync.Mutex
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	if max <= 0 {
		max = 64 * 1024
	}
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n... [stderr truncated]"
	}
	return b.buf.String()
}

func (b *boundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
