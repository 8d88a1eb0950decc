// Package queue serializes agent turns per workspace: one execution
// lane per folder, batched draining, interrupt, and warm continuation
// after each turn.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/worker"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Payload is one unit of pending work for a workspace lane.
type Payload struct {
	Text         string
	ChatID       string
	Scheduled    bool
	FreshSession bool // force a cold start even if a token exists
}

// EventSink receives every worker output event, in stream order.
type EventSink func(ws *state.Workspace, chatID string, ev *wire.OutputEvent)

type lane struct {
	ws       *state.Workspace
	chatID   string // chat addressed by the in-flight turn
	pending  []Payload
	active   bool
	turnDone chan struct{}
}

// Queue owns the per-workspace execution lanes. A lane never runs two
// turns at once; separate lanes run in parallel.
type Queue struct {
	manager *worker.Manager
	store   state.Store
	events  EventSink

	mu    sync.Mutex
	lanes map[string]*lane
}

func New(manager *worker.Manager, store state.Store, events EventSink) *Queue {
	return &Queue{
		manager: manager,
		store:   store,
		events:  events,
		lanes:   make(map[string]*lane),
	}
}

func (q *Queue) lane(ws *state.Workspace) *lane {
	l, ok := q.lanes[ws.Folder]
	if !ok {
		l = &lane{ws: ws, turnDone: make(chan struct{}, 1)}
		q.lanes[ws.Folder] = l
	}
	l.ws = ws
	return l
}

// Enqueue appends work to the workspace's lane and starts draining if
// the lane is idle.
func (q *Queue) Enqueue(ctx context.Context, ws *state.Workspace, p Payload) {
	q.mu.Lock()
	l := q.lane(ws)
	l.pending = append(l.pending, p)
	start := !l.active
	if start {
		l.active = true
	}
	q.mu.Unlock()

	if start {
		go q.drain(ctx, ws.Folder)
	}
}

// IsActive reports whether the workspace is currently executing.
func (q *Queue) IsActive(folder string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[folder]
	return ok && l.active
}

// Interrupt clears pending work and gracefully stops the worker. The
// active turn's wait is released immediately.
func (q *Queue) Interrupt(ctx context.Context, folder string) {
	q.mu.Lock()
	l, ok := q.lanes[folder]
	if ok {
		l.pending = nil
		signalDone(l)
	}
	q.mu.Unlock()

	if err := q.manager.Stop(ctx, folder, true); err != nil {
		slog.Warn("queue: interrupt stop failed", "workspace", folder, "error", err)
	}
	slog.Info("queue: interrupted", "workspace", folder)
}

// ReleaseOnExit unblocks the lane when the worker died out from under
// the turn. Wired to the worker manager's crash hook.
func (q *Queue) ReleaseOnExit(folder string) {
	q.mu.Lock()
	if l, ok := q.lanes[folder]; ok {
		signalDone(l)
	}
	q.mu.Unlock()
}

func signalDone(l *lane) {
	select {
	case l.turnDone <- struct{}{}:
	default:
	}
}

// drain runs the lane until the pending list is empty: each pass takes
// everything queued so far, concatenates it into one turn, and waits
// for the done pulse before the next pass.
func (q *Queue) drain(ctx context.Context, folder string) {
	for {
		q.mu.Lock()
		l := q.lanes[folder]
		if len(l.pending) == 0 {
			l.active = false
			q.mu.Unlock()
			return
		}
		batch := l.pending
		l.pending = nil
		ws := l.ws
		// Clear any stale done signal from a previous turn's tail.
		select {
		case <-l.turnDone:
		default:
		}
		q.mu.Unlock()

		if err := q.runTurn(ctx, ws, l, batch); err != nil {
			slog.Warn("queue: turn failed", "workspace", folder, "error", err)
		}

		select {
		case <-ctx.Done():
			q.mu.Lock()
			l.active = false
			q.mu.Unlock()
			return
		default:
		}
	}
}

func (q *Queue) runTurn(ctx context.Context, ws *state.Workspace, l *lane, batch []Payload) error {
	text := concatTexts(batch)
	last := batch[len(batch)-1]

	q.mu.Lock()
	l.chatID = last.ChatID
	q.mu.Unlock()

	s, ok := q.manager.Get(ws.Folder)
	if ok && last.FreshSession {
		// An isolated turn must not land in a live session.
		if err := q.manager.Stop(ctx, ws.Folder, true); err != nil {
			slog.Warn("queue: fresh-session stop failed", "workspace", ws.Folder, "error", err)
		}
		s, ok = nil, false
	}
	if ok {
		// Warm path: reuse the live session.
		s.SetBusy(true)
		if err := s.Deliver(text); err != nil {
			s.SetBusy(false)
			return err
		}
	} else {
		token := ""
		if !last.FreshSession {
			tok, err := q.store.GetSession(ctx, ws.Folder)
			switch {
			case err == nil:
				token = tok
			case !errors.Is(err, state.ErrNotFound):
				slog.Warn("queue: session lookup failed", "workspace", ws.Folder, "error", err)
			}
		}
		var err error
		s, err = q.manager.GetOrSpawn(ctx, ws, worker.SpawnInput{
			Text:         text,
			ChatID:       last.ChatID,
			Scheduled:    last.Scheduled,
			SessionToken: token,
			Handler:      q.outputHandler(ws, l),
		})
		if err != nil {
			return err
		}
		s.SetBusy(true)
	}

	select {
	case <-l.turnDone:
	case <-ctx.Done():
	}
	s.SetBusy(false)
	return nil
}

// outputHandler forwards every event to the sink and watches for the
// done pulse that ends the turn and carries the next session token.
// The chat id is read per event; warm turns may address another chat.
func (q *Queue) outputHandler(ws *state.Workspace, l *lane) worker.OutputHandler {
	return func(ev *wire.OutputEvent) {
		q.mu.Lock()
		chatID := l.chatID
		q.mu.Unlock()
		if q.events != nil {
			q.events(ws, chatID, ev)
		}
		if !ev.IsQueryDonePulse() {
			return
		}
		if err := q.store.SetSession(context.Background(), ws.Folder, ev.NewSessionToken); err != nil {
			slog.Warn("queue: session token persist failed", "workspace", ws.Folder, "error", err)
		}
		q.mu.Lock()
		signalDone(l)
		q.mu.Unlock()
	}
}

func concatTexts(batch []Payload) string {
	if len(batch) == 1 {
		return batch[0].Text
	}
	parts := make([]string, 0, len(batch))
	for _, p := range batch {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
