package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// pollInterval bounds how stale a dropped decision file can go
// unnoticed. Chat decisions kick the loop immediately.
const pollInterval = 2 * time.Second

// Executor replays the original action of an approved request.
type Executor interface {
	Execute(ctx context.Context, p *PendingApproval) (any, error)
}

// Notifier delivers host prompts to chats. Implemented by the channel
// manager.
type Notifier interface {
	SendToChat(ctx context.Context, chatID, text string) error
	AskUser(ctx context.Context, chatID, requestID string, questions []wire.Question) (string, string, error)
}

// Enqueuer re-enters an answer as a normal message on the workspace
// queue (cold path). Implemented by the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ws *state.Workspace, p queue.Payload)
}

// Manager runs both wait states. One instance serves every workspace.
type Manager struct {
	root    *ipc.Root
	store   state.Store
	bus     *bus.MessageBus
	notify  Notifier
	timeout time.Duration

	mu    sync.Mutex
	exec  Executor
	queue Enqueuer
	alive func(folder string) bool

	kick chan struct{}
}

func New(root *ipc.Root, store state.Store, msgBus *bus.MessageBus, notify Notifier, timeout time.Duration) *Manager {
	return &Manager{
		root:    root,
		store:   store,
		bus:     msgBus,
		notify:  notify,
		timeout: timeout,
		kick:    make(chan struct{}, 1),
	}
}

// SetExecutor wires the approve-path replay. Must be set before Run.
func (m *Manager) SetExecutor(e Executor) {
	m.mu.Lock()
	m.exec = e
	m.mu.Unlock()
}

// SetColdPath wires the question cold path: liveness probe plus queue
// re-entry.
func (m *Manager) SetColdPath(enq Enqueuer, alive func(folder string) bool) {
	m.mu.Lock()
	m.queue = enq
	m.alive = alive
	m.mu.Unlock()
}

// Run polls for decision files and expiries until the context ends.
// Decisions written through Decide are picked up immediately.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		m.resolveDue(ctx)
	}
}

func (m *Manager) kickNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// --- approvals ---

// Create persists a pending approval and prompts the chat. The worker's
// response file is deliberately not written here; it appears only once
// a decision or the timeout resolves the request.
func (m *Manager) Create(ctx context.Context, p *PendingApproval) error {
	if p.ShortID == "" {
		p.ShortID = ShortID(p.RequestID)
	}
	if p.CreatedAt == "" {
		p.CreatedAt = state.NowUTC()
	}

	dirs := m.root.Workspace(p.SourceWorkspace)
	path := filepath.Join(dirs.PendingApprovals(), p.RequestID+".json")
	if err := writeJSON(path, p); err != nil {
		return fmt.Errorf("persist pending approval: %w", err)
	}

	text := fmt.Sprintf("⚠️ Approval required [%s]: %s", p.ShortID, p.ToolName)
	if p.Summary != "" {
		text += "\n" + p.Summary
	}
	text += fmt.Sprintf("\nReply \"approve %s\" or \"deny %s\".", p.ShortID, p.ShortID)
	if err := m.notify.SendToChat(ctx, p.ChatID, text); err != nil {
		slog.Warn("approval prompt delivery failed", "request_id", p.RequestID, "chat_id", p.ChatID, "error", err)
	}

	m.bus.Broadcast(bus.Event{Name: "approval.created", Payload: p})
	slog.Info("pending approval created",
		"request_id", p.RequestID, "short_id", p.ShortID,
		"workspace", p.SourceWorkspace, "tool", p.ToolName)
	return nil
}

// Decide resolves a short id to a unique pending approval and drops the
// decision file for the poll loop. Ambiguous prefixes resolve nothing.
func (m *Manager) Decide(ctx context.Context, shortID, decision, decidedBy string) (*PendingApproval, error) {
	shortID = strings.ToLower(strings.TrimSpace(shortID))
	if shortID == "" {
		return nil, ErrNotFound
	}

	match, err := m.findByShortID(shortID)
	if err != nil {
		return nil, err
	}

	dirs := m.root.Workspace(match.SourceWorkspace)
	dec := Decision{
		RequestID: match.RequestID,
		Decision:  decision,
		DecidedBy: decidedBy,
		Timestamp: state.NowUTC(),
	}
	path := filepath.Join(dirs.ApprovalDecisions(), match.RequestID+".json")
	if err := writeJSON(path, dec); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	m.kickNow()
	return match, nil
}

func (m *Manager) findByShortID(shortID string) (*PendingApproval, error) {
	pending, _, err := m.ListPending()
	if err != nil {
		return nil, err
	}

	var match *PendingApproval
	for _, p := range pending {
		if !strings.HasPrefix(strings.ToLower(p.RequestID), shortID) {
			continue
		}
		if match != nil {
			return nil, ErrAmbiguous
		}
		match = p
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// ListPending returns every pending approval and question across all
// workspaces, oldest first per workspace.
func (m *Manager) ListPending() ([]*PendingApproval, []*PendingQuestion, error) {
	folders, err := m.root.Workspaces()
	if err != nil {
		return nil, nil, err
	}

	var approvals []*PendingApproval
	var questions []*PendingQuestion
	for _, folder := range folders {
		dirs := m.root.Workspace(folder)

		files, err := recordFiles(dirs.PendingApprovals())
		if err != nil {
			return nil, nil, err
		}
		for _, path := range files {
			var p PendingApproval
			if err := readJSON(path, &p); err != nil {
				slog.Warn("unreadable pending approval, skipping", "path", path, "error", err)
				continue
			}
			approvals = append(approvals, &p)
		}

		qfiles, err := recordFiles(dirs.PendingQuestions())
		if err != nil {
			return nil, nil, err
		}
		for _, path := range qfiles {
			var q PendingQuestion
			if err := readJSON(path, &q); err != nil {
				slog.Warn("unreadable pending question, skipping", "path", path, "error", err)
				continue
			}
			questions = append(questions, &q)
		}
	}
	return approvals, questions, nil
}

// resolveDue applies decision files and expires overdue approvals.
func (m *Manager) resolveDue(ctx context.Context) {
	pending, _, err := m.ListPending()
	if err != nil {
		slog.Error("pending scan failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, p := range pending {
		dirs := m.root.Workspace(p.SourceWorkspace)
		decPath := filepath.Join(dirs.ApprovalDecisions(), p.RequestID+".json")

		var dec Decision
		err := readJSON(decPath, &dec)
		switch {
		case err == nil:
			m.settle(ctx, p, &dec)
		case os.IsNotExist(err):
			if created, perr := time.Parse(state.TimeLayout, p.CreatedAt); perr == nil && now.Sub(created) >= m.timeout {
				m.expire(ctx, p)
			}
		default:
			slog.Warn("unreadable decision file", "path", decPath, "error", err)
		}
	}
}

// settle applies one human decision. Warm path: approve replays the
// stored action and forwards its reply, deny forwards a refusal, and
// the worker unblocks via its response file. Cold path: the worker is
// gone and a response file would only be wiped by the next spawn's
// reset, so the outcome re-enters the queue as a normal message. Either
// way both record files are removed.
func (m *Manager) settle(ctx context.Context, p *PendingApproval, dec *Decision) {
	m.mu.Lock()
	exec := m.exec
	enq := m.queue
	alive := m.alive
	m.mu.Unlock()

	approved := dec.Decision == "approve"
	warm := alive == nil || enq == nil || alive(p.SourceWorkspace)

	if warm {
		var resp wire.Response
		if approved {
			if exec == nil {
				resp = wire.ErrResponse("approval executor unavailable")
			} else if result, err := exec.Execute(ctx, p); err != nil {
				resp = wire.ErrResponse(err.Error())
			} else {
				resp = wire.OKResponse(result)
			}
		} else {
			resp = wire.ErrResponse("Denied by user")
		}

		writer := ipc.NewWriter(m.root.Workspace(p.SourceWorkspace))
		written, err := writer.WriteResponse(p.RequestID, resp)
		if err != nil {
			slog.Error("approval response write failed", "request_id", p.RequestID, "error", err)
			return
		}
		if !written {
			slog.Warn("approval response already present, cleaning up", "request_id", p.RequestID)
		}
	} else {
		// Service requests still replay here and the result rides along
		// as context. IPC requests run inside the worker, so the replay
		// defers to its next turn.
		var result any
		var execErr error
		if approved && p.HandlerType != HandlerIPC {
			if exec == nil {
				execErr = fmt.Errorf("approval executor unavailable")
			} else {
				result, execErr = exec.Execute(ctx, p)
			}
		}

		ws, err := m.store.GetWorkspaceByFolder(ctx, p.SourceWorkspace)
		if err != nil {
			slog.Error("approval cold path: resolve workspace failed",
				"request_id", p.RequestID, "workspace", p.SourceWorkspace, "error", err)
			return
		}
		enq.Enqueue(ctx, ws, queue.Payload{
			Text:   formatColdOutcome(p, approved, result, execErr),
			ChatID: p.ChatID,
		})
	}

	m.remove(p, true)

	decision := "deny"
	if approved {
		decision = "approve"
	}
	m.audit(ctx, p, decision, fmt.Sprintf("human decision by %s", orUnknown(dec.DecidedBy)))

	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	text := fmt.Sprintf("Request [%s] %s: %s", p.ShortID, outcome, p.ToolName)
	if err := m.notify.SendToChat(ctx, p.ChatID, text); err != nil {
		slog.Debug("approval outcome notice failed", "chat_id", p.ChatID, "error", err)
	}

	slog.Info("approval settled", "request_id", p.RequestID, "decision", decision, "decided_by", dec.DecidedBy, "warm", warm)
}

// formatColdOutcome turns a settled approval into the context paragraph
// a fresh worker needs when the one that raised it is gone.
func formatColdOutcome(p *PendingApproval, approved bool, result any, execErr error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your earlier request to use %q required approval.\n", p.ToolName)
	if p.Summary != "" {
		fmt.Fprintf(&sb, "Request: %s\n", p.Summary)
	}
	switch {
	case !approved:
		sb.WriteString("The user denied it. Do not retry it; continue without it.")
	case p.HandlerType == HandlerIPC:
		sb.WriteString("The user approved it. Run the command now and continue from where you left off.")
	case execErr != nil:
		fmt.Fprintf(&sb, "The user approved it, but replaying it failed: %v\nContinue from where you left off.", execErr)
	default:
		fmt.Fprintf(&sb, "The user approved it and it was executed. Result: %v\nContinue from where you left off.", result)
	}
	return sb.String()
}

// expire fails a pending approval closed after the configured wait.
func (m *Manager) expire(ctx context.Context, p *PendingApproval) {
	dirs := m.root.Workspace(p.SourceWorkspace)
	writer := ipc.NewWriter(dirs)

	if _, err := writer.WriteResponse(p.RequestID, wire.ErrResponse("timeout")); err != nil {
		slog.Error("approval timeout response write failed", "request_id", p.RequestID, "error", err)
		return
	}

	m.remove(p, false)
	m.audit(ctx, p, "timeout", "no decision within approval window")

	text := fmt.Sprintf("Request [%s] timed out without a decision: %s", p.ShortID, p.ToolName)
	if err := m.notify.SendToChat(ctx, p.ChatID, text); err != nil {
		slog.Debug("approval timeout notice failed", "chat_id", p.ChatID, "error", err)
	}

	slog.Info("approval expired", "request_id", p.RequestID, "workspace", p.SourceWorkspace)
}

// remove deletes the pending file and, optionally, its decision file.
func (m *Manager) remove(p *PendingApproval, withDecision bool) {
	dirs := m.root.Workspace(p.SourceWorkspace)
	pendingPath := filepath.Join(dirs.PendingApprovals(), p.RequestID+".json")
	if err := os.Remove(pendingPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("pending approval cleanup failed", "path", pendingPath, "error", err)
	}
	if withDecision {
		decPath := filepath.Join(dirs.ApprovalDecisions(), p.RequestID+".json")
		if err := os.Remove(decPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("decision file cleanup failed", "path", decPath, "error", err)
		}
	}
}

func (m *Manager) audit(ctx context.Context, p *PendingApproval, decision, reason string) {
	ev := &state.AuditEvent{
		Decision:  decision,
		ToolName:  p.ToolName,
		Workspace: p.SourceWorkspace,
		Reason:    reason,
		RequestID: p.RequestID,
		Timestamp: state.NowUTC(),
	}
	if err := m.store.AppendAudit(ctx, ev); err != nil {
		slog.Error("audit append failed", "request_id", p.RequestID, "error", err)
	}
	m.bus.Broadcast(bus.Event{Name: "audit", Payload: ev})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
