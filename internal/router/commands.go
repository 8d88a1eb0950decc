package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/state"
)

// runMagic matches the stripped text against the host commands and runs
// the side effect. Reset, end-session and redeploy phrases come from
// config; approve, deny and pending are fixed vocabulary.
func (r *Router) runMagic(ctx context.Context, ws *state.Workspace, canonical string, msg bus.InboundMessage, text string) bool {
	norm := normalizePhrase(text)
	fields := strings.Fields(norm)

	switch {
	case matchPhrase(r.cfg.Commands.Reset, norm):
		r.resetWorkspace(ctx, ws, canonical, msg.Channel)
	case matchPhrase(r.cfg.Commands.EndSession, norm):
		r.endSession(ctx, ws, canonical, msg.Channel)
	case matchPhrase(r.cfg.Commands.Redeploy, norm):
		r.redeploy(ctx, ws, canonical, msg.Channel)
	case len(fields) == 2 && (fields[0] == "approve" || fields[0] == "deny"):
		r.decide(ctx, canonical, msg, fields[0], fields[1])
	case norm == "pending":
		r.listPending(ctx, ws, canonical, msg.Channel)
	default:
		return false
	}
	return true
}

// resetWorkspace stops the worker, forgets the session and archives the
// chat history behind a cleared marker. The next message starts cold.
func (r *Router) resetWorkspace(ctx context.Context, ws *state.Workspace, canonical, channel string) {
	r.lane.Interrupt(ctx, ws.Folder)
	if err := r.store.ClearSession(ctx, ws.Folder); err != nil && !errors.Is(err, state.ErrNotFound) {
		slog.Warn("router: session clear failed", "workspace", ws.Folder, "error", err)
	}
	if err := r.store.AdvanceCursor(ctx, &state.ChannelCursor{
		Channel:   channel,
		ChatID:    canonical,
		Direction: clearedDirection,
		Cursor:    state.NowUTC(),
	}); err != nil {
		slog.Warn("router: history archive marker failed", "chat_id", canonical, "error", err)
	}

	slog.Info("router: workspace reset", "workspace", ws.Folder, "chat_id", canonical)
	r.hostNotice(ctx, channel, canonical, "Context reset. The next message starts a fresh session.")
}

// endSession stops the worker and forgets the session token while
// keeping the chat history readable.
func (r *Router) endSession(ctx context.Context, ws *state.Workspace, canonical, channel string) {
	r.lane.Interrupt(ctx, ws.Folder)
	if err := r.store.ClearSession(ctx, ws.Folder); err != nil && !errors.Is(err, state.ErrNotFound) {
		slog.Warn("router: session clear failed", "workspace", ws.Folder, "error", err)
	}

	slog.Info("router: session ended", "workspace", ws.Folder, "chat_id", canonical)
	r.hostNotice(ctx, channel, canonical, "Session ended. History is kept for context.")
}

// redeploy rebuilds the worker image and restarts the host process. The
// notice must land before the restart tears the channels down, so the
// rebuild runs detached.
func (r *Router) redeploy(ctx context.Context, ws *state.Workspace, canonical, channel string) {
	if !ws.IsAdmin {
		r.hostNotice(ctx, channel, canonical, "The redeploy command is limited to admin workspaces.")
		return
	}
	r.mu.Lock()
	dep := r.deploy
	r.mu.Unlock()
	if dep == nil {
		r.hostNotice(ctx, channel, canonical, "Redeploy is not configured on this host.")
		return
	}

	r.hostNotice(ctx, channel, canonical, "Rebuilding the worker image and restarting. Back in a moment.")
	go func() {
		bg := context.WithoutCancel(ctx)
		if err := dep.Redeploy(bg, canonical); err != nil {
			slog.Error("router: redeploy failed", "chat_id", canonical, "error", err)
			r.hostNotice(bg, channel, canonical, "Redeploy failed: "+err.Error())
		}
	}()
}

// decide records a human approval decision. The approvals loop settles
// the request and reports the outcome; only resolution failures are
// reported here.
func (r *Router) decide(ctx context.Context, canonical string, msg bus.InboundMessage, verb, shortID string) {
	decidedBy := msg.SenderName
	if decidedBy == "" {
		decidedBy = msg.SenderID
	}

	p, err := r.approvals.Decide(ctx, shortID, verb, decidedBy)
	switch {
	case errors.Is(err, approvals.ErrAmbiguous):
		r.hostNotice(ctx, msg.Channel, canonical,
			fmt.Sprintf("%q matches more than one pending request. Use more characters of the id.", shortID))
	case errors.Is(err, approvals.ErrNotFound):
		r.hostNotice(ctx, msg.Channel, canonical,
			fmt.Sprintf("No pending request matches %q.", shortID))
	case err != nil:
		slog.Error("router: decision failed", "short_id", shortID, "error", err)
		r.hostNotice(ctx, msg.Channel, canonical, "Decision failed: "+err.Error())
	default:
		slog.Info("router: decision recorded",
			"short_id", shortID, "decision", verb, "workspace", p.SourceWorkspace, "decided_by", decidedBy)
	}
}

// listPending renders the open approvals and questions. Admin
// workspaces see every chat; others see their own.
func (r *Router) listPending(ctx context.Context, ws *state.Workspace, canonical, channel string) {
	pending, questions, err := r.approvals.ListPending()
	if err != nil {
		slog.Error("router: pending scan failed", "error", err)
		r.hostNotice(ctx, channel, canonical, "Could not read the pending sets: "+err.Error())
		return
	}

	var sb strings.Builder
	for _, p := range pending {
		if !ws.IsAdmin && p.ChatID != canonical {
			continue
		}
		summary := p.Summary
		if summary == "" {
			summary = p.ToolName
		}
		fmt.Fprintf(&sb, "[%s] %s: %s (workspace %s)\n", p.ShortID, p.ToolName, truncate(summary, 120), p.SourceWorkspace)
	}
	for _, q := range questions {
		if !ws.IsAdmin && q.ChatID != canonical {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %d open question(s) from workspace %s\n",
			approvals.ShortID(q.RequestID), len(q.Questions), q.SourceWorkspace)
	}

	if sb.Len() == 0 {
		r.hostNotice(ctx, channel, canonical, "Nothing pending.")
		return
	}
	r.hostNotice(ctx, channel, canonical, "Pending requests:\n"+strings.TrimRight(sb.String(), "\n")+
		"\n\nReply \"approve <id>\" or \"deny <id>\".")
}

// normalizePhrase lowercases and collapses internal whitespace so
// configured phrases match regardless of spacing.
func normalizePhrase(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func matchPhrase(phrases []string, norm string) bool {
	if norm == "" {
		return false
	}
	for _, p := range phrases {
		if normalizePhrase(p) == norm {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
