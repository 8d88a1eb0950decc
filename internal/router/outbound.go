package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// turnState accumulates one response stream. The stream id ties the
// draft revisions and the final text together across the bus.
type turnState struct {
	streamID string
	chatID   string
	draft    strings.Builder
}

// HandleWorkerEvent is the queue's event sink: every worker output
// event lands here in stream order. Text events become draft revisions,
// the result carries the final reply, the done pulse closes the turn.
func (r *Router) HandleWorkerEvent(ws *state.Workspace, chatID string, ev *wire.OutputEvent) {
	switch ev.Type {
	case wire.OutputText:
		r.streamText(ws, chatID, ev.Text)

	case wire.OutputToolUse:
		// Keep the typing indicator alive through long tool phases.
		r.bus.PublishOutbound(bus.OutboundMessage{
			ChatID:  chatID,
			Kind:    bus.OutboundTyping,
			Content: "on",
		})

	case wire.OutputResult:
		if ev.IsQueryDonePulse() {
			r.finishTurn(ws.Folder)
			return
		}
		if ev.Result != "" {
			r.deliverResult(ws, chatID, ev.Result)
		}

	case wire.OutputSystem:
		if ev.Text != "" {
			slog.Debug("worker system event", "workspace", ws.Folder, "text", ev.Text)
		}
	}
}

// streamText folds one text block into the turn's draft and publishes
// the revision. Non-streaming channels ignore revisions and wait for
// the final text.
func (r *Router) streamText(ws *state.Workspace, chatID, text string) {
	if text == "" {
		return
	}

	r.mu.Lock()
	st := r.turns[ws.Folder]
	if st == nil || st.chatID != chatID {
		st = &turnState{streamID: uuid.NewString(), chatID: chatID}
		r.turns[ws.Folder] = st
	}
	if st.draft.Len() > 0 {
		st.draft.WriteByte('\n')
	}
	st.draft.WriteString(text)
	draft := st.draft.String()
	sid := st.streamID
	r.mu.Unlock()

	r.bus.PublishOutbound(bus.OutboundMessage{
		ChatID:   chatID,
		Kind:     bus.OutboundUpdate,
		Content:  draft,
		Metadata: map[string]string{"stream_id": sid},
	})
}

// deliverResult publishes the final reply, records it as history and
// flips the seen reaction to done.
func (r *Router) deliverResult(ws *state.Workspace, chatID, result string) {
	r.mu.Lock()
	st := r.turns[ws.Folder]
	delete(r.turns, ws.Folder)
	ack, hasAck := r.acks[ws.Folder]
	r.mu.Unlock()

	meta := map[string]string{}
	if st != nil {
		meta["stream_id"] = st.streamID
	}

	text := result
	if r.cfg.Agent.NamePrefix && r.cfg.Agent.Name != "" {
		text = r.cfg.Agent.Name + ": " + text
	}
	r.bus.PublishOutbound(bus.OutboundMessage{
		ChatID:   chatID,
		Content:  text,
		Metadata: meta,
	})

	if _, err := r.store.StoreMessage(context.Background(), &state.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Sender:     r.cfg.Agent.Name,
		SenderName: r.cfg.Agent.Name,
		Content:    result,
		Timestamp:  state.NowUTC(),
		Direction:  state.DirectionOutbound,
	}); err != nil {
		slog.Warn("router: reply store failed", "chat_id", chatID, "error", err)
	}

	if hasAck && ack.messageID != "" && ack.chatID == chatID {
		r.bus.PublishOutbound(bus.OutboundMessage{
			Channel:         ack.channel,
			ChatID:          chatID,
			Kind:            bus.OutboundReaction,
			TargetMessageID: ack.messageID,
			Content:         doneEmoji,
		})
	}
}

// finishTurn clears the stream and ack state when the worker signals
// end-of-turn.
func (r *Router) finishTurn(folder string) {
	r.mu.Lock()
	delete(r.turns, folder)
	delete(r.acks, folder)
	r.mu.Unlock()
}

// noteAck remembers which message triggered the next turn so completion
// feedback can target it.
func (r *Router) noteAck(folder, channel, chatID, messageID string) {
	if messageID == "" {
		return
	}
	r.mu.Lock()
	r.acks[folder] = ackRef{channel: channel, chatID: chatID, messageID: messageID}
	r.mu.Unlock()
}

// NotifyCrash reports a worker that died mid-turn to the chat it was
// serving. Wired to the worker manager's crash hook.
func (r *Router) NotifyCrash(folder string, err error) {
	ctx := context.Background()
	ws, werr := r.store.GetWorkspaceByFolder(ctx, folder)
	if werr != nil {
		slog.Warn("router: crash notice for unknown workspace", "workspace", folder, "error", werr)
		return
	}

	chatID := ws.ID
	r.mu.Lock()
	if st := r.turns[folder]; st != nil {
		chatID = st.chatID
	}
	delete(r.turns, folder)
	delete(r.acks, folder)
	r.mu.Unlock()

	slog.Error("router: worker crashed mid-turn", "workspace", folder, "error", err)
	r.hostNotice(ctx, "", chatID, "The agent process exited unexpectedly. The lane was released; your last message may need resending.")
}

// hostNotice delivers an operational message on the regular outbound
// path and records it as history under the host's own sender.
func (r *Router) hostNotice(ctx context.Context, channel, chatID, text string) {
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: text,
	})
	if _, err := r.store.StoreMessage(ctx, &state.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Sender:     hostSender,
		SenderName: hostSender,
		Content:    text,
		Timestamp:  state.NowUTC(),
		Direction:  state.DirectionHostNotice,
	}); err != nil {
		slog.Warn("router: notice store failed", "chat_id", chatID, "error", err)
	}
}
