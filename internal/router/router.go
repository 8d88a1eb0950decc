// Package router is the host's message pipeline. Inbound chat messages
// flow from the bus through duplicate suppression, alias resolution,
// history recording, trigger gating and magic-command detection before
// they become queue work for a workspace. The outbound half turns
// worker output events back into channel deliveries.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

const (
	seenTTL = 10 * time.Minute
	seenMax = 4096

	// hostSender labels host-originated notices in chat history.
	hostSender = "warden"

	ackEmoji  = "👀"
	doneEmoji = "✅"

	// clearedDirection is the cursor slot holding a chat's history
	// archive point. Forward-only cursor semantics make the marker
	// monotonic across repeated resets.
	clearedDirection = "cleared"
)

// Lane is the per-workspace execution surface the router drives.
// Implemented by the queue.
type Lane interface {
	Enqueue(ctx context.Context, ws *state.Workspace, p queue.Payload)
	Interrupt(ctx context.Context, folder string)
	IsActive(folder string) bool
}

// Deployer rebuilds the worker image and restarts the host. Wired by
// the composition root; nil leaves the redeploy command unconfigured.
type Deployer interface {
	Redeploy(ctx context.Context, chatID string) error
}

// ackRef remembers which inbound message triggered the in-flight turn
// so completion feedback can land on it.
type ackRef struct {
	channel   string
	chatID    string
	messageID string
}

// Router consumes inbound bus messages and turns them into workspace
// turns, host commands, approval decisions or question answers.
type Router struct {
	cfg       *config.Config
	store     state.Store
	bus       *bus.MessageBus
	lane      Lane
	approvals *approvals.Manager
	seen      *bus.DedupeCache

	mu     sync.Mutex
	deploy Deployer
	turns  map[string]*turnState // in-flight response streams, by folder
	acks   map[string]ackRef     // turn-triggering messages, by folder
}

func New(cfg *config.Config, store state.Store, msgBus *bus.MessageBus, lane Lane, apr *approvals.Manager) *Router {
	return &Router{
		cfg:       cfg,
		store:     store,
		bus:       msgBus,
		lane:      lane,
		approvals: apr,
		seen:      bus.NewDedupeCache(seenTTL, seenMax),
		turns:     make(map[string]*turnState),
		acks:      make(map[string]ackRef),
	}
}

// SetDeployer wires the redeploy command. Must be set before Run when
// redeploy is offered.
func (r *Router) SetDeployer(d Deployer) {
	r.mu.Lock()
	r.deploy = d
	r.mu.Unlock()
}

// Run consumes inbound messages until the context ends. Duplicate
// deliveries are dropped before the debouncer so redelivery of an early
// fragment cannot reopen a merged batch.
func (r *Router) Run(ctx context.Context) {
	deb := bus.NewInboundDebouncer(r.cfg.InboundDebounce(), func(msg bus.InboundMessage) {
		r.handleInbound(ctx, msg)
	})
	defer deb.Stop()

	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if key := dedupeKey(msg); key != "" && r.seen.IsDuplicate(key) {
			slog.Debug("router: duplicate delivery dropped",
				"channel", msg.Channel, "chat_id", msg.ChatID, "message_id", msg.MessageID)
			continue
		}
		deb.Push(msg)
	}
}

func (r *Router) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	canonical := r.canonicalChat(ctx, msg)
	ws, err := r.workspaceFor(ctx, canonical, msg)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			slog.Debug("router: message for unregistered chat ignored",
				"channel", msg.Channel, "chat_id", canonical)
		} else {
			slog.Warn("router: workspace lookup failed", "chat_id", canonical, "error", err)
		}
		return
	}

	if msg.Reaction != "" {
		r.handleReaction(ctx, ws, canonical, msg)
		return
	}

	// History is written before gating so group context and replay
	// detection cover messages the agent never acts on.
	if !r.recordInbound(ctx, canonical, msg) {
		return
	}

	// Interactive answers carry the request id from the channel widget.
	if rid := msg.Metadata["ask_request_id"]; rid != "" {
		r.answerByRequestID(ctx, rid, msg)
		return
	}

	// A reply aimed at a question bubble is an answer even without the
	// trigger.
	if msg.TargetMessageID != "" {
		if q, ok := r.approvals.FindQuestion(canonical, msg.TargetMessageID); ok && q.MessageID == msg.TargetMessageID {
			r.answerQuestion(ctx, q, strings.TrimSpace(msg.Content))
			return
		}
	}

	text, active := r.matchTrigger(ws, msg)
	if !active {
		return // recorded as context only
	}
	if text == "" && len(msg.Media) == 0 {
		return
	}

	if r.runMagic(ctx, ws, canonical, msg, text) {
		return
	}

	// An open question for this chat consumes the next addressed message.
	if q, ok := r.approvals.FindQuestion(canonical, ""); ok {
		r.answerQuestion(ctx, q, text)
		return
	}

	r.acknowledge(msg, canonical)
	r.noteAck(ws.Folder, msg.Channel, canonical, msg.MessageID)
	r.lane.Enqueue(ctx, ws, queue.Payload{
		Text:   turnText(msg, text),
		ChatID: canonical,
	})
	slog.Info("router: message enqueued",
		"workspace", ws.Folder, "chat_id", canonical, "channel", msg.Channel)
}

// canonicalChat maps a platform chat id to the workspace-keying id.
// Unaliased chats stand for themselves.
func (r *Router) canonicalChat(ctx context.Context, msg bus.InboundMessage) string {
	id, err := r.store.ResolveChatAlias(ctx, msg.Channel, msg.ChatID)
	switch {
	case err == nil && id != "":
		return id
	case err != nil && !errors.Is(err, state.ErrNotFound):
		slog.Warn("router: alias lookup failed",
			"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
	return msg.ChatID
}

// workspaceFor resolves the workspace owning a canonical chat id. On a
// host with no workspaces at all, the first allowlisted direct message
// claims the admin workspace; everything else requires registration.
func (r *Router) workspaceFor(ctx context.Context, canonical string, msg bus.InboundMessage) (*state.Workspace, error) {
	ws, err := r.store.GetWorkspace(ctx, canonical)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	if isGroup(msg) || msg.Reaction != "" || msg.Content == "" {
		return nil, state.ErrNotFound
	}
	existing, err := r.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, state.ErrNotFound
	}

	now := state.NowUTC()
	ws = &state.Workspace{
		ID:        canonical,
		Name:      "main",
		Folder:    "main",
		Trigger:   r.cfg.WorkspaceDefaults.Trigger,
		IsAdmin:   true,
		Security:  r.cfg.WorkspaceDefaults.Security,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.UpsertWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := r.store.UpsertChatAlias(ctx, &state.ChatAlias{
		Channel:     msg.Channel,
		PlatformID:  msg.ChatID,
		CanonicalID: canonical,
	}); err != nil {
		slog.Warn("router: alias record failed", "chat_id", canonical, "error", err)
	}

	slog.Info("router: admin workspace claimed by first contact",
		"chat_id", canonical, "channel", msg.Channel, "sender", msg.SenderID)
	r.hostNotice(ctx, msg.Channel, canonical,
		"Registered this chat as the admin workspace \"main\".")
	return ws, nil
}

// recordInbound stores the message idempotently and reports whether it
// is new. A store failure never eats the message.
func (r *Router) recordInbound(ctx context.Context, canonical string, msg bus.InboundMessage) bool {
	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ts := msg.Timestamp
	if ts == "" {
		ts = state.NowUTC()
	}

	stored, err := r.store.StoreMessage(ctx, &state.Message{
		ID:         id,
		ChatID:     canonical,
		Sender:     msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  ts,
		Direction:  state.DirectionInbound,
		Metadata:   msg.Metadata,
	})
	if err != nil {
		slog.Warn("router: message store failed", "chat_id", canonical, "error", err)
		return true
	}
	if !stored && msg.MessageID != "" {
		slog.Debug("router: replayed message ignored", "chat_id", canonical, "message_id", msg.MessageID)
		return false
	}

	if err := r.store.AdvanceCursor(ctx, &state.ChannelCursor{
		Channel:   msg.Channel,
		ChatID:    canonical,
		Direction: state.DirectionInbound,
		Cursor:    ts,
	}); err != nil {
		slog.Debug("router: inbound cursor advance failed", "chat_id", canonical, "error", err)
	}
	return true
}

// handleReaction services the two recognized user reactions: eyes asks
// for another pass over a message, the cross interrupts the lane.
func (r *Router) handleReaction(ctx context.Context, ws *state.Workspace, canonical string, msg bus.InboundMessage) {
	switch msg.Reaction {
	case "👀":
		prompt := "Take another look at the recent conversation and address anything unhandled."
		if content := r.messageContent(ctx, canonical, msg.TargetMessageID); content != "" {
			prompt = "The user flagged this message for another look:\n" + content
		}
		r.lane.Enqueue(ctx, ws, queue.Payload{Text: prompt, ChatID: canonical})
		slog.Info("router: recheck requested", "workspace", ws.Folder, "chat_id", canonical)

	case "✗", "❌", "🚫":
		r.lane.Interrupt(ctx, ws.Folder)
		r.hostNotice(ctx, msg.Channel, canonical, "Interrupted.")
	}
}

// messageContent finds a recorded message by platform id within the
// recent history window.
func (r *Router) messageContent(ctx context.Context, chatID, messageID string) string {
	if messageID == "" {
		return ""
	}
	msgs, err := r.store.ListMessages(ctx, chatID, 100)
	if err != nil {
		slog.Warn("router: history lookup failed", "chat_id", chatID, "error", err)
		return ""
	}
	for _, m := range msgs {
		if m.ID == messageID {
			return m.Content
		}
	}
	return ""
}

// answerByRequestID resolves a widget answer (inline keyboard callback)
// to its pending question.
func (r *Router) answerByRequestID(ctx context.Context, requestID string, msg bus.InboundMessage) {
	q, ok := r.approvals.QuestionByRequestID(requestID)
	if !ok {
		slog.Debug("router: answer for unknown question ignored", "request_id", requestID)
		return
	}
	answers := wire.AskAnswer{}
	if question := msg.Metadata["ask_question"]; question != "" {
		answers[question] = msg.Content
	} else {
		for _, question := range q.Questions {
			answers[question.Text] = msg.Content
		}
	}
	if err := r.approvals.AnswerQuestion(ctx, q, answers); err != nil {
		slog.Error("router: question answer failed", "request_id", requestID, "error", err)
	}
}

// answerQuestion applies one free-text reply to every open question in
// the pending record.
func (r *Router) answerQuestion(ctx context.Context, q *approvals.PendingQuestion, text string) {
	if text == "" {
		return
	}
	answers := wire.AskAnswer{}
	for _, question := range q.Questions {
		answers[question.Text] = text
	}
	if err := r.approvals.AnswerQuestion(ctx, q, answers); err != nil {
		slog.Error("router: question answer failed", "request_id", q.RequestID, "error", err)
	}
}

// matchTrigger decides whether the message addresses the agent and
// strips the trigger prefix. Direct chats are always addressed; group
// chats require the workspace trigger, an agent alias or a platform
// mention.
func (r *Router) matchTrigger(ws *state.Workspace, msg bus.InboundMessage) (string, bool) {
	text := strings.TrimSpace(msg.Content)

	for _, trigger := range r.triggers(ws) {
		if rest, ok := stripPrefixFold(text, trigger); ok {
			return rest, true
		}
	}
	if !isGroup(msg) {
		return text, true
	}
	if msg.Metadata["mentioned"] == "true" {
		return text, true
	}
	return "", false
}

// triggers lists the accepted address prefixes, most specific first.
func (r *Router) triggers(ws *state.Workspace) []string {
	out := []string{r.cfg.TriggerFor(ws)}
	for _, alias := range r.cfg.Agent.TriggerAliases {
		if alias != "" {
			out = append(out, alias)
		}
	}
	if name := r.cfg.Agent.Name; name != "" {
		out = append(out, "@"+name, name)
	}
	return out
}

// acknowledge gives immediate feedback on an accepted message: a seen
// reaction on the message and a typing indicator on the chat.
func (r *Router) acknowledge(msg bus.InboundMessage, canonical string) {
	if msg.MessageID != "" {
		r.bus.PublishOutbound(bus.OutboundMessage{
			Channel:         msg.Channel,
			ChatID:          canonical,
			Kind:            bus.OutboundReaction,
			TargetMessageID: msg.MessageID,
			Content:         ackEmoji,
		})
	}
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  canonical,
		Kind:    bus.OutboundTyping,
		Content: "on",
	})
}

// dedupeKey builds the suppression key for one delivery. Messages
// without a platform id cannot be keyed and skip the cache.
func dedupeKey(msg bus.InboundMessage) string {
	if msg.Reaction != "" {
		return strings.Join([]string{"r", msg.Channel, msg.ChatID, msg.SenderID, msg.TargetMessageID, msg.Reaction}, "|")
	}
	if msg.MessageID == "" {
		return ""
	}
	return strings.Join([]string{msg.Channel, msg.SenderID, msg.ChatID, msg.MessageID}, "|")
}

// isGroup reports whether the message came from a multi-user chat.
// Unknown chat types default to direct-message behavior.
func isGroup(msg bus.InboundMessage) bool {
	switch msg.Metadata["chat_type"] {
	case "group", "supergroup", "guild", "channel":
		return true
	}
	return strings.HasSuffix(msg.ChatID, "@g.us")
}

// stripPrefixFold strips a case-insensitive prefix ending at a word
// boundary, plus one separator rune, so "@ai" never matches "@aide".
func stripPrefixFold(text, prefix string) (string, bool) {
	if prefix == "" || len(text) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	rest := text[len(prefix):]
	if rest != "" {
		r0, size := utf8.DecodeRuneInString(rest)
		switch {
		case unicode.IsSpace(r0):
		case r0 == ':' || r0 == ',' || r0 == '!' || r0 == '.':
		default:
			return "", false
		}
		rest = rest[size:]
	}
	return strings.TrimSpace(rest), true
}

// turnText renders the worker-facing form of a message: sender
// attribution in groups and attachment references the adapters did not
// inline.
func turnText(msg bus.InboundMessage, text string) string {
	for _, media := range msg.Media {
		if !strings.Contains(text, media) {
			if text != "" {
				text += "\n"
			}
			text += "[attachment: " + media + "]"
		}
	}
	if isGroup(msg) && msg.SenderName != "" {
		return msg.SenderName + ": " + text
	}
	return text
}
