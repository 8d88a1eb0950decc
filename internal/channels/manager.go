package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// streamEditInterval bounds how often a streamed draft is re-edited in
// place. Platforms rate-limit edits aggressively; the final text always
// lands regardless.
const streamEditInterval = 1500 * time.Millisecond

// sendAttempts bounds delivery tries for outbound text. Cosmetic sends
// (reactions, typing, stream edits) stay single-shot.
const (
	sendAttempts   = 3
	sendRetryPause = time.Second
)

// streamState tracks one in-flight incremental reply on one chat.
type streamState struct {
	id       string // stream id stamped by the router, one per turn
	msgID    string // platform message id being edited
	lastEdit time.Time
}

// Manager owns the registered channels, handling their lifecycle and
// routing outbound messages to whichever connected channel owns the
// target chat. Send errors are logged and never propagate: losing one
// delivery must not take down the host.
type Manager struct {
	bus      *bus.MessageBus
	limiter  *ChatRateLimiter
	mu       sync.RWMutex
	channels map[string]Channel
	cancel   context.CancelFunc

	streamMu sync.Mutex
	streams  map[string]*streamState // keyed channel|chat
}

// NewManager creates a channel manager. Channels are registered
// externally via Register before StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		limiter:  NewChatRateLimiter(),
		channels: make(map[string]Channel),
		streams:  make(map[string]*streamState),
	}
}

// Register adds a channel to the manager.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts all registered channels and the outbound dispatch
// loop. A channel that fails to start is logged and skipped; the rest
// keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	return nil
}

// StopAll gracefully stops all channels and the dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes
// each to the owning channel by capability.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	ch := m.resolve(msg)
	if ch == nil {
		slog.Warn("no connected channel owns chat", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	switch msg.Kind {
	case bus.OutboundReaction:
		rc, ok := ch.(ReactionChannel)
		if !ok {
			return
		}
		if err := rc.SendReaction(ctx, msg.ChatID, msg.TargetMessageID, msg.Content); err != nil {
			slog.Debug("reaction send failed", "channel", ch.Name(), "chat_id", msg.ChatID, "error", err)
		}

	case bus.OutboundTyping:
		tc, ok := ch.(TypingChannel)
		if !ok {
			return
		}
		if err := tc.SetTyping(ctx, msg.ChatID, msg.Content != ""); err != nil {
			slog.Debug("typing toggle failed", "channel", ch.Name(), "chat_id", msg.ChatID, "error", err)
		}

	case bus.OutboundUpdate:
		sc, ok := ch.(StreamingChannel)
		if ok && msg.TargetMessageID != "" {
			// Caller tracks its own platform message id.
			if err := sc.UpdateMessage(ctx, msg.ChatID, msg.TargetMessageID, msg.Content); err != nil {
				slog.Debug("message update failed", "channel", ch.Name(), "chat_id", msg.ChatID, "error", err)
			}
			return
		}
		if !ok || !sc.StreamingEnabled() {
			// Non-streaming channels get the final text on result instead.
			return
		}
		m.streamUpdate(ctx, sc, msg)

	default:
		m.sendFinal(ctx, ch, msg)
	}
}

// streamUpdate applies one draft revision to a streaming channel: the
// first revision of a stream opens a new message, later ones edit it in
// place at a bounded rate.
func (m *Manager) streamUpdate(ctx context.Context, sc StreamingChannel, msg bus.OutboundMessage) {
	key := sc.Name() + "|" + msg.ChatID
	sid := msg.Metadata["stream_id"]

	m.streamMu.Lock()
	st, ok := m.streams[key]
	if !ok || st.id != sid {
		st = &streamState{id: sid}
		m.streams[key] = st
	}
	msgID := st.msgID
	throttled := msgID != "" && time.Since(st.lastEdit) < streamEditInterval
	m.streamMu.Unlock()

	if throttled || msg.Content == "" {
		return
	}

	if msgID == "" {
		id, err := sc.OpenStream(ctx, msg.ChatID, msg.Content)
		if err != nil {
			slog.Debug("stream open failed", "channel", sc.Name(), "chat_id", msg.ChatID, "error", err)
			return
		}
		m.streamMu.Lock()
		st.msgID = id
		st.lastEdit = time.Now()
		m.streamMu.Unlock()
		return
	}

	if err := sc.UpdateMessage(ctx, msg.ChatID, msgID, msg.Content); err != nil {
		slog.Debug("stream update failed", "channel", sc.Name(), "chat_id", msg.ChatID, "error", err)
		return
	}
	m.streamMu.Lock()
	st.lastEdit = time.Now()
	m.streamMu.Unlock()
}

// sendFinal delivers the finished text. When the message closes a live
// stream on a streaming channel, the streamed bubble is edited to the
// final content instead of sending a second message.
func (m *Manager) sendFinal(ctx context.Context, ch Channel, msg bus.OutboundMessage) {
	if sc, ok := ch.(StreamingChannel); ok {
		if sid := msg.Metadata["stream_id"]; sid != "" {
			key := sc.Name() + "|" + msg.ChatID
			m.streamMu.Lock()
			st, live := m.streams[key]
			if live && st.id == sid {
				delete(m.streams, key)
			} else {
				st = nil
			}
			m.streamMu.Unlock()

			if st != nil && st.msgID != "" {
				if err := sc.UpdateMessage(ctx, msg.ChatID, st.msgID, msg.Content); err == nil {
					return
				}
				// Edit failed; deliver as a fresh message below.
			}
		}
	}
	m.sendText(ctx, ch, msg.ChatID, msg.Content)
}

func (m *Manager) sendText(ctx context.Context, ch Channel, chatID, text string) {
	if text == "" {
		return
	}
	if !m.limiter.Allow(chatID) {
		slog.Warn("outbound rate limit hit, dropping message", "channel", ch.Name(), "chat_id", chatID)
		return
	}
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = ch.SendMessage(ctx, chatID, text); err == nil {
			return
		}
		if attempt < sendAttempts {
			slog.Debug("send failed, retrying", "channel", ch.Name(), "chat_id", chatID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendRetryPause):
			}
		}
	}
	slog.Error("error sending message to channel", "channel", ch.Name(), "chat_id", chatID, "error", err)
}

// resolve picks the channel for an outbound message: explicit channel
// name first, then ownership scan over connected channels.
func (m *Manager) resolve(msg bus.OutboundMessage) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if msg.Channel != "" {
		if ch, ok := m.channels[msg.Channel]; ok && ch.IsConnected() {
			return ch
		}
	}
	for _, ch := range m.channels {
		if ch.IsConnected() && ch.Owns(msg.ChatID) {
			return ch
		}
	}
	return nil
}

// SendToChat delivers text directly to whichever channel owns the chat,
// bypassing the bus. Used for host notices that must not race shutdown.
func (m *Manager) SendToChat(ctx context.Context, chatID, text string) error {
	ch := m.resolve(bus.OutboundMessage{ChatID: chatID})
	if ch == nil {
		return fmt.Errorf("no connected channel owns chat %s", chatID)
	}
	return ch.SendMessage(ctx, chatID, text)
}

// AskUser presents worker questions on the owning channel, if it
// supports the ask_user capability. Returns the channel name and the
// platform message id of the prompt.
func (m *Manager) AskUser(ctx context.Context, chatID, requestID string, questions []wire.Question) (string, string, error) {
	ch := m.resolve(bus.OutboundMessage{ChatID: chatID})
	if ch == nil {
		return "", "", fmt.Errorf("no connected channel owns chat %s", chatID)
	}
	ac, ok := ch.(AskUserChannel)
	if !ok {
		return ch.Name(), "", fmt.Errorf("channel %s cannot ask questions", ch.Name())
	}
	msgID, err := ac.SendAskUser(ctx, chatID, requestID, questions)
	if err != nil {
		return ch.Name(), "", err
	}
	return ch.Name(), msgID, nil
}

// CreateGroup provisions a new group chat on the named channel and
// returns its canonical chat id. With an empty name, the first
// connected group-capable channel is used.
func (m *Manager) CreateGroup(ctx context.Context, channel, name string, members []string) (string, error) {
	var gc GroupChannel
	if channel != "" {
		ch, ok := m.Get(channel)
		if !ok {
			return "", fmt.Errorf("unknown channel %s", channel)
		}
		gc, ok = ch.(GroupChannel)
		if !ok {
			return "", fmt.Errorf("channel %s cannot create groups", channel)
		}
	} else {
		m.mu.RLock()
		for _, ch := range m.channels {
			if g, ok := ch.(GroupChannel); ok && g.IsConnected() {
				gc = g
				break
			}
		}
		m.mu.RUnlock()
		if gc == nil {
			return "", fmt.Errorf("no connected channel can create groups")
		}
	}
	if !gc.IsConnected() {
		return "", fmt.Errorf("channel %s is not connected", gc.Name())
	}
	chatID, err := gc.CreateGroup(ctx, name, members)
	if err != nil {
		return "", fmt.Errorf("creating group on %s: %w", gc.Name(), err)
	}
	return chatID, nil
}

// Status returns the connectivity of all channels, keyed by name.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsConnected()
	}
	return status
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
