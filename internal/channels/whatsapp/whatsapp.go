// Package whatsapp connects the host to a WhatsApp bridge via
// WebSocket. The bridge (e.g. whatsapp-web.js based) handles the actual
// WhatsApp protocol; this channel just exchanges JSON frames over WS.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/channels"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/state"
)

// frame is the bridge wire format, both directions.
type frame struct {
	Type         string   `json:"type"`
	ID           string   `json:"id,omitempty"`
	To           string   `json:"to,omitempty"`
	From         string   `json:"from,omitempty"`
	FromName     string   `json:"from_name,omitempty"`
	Chat         string   `json:"chat,omitempty"`
	Content      string   `json:"content,omitempty"`
	Reaction     string   `json:"reaction,omitempty"`
	TargetID     string   `json:"target_id,omitempty"`
	Media        []string `json:"media,omitempty"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
	ChatID       string   `json:"chat_id,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Channel connects to a WhatsApp bridge via WebSocket.
type Channel struct {
	*channels.BaseChannel
	cfg    config.WhatsAppConfig
	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// create_group replies are correlated by frame id.
	pending sync.Map // frameID string → chan frame
}

// New creates a WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}, nil
}

// Owns reports whether this channel routes the chat. WhatsApp JIDs end
// in "@s.whatsapp.net" (direct) or "@g.us" (group).
func (c *Channel) Owns(chatID string) bool {
	if c.BaseChannel.Owns(chatID) {
		return true
	}
	return strings.HasSuffix(chatID, "@s.whatsapp.net") || strings.HasSuffix(chatID, "@g.us")
}

// Start connects to the bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.cfg.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// Don't fail hard — the reconnect loop keeps trying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	return nil
}

// Stop gracefully shuts down the channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.SetConnected(false)

	return nil
}

// SendMessage delivers text to a chat through the bridge.
func (c *Channel) SendMessage(_ context.Context, chatID, text string) error {
	return c.write(frame{Type: "message", To: chatID, Content: text})
}

// SendReaction asks the bridge to react to a message.
func (c *Channel) SendReaction(_ context.Context, chatID, messageID, emoji string) error {
	return c.write(frame{Type: "reaction", To: chatID, TargetID: messageID, Reaction: emoji})
}

// SetTyping toggles the typing indicator through the bridge.
func (c *Channel) SetTyping(_ context.Context, chatID string, active bool) error {
	content := ""
	if active {
		content = "on"
	}
	return c.write(frame{Type: "typing", To: chatID, Content: content})
}

// CreateGroup asks the bridge to provision a group chat and waits for
// the correlated reply carrying the new JID.
func (c *Channel) CreateGroup(ctx context.Context, name string, memberIDs []string) (string, error) {
	id := uuid.NewString()
	reply := make(chan frame, 1)
	c.pending.Store(id, reply)
	defer c.pending.Delete(id)

	if err := c.write(frame{Type: "create_group", ID: id, Name: name, Participants: memberIDs}); err != nil {
		return "", err
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return "", fmt.Errorf("bridge create_group: %s", f.Error)
		}
		if f.ChatID == "" {
			return "", fmt.Errorf("bridge create_group returned no chat id")
		}
		return f.ChatID, nil
	case <-time.After(30 * time.Second):
		return "", fmt.Errorf("bridge create_group timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// write marshals and sends one frame under the connection lock.
func (c *Channel) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.SetConnected(true)

	slog.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			c.SetConnected(false)

			continue
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}

		switch f.Type {
		case "message":
			c.handleIncoming(f)
		case "reaction":
			c.handleIncomingReaction(f)
		case "group_created":
			if ch, ok := c.pending.Load(f.ID); ok {
				ch.(chan frame) <- f
			}
		}
	}
}

// handleIncoming forwards a bridge message onto the bus.
func (c *Channel) handleIncoming(f frame) {
	if f.From == "" {
		return
	}

	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}

	content := f.Content
	if content == "" && len(f.Media) == 0 {
		return
	}

	chatType := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		chatType = "group"
	}

	slog.Debug("whatsapp message received",
		"sender_id", f.From,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(bus.InboundMessage{
		ChatID:     chatID,
		SenderID:   f.From,
		SenderName: f.FromName,
		Content:    content,
		MessageID:  f.ID,
		Media:      f.Media,
		Timestamp:  state.NowUTC(),
		Metadata:   map[string]string{"chat_type": chatType},
	})
}

// handleIncomingReaction forwards a user reaction onto the bus.
func (c *Channel) handleIncomingReaction(f frame) {
	if f.From == "" || f.Reaction == "" {
		return
	}

	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}

	c.HandleMessage(bus.InboundMessage{
		ChatID:          chatID,
		SenderID:        f.From,
		Reaction:        f.Reaction,
		TargetMessageID: f.TargetID,
		Timestamp:       state.NowUTC(),
	})
}
