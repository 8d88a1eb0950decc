// Package channels provides the channel abstraction layer for
// multi-platform messaging. Channels connect external platforms
// (Telegram, Discord, the WhatsApp bridge) to the host runtime via the
// message bus.
//
// A channel exposes the minimum Channel surface plus whatever optional
// capabilities its platform supports. Callers must test capability
// membership explicitly: a channel that cannot react simply does not
// implement ReactionChannel.
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Channel is the surface every adapter must implement.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// Owns reports whether this channel routes the canonical chat id.
	Owns(chatID string) bool

	// IsConnected reports whether the channel is ready to send.
	IsConnected() bool

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// SendMessage delivers text to a chat. Errors are logged by the
	// manager and never treated as fatal.
	SendMessage(ctx context.Context, chatID, text string) error
}

// ReactionChannel is implemented by channels that can attach emoji
// reactions to user messages (status feedback: seen, working, done).
type ReactionChannel interface {
	Channel
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// TypingChannel is implemented by channels with a typing indicator.
type TypingChannel interface {
	Channel
	SetTyping(ctx context.Context, chatID string, active bool) error
}

// StreamingChannel is implemented by channels that can deliver a reply
// incrementally: an opening send that reports the platform message id,
// then in-place edits of that same message as the draft grows.
type StreamingChannel interface {
	Channel

	// StreamingEnabled reports whether incremental delivery is switched
	// on in this channel's configuration.
	StreamingEnabled() bool

	// OpenStream sends the first chunk and returns the platform message
	// id for subsequent UpdateMessage calls.
	OpenStream(ctx context.Context, chatID, text string) (string, error)

	// UpdateMessage replaces the content of a previously sent message.
	UpdateMessage(ctx context.Context, chatID, messageID, text string) error
}

// AskUserChannel is implemented by channels that can present a worker's
// ask_user questions interactively (e.g. inline keyboards). Returns the
// platform message id of the prompt so answers can be correlated.
type AskUserChannel interface {
	Channel
	SendAskUser(ctx context.Context, chatID, requestID string, questions []wire.Question) (string, error)
}

// GroupChannel is implemented by channels that can provision a new
// group chat, used by admins to set up scheduled-agent chats.
type GroupChannel interface {
	Channel
	CreateGroup(ctx context.Context, name string, memberIDs []string) (string, error)
}

// BaseChannel provides shared functionality for channel adapters.
// Implementations embed this struct.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string

	mu        sync.RWMutex
	connected bool
	chats     map[string]bool // canonical chat ids observed this run
}

// NewBaseChannel creates a BaseChannel with the given parameters.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
		chats:     make(map[string]bool),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsConnected reports whether the channel is ready to send.
func (c *BaseChannel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetConnected updates the connected state.
func (c *BaseChannel) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// TrackChat records a chat id as owned by this channel.
func (c *BaseChannel) TrackChat(chatID string) {
	if chatID == "" {
		return
	}
	c.mu.Lock()
	c.chats[chatID] = true
	c.mu.Unlock()
}

// Owns reports whether a chat id has been observed on this channel.
// Adapters typically combine this with a platform id-shape check so
// ownership survives restarts.
func (c *BaseChannel) Owns(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chats[chatID]
}

// HasAllowList returns true if an allowlist is configured.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		// Strip leading "@" from allowed value for username matching
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// HandleMessage publishes an inbound message to the bus after the
// allowlist check. The standard path for adapters to forward received
// messages; also records chat ownership.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	if !c.IsAllowed(msg.SenderID) {
		return
	}
	msg.Channel = c.name
	c.TrackChat(msg.ChatID)
	c.bus.PublishInbound(msg)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
