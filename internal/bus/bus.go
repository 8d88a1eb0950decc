// Package bus routes messages between channel adapters and the host
// runtime: inbound chat messages toward the router, outbound worker
// output toward the channels, and ops events toward gateway subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// InboundMessage is a normalized message received from a channel
// adapter. Reactions arrive as regular inbound messages with Reaction
// and TargetMessageID set and an empty Content.
type InboundMessage struct {
	Channel         string            `json:"channel"`
	ChatID          string            `json:"chat_id"`
	SenderID        string            `json:"sender_id"`
	SenderName      string            `json:"sender_name,omitempty"`
	Content         string            `json:"content"`
	MessageID       string            `json:"message_id,omitempty"`
	Reaction        string            `json:"reaction,omitempty"`
	TargetMessageID string            `json:"target_message_id,omitempty"`
	Media           []string          `json:"media,omitempty"`
	Timestamp       string            `json:"timestamp,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// OutboundKind selects which channel capability delivers the message.
type OutboundKind string

const (
	OutboundText     OutboundKind = "message"
	OutboundReaction OutboundKind = "reaction"
	OutboundTyping   OutboundKind = "typing"
	OutboundUpdate   OutboundKind = "update"
)

// OutboundMessage is a message to deliver through a channel adapter.
type OutboundMessage struct {
	Channel         string            `json:"channel"`
	ChatID          string            `json:"chat_id"`
	Kind            OutboundKind      `json:"kind,omitempty"`
	Content         string            `json:"content"`
	ReplyToID       string            `json:"reply_to_id,omitempty"`
	TargetMessageID string            `json:"target_message_id,omitempty"`
	Media           []MediaAttachment `json:"media,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a file sent alongside an outbound message.
type MediaAttachment struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to gateway subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles one broadcast event.
type EventHandler func(Event)

const queueDepth = 256

// MessageBus carries the three flows. Inbound and outbound are
// single-consumer queues; events fan out to every subscriber.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, queueDepth),
		outbound:    make(chan OutboundMessage, queueDepth),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound queues a channel message for the router. Blocks when
// the queue is full rather than dropping user input.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks for the next inbound message. Returns false
// when the context ends.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues worker output for delivery. A full queue drops
// the message with a warning; outbound content is reproducible from the
// worker stream, user input is not.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks for the next outbound message. Returns false
// when the context ends.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under an id, replacing any
// previous handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to every subscriber. Handlers run inline;
// slow subscribers must buffer on their side.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
