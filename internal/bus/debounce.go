package bus

import (
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive messages from the same
// sender in the same chat into one queue entry, so a user typing three
// quick lines costs one agent turn instead of three.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingInbound
	stopped bool
}

type pendingInbound struct {
	msg   InboundMessage
	timer *time.Timer
}

func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingInbound),
	}
}

// Push adds a message to its sender's pending batch and restarts the
// window. A non-positive window or a reaction passes straight through.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 || msg.Reaction != "" {
		d.flush(msg)
		return
	}

	key := msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}
	if entry, ok := d.pending[key]; ok {
		entry.msg.Content += "\n" + msg.Content
		entry.msg.Media = append(entry.msg.Media, msg.Media...)
		entry.msg.MessageID = msg.MessageID
		entry.msg.Timestamp = msg.Timestamp
		entry.timer.Reset(d.window)
		d.mu.Unlock()
		return
	}
	entry := &pendingInbound{msg: msg}
	entry.timer = time.AfterFunc(d.window, func() { d.flushKey(key) })
	d.pending[key] = entry
	d.mu.Unlock()
}

func (d *InboundDebouncer) flushKey(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.flush(entry.msg)
	}
}

// Stop flushes everything still pending and passes later pushes
// straight through.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	remaining := make([]InboundMessage, 0, len(d.pending))
	for key, entry := range d.pending {
		entry.timer.Stop()
		remaining = append(remaining, entry.msg)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, msg := range remaining {
		d.flush(msg)
	}
}
