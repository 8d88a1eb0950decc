package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedChats caps the number of tracked per-chat limiters to
	// prevent memory exhaustion from rotating chat ids.
	maxTrackedChats = 4096

	// sendsPerSecond bounds outbound delivery per chat; bursts absorb
	// short streams of worker output without tripping platform limits.
	sendsPerSecond = 1
	sendBurst      = 5
)

// ChatRateLimiter hands out a token-bucket limiter per chat id.
// Safe for concurrent use.
type ChatRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*chatLimiter
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewChatRateLimiter creates a bounded per-chat rate limiter.
func NewChatRateLimiter() *ChatRateLimiter {
	return &ChatRateLimiter{limiters: make(map[string]*chatLimiter)}
}

// Allow returns true if a send to the chat is within rate limits.
func (r *ChatRateLimiter) Allow(chatID string) bool {
	return r.get(chatID).Allow()
}

// Reserve returns the delay before a send to the chat may proceed.
func (r *ChatRateLimiter) Reserve(chatID string) time.Duration {
	return r.get(chatID).Reserve().Delay()
}

func (r *ChatRateLimiter) get(chatID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Prune stale entries when approaching the cap
	if len(r.limiters) >= maxTrackedChats {
		for k, e := range r.limiters {
			if now.Sub(e.lastSeen) > time.Hour {
				delete(r.limiters, k)
			}
		}
		// Hard eviction if still at cap
		for len(r.limiters) >= maxTrackedChats {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
	}

	e, ok := r.limiters[chatID]
	if !ok {
		e = &chatLimiter{limiter: rate.NewLimiter(rate.Limit(sendsPerSecond), sendBurst)}
		r.limiters[chatID] = e
	}
	e.lastSeen = now
	return e.limiter
}
