package relay

import (
	"sync"
	"time"
)

const (
	// MaxMessageSize caps one inbound control-channel frame.
	MaxMessageSize = 64 * 1024

	// MessageRate and MessageBurst bound frames per second per channel
	// once authenticated.
	MessageRate  = 100
	MessageBurst = 200

	// backlogSize bounds output held for a session with no live channel.
	backlogSize = 1024 * 1024

	// MaxEventSize bounds one outbound frame. The largest is a flushed
	// backlog, where JSON escaping can grow each byte to six.
	MaxEventSize = 6*backlogSize + 4096

	// inputQueueLen bounds data frames waiting to be written to one shell.
	inputQueueLen = 256

	// outboundQueueLen bounds events waiting for one channel's writer.
	outboundQueueLen = 256
)

// RateLimiter is a token bucket for control-channel frames.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiterAt(rate, burst, time.Now)
}

func newRateLimiterAt(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token, reporting false when the bucket is empty.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	rl.lastRefill = now
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// backlog holds session output produced while no channel is bound, keeping
// the newest bytes when it overflows.
type backlog struct {
	data   []byte
	maxLen int
}

func (b *backlog) write(p []byte) {
	b.data = append(b.data, p...)
	if len(b.data) > b.maxLen {
		b.data = append([]byte(nil), b.data[len(b.data)-b.maxLen:]...)
	}
}

// drain returns and clears the held bytes.
func (b *backlog) drain() []byte {
	out := b.data
	b.data = nil
	return out
}

func (b *backlog) len() int { return len(b.data) }
