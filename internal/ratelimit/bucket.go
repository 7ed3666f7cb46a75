// Package ratelimit provides a token-bucket limiter for outbound quote
// requests. The limiter is an explicit object passed to its consumers,
// not ambient process-wide state, so each upstream resource gets its own
// bucket.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a classic token bucket: capacity tokens are available
// in bursts and refill continuously at refillPerSec. Safe for
// concurrent use.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

// NewTokenBucket creates a full bucket with the given burst capacity
// and refill rate in tokens per second. Capacity and rate are clamped
// to a minimum of 1 token / 0.1 tokens per second.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec < 0.1 {
		refillPerSec = 0.1
	}
	return &TokenBucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: refillPerSec,
		last:         time.Now(),
		now:          time.Now,
	}
}

// Allow consumes one token if available and reports whether the caller
// may proceed.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count, for tests and introspection.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
