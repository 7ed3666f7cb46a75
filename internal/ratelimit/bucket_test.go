package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(capacity int, rate float64) (*TokenBucket, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	b := NewTokenBucket(capacity, rate)
	b.last = clock.t
	b.now = clock.now
	return b, clock
}

func TestAllow_BurstThenDeny(t *testing.T) {
	b, _ := newTestBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("call %d should be allowed within burst", i)
		}
	}
	if b.Allow() {
		t.Error("fourth call should be denied with an empty bucket")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	b, clock := newTestBucket(2, 2) // 2 tokens/sec

	b.Allow()
	b.Allow()
	if b.Allow() {
		t.Fatal("bucket should be empty")
	}

	clock.advance(time.Second)
	if !b.Allow() {
		t.Error("one second at 2 tokens/sec should refill enough for a call")
	}
}

func TestAllow_RefillCapsAtCapacity(t *testing.T) {
	b, clock := newTestBucket(2, 10)

	clock.advance(time.Minute)
	if got := b.capacity; b.Tokens() > got {
		t.Errorf("tokens should not track above capacity before Allow")
	}

	// Only capacity calls should pass after a long idle stretch.
	allowed := 0
	for i := 0; i < 5; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected exactly 2 allowed after idle refill, got %d", allowed)
	}
}

func TestNewTokenBucket_ClampsDegenerateArgs(t *testing.T) {
	b := NewTokenBucket(0, 0)
	if !b.Allow() {
		t.Error("clamped bucket should still allow at least one call")
	}
}
