// Package ratelimit provides per-provider RPM/TPM token buckets with
// continuous-time refill and post-invocation refunds.
package ratelimit

import (
	"fmt"
	"time"
)

// Bucket is a continuous-refill token bucket. Not safe for concurrent use
// on its own; the Limiter serializes access.
type Bucket struct {
	capacity        float64
	refillPerMinute float64
	tokens          float64
	lastRefill      time.Time
}

// NewBucket rejects non-positive capacity or refill rate.
func NewBucket(capacity, refillPerMinute int64, now time.Time) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %d", capacity)
	}
	if refillPerMinute <= 0 {
		return nil, fmt.Errorf("ratelimit: refill rate must be positive, got %d", refillPerMinute)
	}
	return &Bucket{
		capacity:        float64(capacity),
		refillPerMinute: float64(refillPerMinute),
		tokens:          float64(capacity),
		lastRefill:      now,
	}, nil
}

// refill adds elapsed_ms/60000 × refillPerMinute, clamped to capacity.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Minutes() * b.refillPerMinute
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryConsume refills then consumes n tokens if available.
func (b *Bucket) TryConsume(n int64, now time.Time) bool {
	b.refill(now)
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// TimeUntilAvailable returns how long until n tokens will have refilled.
// Returns 0 when already available; a demand beyond capacity can never be
// satisfied and reports -1.
func (b *Bucket) TimeUntilAvailable(n int64, now time.Time) time.Duration {
	if float64(n) > b.capacity {
		return -1
	}
	b.refill(now)
	deficit := float64(n) - b.tokens
	if deficit <= 0 {
		return 0
	}
	minutes := deficit / b.refillPerMinute
	return time.Duration(minutes * float64(time.Minute))
}

// Refund returns n tokens, capped at capacity.
func (b *Bucket) Refund(n int64) {
	if n <= 0 {
		return
	}
	b.tokens += float64(n)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Available reports the current token count after refill.
func (b *Bucket) Available(now time.Time) int64 {
	b.refill(now)
	return int64(b.tokens)
}
