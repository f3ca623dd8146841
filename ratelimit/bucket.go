// Package ratelimit implements the token-bucket primitive and the
// three-layer rate limit manager that composes it.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket: TryConsume(n) and Available(). Refill
// rate is limit/60 units per second; capacity equals limit. State is
// (tokens, lastRefill); refill uses monotonic time so wall-clock skew
// can't produce a negative elapsed interval.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // units per second
	lastRefill time.Time
}

// NewBucket creates a bucket with capacity==limit, starting full. limit<=0
// disables the bucket: TryConsume always succeeds and Available reports
// the sentinel -1, matching the "0 = disabled" convention used for global/default
// limits.
func NewBucket(limit int) *Bucket {
	capacity := float64(limit)
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: capacity / 60,
		lastRefill: time.Now(),
	}
}

func (b *Bucket) disabled() bool { return b.capacity <= 0 }

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryConsume refills then admits iff tokens >= n, decrementing by n.
func (b *Bucket) TryConsume(n float64) bool {
	if b.disabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Refund returns n units to the bucket, used when a pre-charge must be
// undone (cancellation, account-layer soft-skip). Never pushes tokens
// above capacity.
func (b *Bucket) Refund(n float64) {
	if b.disabled() || n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Available reports the current token count after a refill.
func (b *Bucket) Available() float64 {
	if b.disabled() {
		return -1 // sentinel: unlimited
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// RetryAfter estimates seconds until n tokens become available, used to
// populate the 429 response's Retry-After header.
func (b *Bucket) RetryAfter(n float64) time.Duration {
	if b.disabled() || b.refillRate <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	deficit := n - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit/b.refillRate*1000) * time.Millisecond
}
