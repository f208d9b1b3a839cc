// Package ratelimit implements per-region token buckets gating outbound
// recovery API calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket with lazy refill: tokens accrue from elapsed
// wall-clock time on each call, capped at capacity. No background timer.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewBucket creates a full bucket with the given burst capacity and refill
// rate in tokens/sec.
func NewBucket(capacity, rate float64) *Bucket {
	return &Bucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
		last:     time.Now(),
		now:      time.Now,
	}
}

// refillLocked credits tokens for elapsed time. Callers hold mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
}

// TryAcquire takes one token if available without blocking.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire blocks until a token is available or the timeout elapses,
// returning false on timeout or context cancellation.
func (b *Bucket) Acquire(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if b.TryAcquire() {
			return true
		}

		wait := b.timeToNextToken()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if wait > remaining {
			wait = remaining
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Available returns the current token count after refill.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *Bucket) timeToNextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		return 0
	}
	if b.rate <= 0 {
		return time.Second
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.rate * float64(time.Second))
}

// Registry holds one bucket per region, lazily created. The registry is
// owned by the orchestrator root and passed down; there is no package-level
// instance.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	capacity float64
	rate     float64
}

// NewRegistry creates a registry whose buckets share capacity and rate.
func NewRegistry(capacity, rate float64) *Registry {
	return &Registry{
		buckets:  make(map[string]*Bucket),
		capacity: capacity,
		rate:     rate,
	}
}

// Bucket returns the bucket for a region, creating it on first use.
func (r *Registry) Bucket(region string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[region]
	if !ok {
		b = NewBucket(r.capacity, r.rate)
		r.buckets[region] = b
	}
	return b
}

// Acquire acquires a token for region with the given timeout.
func (r *Registry) Acquire(ctx context.Context, region string, timeout time.Duration) bool {
	return r.Bucket(region).Acquire(ctx, timeout)
}
