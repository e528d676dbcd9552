// Package ratelimit provides token buckets keyed by caller (API key, session
// or remote address).
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time // tracks last request for eviction
	mu         sync.Mutex
}

// NewTokenBucket creates a bucket holding burst tokens that refills
// count tokens every per.
func NewTokenBucket(count int, per time.Duration, burst int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(count) / per.Seconds(),
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// Allow checks if a request is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.refill(now)
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// RetryAfter reports how long until one token is available.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tb.tokens >= 1.0 || tb.refillRate <= 0 {
		return 0
	}
	return time.Duration((1.0 - tb.tokens) / tb.refillRate * float64(time.Second))
}

// LastAccess returns the time of the last Allow() call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// Limiter holds one bucket per key.
type Limiter struct {
	count   int
	per     time.Duration
	burst   int
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
}

// New allows burst requests at once per key and count requests every per
// after that.
func New(count int, per time.Duration, burst int) *Limiter {
	if count <= 0 {
		count = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	if burst <= 0 {
		burst = count
	}
	return &Limiter{
		count:   count,
		per:     per,
		burst:   burst,
		buckets: make(map[string]*TokenBucket),
	}
}

func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

func (l *Limiter) RetryAfter(key string) time.Duration {
	return l.bucket(key).RetryAfter()
}

// Reset forgets key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// StartEviction launches a background goroutine that periodically removes
// buckets with no requests in the last maxAge.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (l *Limiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, bucket := range l.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
}

// BucketCount returns the current number of tracked buckets.
func (l *Limiter) BucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock.
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(l.count, l.per, l.burst)
	l.buckets[key] = bucket
	return bucket
}
