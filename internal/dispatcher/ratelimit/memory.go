package ratelimit

import (
	"sync"
	"time"
)

// bucket is a token bucket for one key.
type bucket struct {
	available  int
	lastRefill time.Time
	lastSeen   time.Time
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time, capacity int, window time.Duration) {
	if window == 0 || capacity == 0 {
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	tokensToAdd := int(float64(capacity) * float64(elapsed) / float64(window))
	if tokensToAdd > 0 {
		b.available += tokensToAdd
		if b.available > capacity {
			b.available = capacity
		}
		b.lastRefill = now
	}
}

// MemoryLimiter provides local per-key rate limiting using token buckets.
// Unknown keys start with a full bucket. Safe for concurrent use.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
	nowFunc  func() time.Time // for testing
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &MemoryLimiter{
		buckets:  make(map[string]*bucket),
		capacity: cfg.Capacity,
		window:   cfg.Window,
		nowFunc:  time.Now,
	}
}

// Allow consumes one token for the key when available.
func (m *MemoryLimiter) Allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	b, exists := m.buckets[key]
	if !exists {
		b = &bucket{
			available:  m.capacity, // start full
			lastRefill: now,
		}
		m.buckets[key] = b
	}

	b.refill(now, m.capacity, m.window)
	b.lastSeen = now

	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// PruneIdle drops buckets not touched for the given duration, so per-address
// keys do not accumulate forever. Returns how many were removed.
func (m *MemoryLimiter) PruneIdle(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFunc().Add(-idle)
	pruned := 0
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
			pruned++
		}
	}
	return pruned
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)
