package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	window      time.Duration
	evicted     bool
}

// MemoryStore keeps buckets in process. Each bucket owns its mutex so increments on
// different keys never contend.
type MemoryStore struct {
	buckets sync.Map // map[string]*bucket
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	for {
		v, _ := s.buckets.LoadOrStore(key, &bucket{})
		b := v.(*bucket)
		b.mu.Lock()
		if b.evicted {
			// Swept between load and lock; retry against the replacement bucket.
			b.mu.Unlock()
			continue
		}
		if b.windowStart.IsZero() || now.Sub(b.windowStart) >= window {
			b.windowStart = now
			b.count = 0
		}
		b.window = window
		b.count++
		count, start := b.count, b.windowStart
		b.mu.Unlock()
		return count, start, nil
	}
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	n := 0
	s.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops buckets whose window closed before now.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if !b.windowStart.IsZero() && now.Sub(b.windowStart) >= b.window {
			b.evicted = true
			s.buckets.Delete(key)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Run sweeps on interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
