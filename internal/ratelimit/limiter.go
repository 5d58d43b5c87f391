// Package ratelimit implements the fixed-window request counter keyed by (identity, route).
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Policy is the per-route quota.
type Policy struct {
	Window time.Duration
	Max    int
}

// Valid reports whether the policy can be enforced.
func (p Policy) Valid() bool {
	return p.Window > 0 && p.Max > 0
}

// Decision is the outcome of one counted request.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time until the current window closes.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.After(now) {
		return d.ResetAt.Sub(now)
	}
	return 0
}

// Store increments the counter for key as one atomic step, opening a fresh window when
// the current one started window or more before now.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int, windowStart time.Time, err error)
}

// Limiter applies policies against a Store.
type Limiter struct {
	store Store
	now   func() time.Time
}

// New constructs a Limiter.
func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Key composes the bucket key for an identity on a route.
func Key(identity, route string) string {
	return "ratelimit:" + identity + ":" + route
}

// Allow counts one request for (identity, route) and reports whether it fits the policy.
func (l *Limiter) Allow(ctx context.Context, identity, route string, policy Policy) (Decision, error) {
	if l == nil || l.store == nil {
		return Decision{}, errors.New("ratelimit: limiter not configured")
	}
	if !policy.Valid() {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	count, start, err := l.store.Increment(ctx, Key(identity, route), policy.Window, now)
	if err != nil {
		return Decision{}, err
	}
	remaining := policy.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= policy.Max,
		Count:     count,
		Limit:     policy.Max,
		Remaining: remaining,
		ResetAt:   start.Add(policy.Window),
	}, nil
}
