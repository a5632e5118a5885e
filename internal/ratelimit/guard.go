// Package ratelimit caps how many delivery attempts a scope (endpoint or
// tenant) may consume in rolling hourly and daily windows. A denied scope is
// not an error: the dispatcher leaves the item pending and tries again on a
// later cycle.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Guard interface {
	// Allow records and permits one attempt for scope, or reports that the
	// scope is over one of its windows.
	Allow(ctx context.Context, scope string) (bool, error)
}

// Limits are attempts per rolling window. Zero or negative disables that
// window.
type Limits struct {
	PerHour int
	PerDay  int
}

// MemoryGuard keeps per-scope attempt timestamps in process memory. With
// multiple workers the effective limit is per process, not global; deploys
// that need an exact shared budget use the Redis guard instead.
type MemoryGuard struct {
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewMemoryGuard(limits Limits) *MemoryGuard {
	return &MemoryGuard{
		limits:   limits,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: map[string][]time.Time{},
	}
}

// SetNow overrides the clock, for tests.
func (g *MemoryGuard) SetNow(now func() time.Time) { g.now = now }

func (g *MemoryGuard) Allow(_ context.Context, scope string) (bool, error) {
	now := g.now()
	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.attempts[scope][:0]
	hour, day := 0, 0
	for _, at := range g.attempts[scope] {
		if at.Before(dayAgo) {
			continue
		}
		kept = append(kept, at)
		day++
		if !at.Before(hourAgo) {
			hour++
		}
	}
	g.attempts[scope] = kept

	if g.limits.PerHour > 0 && hour >= g.limits.PerHour {
		return false, nil
	}
	if g.limits.PerDay > 0 && day >= g.limits.PerDay {
		return false, nil
	}
	g.attempts[scope] = append(g.attempts[scope], now)
	return true, nil
}
