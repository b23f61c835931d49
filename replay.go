package jwtauth

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard records single-use token identifiers.
type ReplayGuard interface {
	// Claim records key for ttl. It returns false when key was already claimed
	// and has not expired.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is a process-local ReplayGuard.
type MemoryReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryReplayGuard returns an empty guard. A nil clock uses time.Now.
func NewMemoryReplayGuard(now func() time.Time) *MemoryReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: now}
}

// Claim implements ReplayGuard.
func (g *MemoryReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) >= time.Minute {
		for k, expires := range g.seen {
			if !now.Before(expires) {
				delete(g.seen, k)
			}
		}
		g.lastSweep = now
	}

	if expires, ok := g.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}
