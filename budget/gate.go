// Package budget gates paid collaborator calls on per-user credit checks.
//
// The gate is an external collaborator; this package supplies the caching
// and fail-open policy around it. The cache is an explicit keyed store with
// a time-to-live and an invalidation call owned by the process that creates
// it, not a package-level singleton.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a gate decision is cached per user.
const DefaultTTL = 5 * time.Minute

// Gate reports whether a user may spend credits on a collaborator call.
type Gate interface {
	Allow(ctx context.Context, userID uuid.UUID) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, userID uuid.UUID) (bool, error)

// Allow calls f.
func (f GateFunc) Allow(ctx context.Context, userID uuid.UUID) (bool, error) {
	return f(ctx, userID)
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// CachedGate wraps a Gate with a per-user TTL cache. The check-then-act
// window against the underlying gate is inherently racy across concurrent
// conversations for the same user; that is accepted, and an unavailable
// gate fails open.
type CachedGate struct {
	inner Gate
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]cacheEntry
}

// NewCachedGate wraps gate with a TTL cache. ttl <= 0 uses DefaultTTL.
func NewCachedGate(gate Gate, ttl time.Duration) *CachedGate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedGate{
		inner:   gate,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]cacheEntry),
	}
}

// Allow returns the cached decision when fresh, otherwise consults the
// underlying gate. Gate errors fail open and are not cached.
func (g *CachedGate) Allow(ctx context.Context, userID uuid.UUID) (bool, error) {
	now := g.now()

	g.mu.Lock()
	entry, ok := g.entries[userID]
	g.mu.Unlock()
	if ok && entry.expiresAt.After(now) {
		return entry.allowed, nil
	}

	allowed, err := g.inner.Allow(ctx, userID)
	if err != nil {
		// Never block on the gate being unavailable.
		return true, nil
	}

	g.mu.Lock()
	g.entries[userID] = cacheEntry{allowed: allowed, expiresAt: now.Add(g.ttl)}
	g.mu.Unlock()

	return allowed, nil
}

// Invalidate drops the cached decision for a user, forcing the next Allow
// to consult the underlying gate. Call it when a user's credit state
// changes out of band.
func (g *CachedGate) Invalidate(userID uuid.UUID) {
	g.mu.Lock()
	delete(g.entries, userID)
	g.mu.Unlock()
}
