package handler

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/raffler/internal/domain"
)

// ReplayGuard rejects a signed request whose (signer, nonce) pair was already
// accepted within ttl. Entries older than ttl are swept lazily. Safe for
// concurrent use.
type ReplayGuard struct {
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewReplayGuard creates a guard remembering nonces for ttl. ttl should cover
// the longest accepted envelope lifetime.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Check records key and returns domain.ErrReplay if it was seen within ttl.
func (g *ReplayGuard) Check(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) >= g.ttl {
		g.sweep(now)
	}
	if at, ok := g.seen[key]; ok && now.Sub(at) < g.ttl {
		return fmt.Errorf("nonce %s: %w", key, domain.ErrReplay)
	}
	g.seen[key] = now
	return nil
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) sweep(now time.Time) {
	for k, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, k)
		}
	}
	g.lastSweep = now
}
