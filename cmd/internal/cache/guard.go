// Package cache keeps the secondary per-session lists (contacts, contact requests,
// blocked users, saved items). They are refreshed through the authenticated client
// and invalidated by bus events; bursts of triggers are collapsed by a Guard.
package cache

import (
	"sync"
	"time"
)

// DefaultMinInterval is the minimum spacing between two refreshes of one cache.
const DefaultMinInterval = 800 * time.Millisecond

// Guard admits at most one in-flight call and spaces calls by a minimum interval.
// Triggers rejected while a call is in flight are remembered and reported by Leave,
// so the owner can run exactly one trailing call.
type Guard struct {
	minInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	inFlight bool
	pending  bool
	last     time.Time
}

// NewGuard returns a guard with the given minimum interval (<= 0 disables throttling).
func NewGuard(minInterval time.Duration) *Guard {
	return &Guard{minInterval: minInterval, now: time.Now}
}

// TryEnter reports whether a call may start now. When it may not, wait is how long until the
// interval allows it (zero while another call is in flight; Leave reports that case).
func (g *Guard) TryEnter() (ok bool, wait time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight {
		g.pending = true
		return false, 0
	}
	if w := g.untilLocked(); w > 0 {
		return false, w
	}

	g.inFlight = true
	g.pending = false
	g.last = g.now()
	return true, 0
}

// Leave ends the in-flight call. trailing is true when triggers were dropped meanwhile.
func (g *Guard) Leave() (trailing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight = false
	trailing = g.pending
	g.pending = false
	return trailing
}

// Until returns how long until the interval admits the next call.
func (g *Guard) Until() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.untilLocked()
}

// InFlight reports whether a call is running.
func (g *Guard) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *Guard) untilLocked() time.Duration {
	if g.minInterval <= 0 || g.last.IsZero() {
		return 0
	}
	if w := g.minInterval - g.now().Sub(g.last); w > 0 {
		return w
	}
	return 0
}
