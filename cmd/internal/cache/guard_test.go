package cache

import (
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestGuardSingleFlightAndTrailing(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Unix(1_700_000_000, 0)}
	g := NewGuard(800 * time.Millisecond)
	g.now = clk.Now

	if ok, _ := g.TryEnter(); !ok {
		t.Fatalf("first call rejected")
	}
	if !g.InFlight() {
		t.Fatalf("not in flight after TryEnter")
	}

	for i := 0; i < 5; i++ {
		ok, wait := g.TryEnter()
		if ok || wait != 0 {
			t.Fatalf("burst call %d admitted (ok=%v wait=%v)", i, ok, wait)
		}
	}
	if !g.Leave() {
		t.Fatalf("collapsed triggers not reported as trailing")
	}
	if g.Leave() {
		t.Fatalf("trailing reported twice")
	}
}

func TestGuardThrottlesByMinInterval(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Unix(1_700_000_000, 0)}
	g := NewGuard(800 * time.Millisecond)
	g.now = clk.Now

	g.TryEnter()
	clk.Advance(100 * time.Millisecond)
	if g.Leave() {
		t.Fatalf("trailing without dropped triggers")
	}

	clk.Advance(200 * time.Millisecond)
	ok, wait := g.TryEnter()
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("ok=%v wait=%v want throttled for 500ms", ok, wait)
	}
	if g.Until() != 500*time.Millisecond {
		t.Fatalf("Until=%v", g.Until())
	}

	clk.Advance(500 * time.Millisecond)
	if ok, wait := g.TryEnter(); !ok || wait != 0 {
		t.Fatalf("call after interval rejected (wait=%v)", wait)
	}
}

func TestGuardWithoutInterval(t *testing.T) {
	t.Parallel()

	g := NewGuard(0)
	for i := 0; i < 3; i++ {
		if ok, _ := g.TryEnter(); !ok {
			t.Fatalf("call %d rejected", i)
		}
		g.Leave()
	}
	if g.Until() != 0 {
		t.Fatalf("Until=%v", g.Until())
	}
}
