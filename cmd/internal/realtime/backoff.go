package realtime

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Cap, Base*2^attempt) plus up to Jitter of random spread.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration

	// randN returns a value in [0, n). Nil uses math/rand/v2.
	randN func(n int64) int64
}

// Step is the pre-jitter delay for attempt. Non-decreasing in attempt and never above Cap.
func (b Backoff) Step(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		// Overflow guard: doubling past half of max int64 wraps negative.
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Delay is Step(attempt) plus a uniform jitter in [0, Jitter].
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Step(attempt)
	if b.Jitter <= 0 {
		return d
	}
	n := b.randN
	if n == nil {
		n = rand.Int64N
	}
	return d + time.Duration(n(int64(b.Jitter)+1))
}
