package relay

import (
	"math/rand/v2"
	"time"
)

// growth is the per-failure delay multiplier
const growth = 1.5

// Backoff computes reconnect delays: exponential from Base, capped at Cap,
// with +/- Jitter fraction of randomization. From DeadAfter consecutive
// failures on, the peer is Dead and retried every DeadInterval instead.
type Backoff struct {
	Base         time.Duration
	Cap          time.Duration
	Jitter       float64
	DeadAfter    int
	DeadInterval time.Duration
}

// Delay returns the wait before the next attempt after failures consecutive
// failures, and whether the peer counts as Dead.
func (b Backoff) Delay(failures int) (time.Duration, bool) {
	if failures <= 0 {
		return 0, false
	}
	if b.DeadAfter > 0 && failures >= b.DeadAfter {
		return b.jitter(b.DeadInterval), true
	}

	d := float64(b.Base)
	for i := 1; i < failures && d < float64(b.Cap); i++ {
		d *= growth
	}
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	return b.jitter(time.Duration(d)), false
}

func (b Backoff) jitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * b.Jitter
	return d + time.Duration(spread*(rand.Float64()*2-1))
}
