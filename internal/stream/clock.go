package stream

import "time"

// Clock is the time source for window accounting and suspension timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot delay. C delivers once when the delay has elapsed.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

// Now keeps the monotonic reading, so window math is immune to wall clock jumps.
func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
