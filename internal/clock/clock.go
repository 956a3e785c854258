package clock

import "time"

// Clock is the time source used by the supervisor state machine.
// Production code uses Real; tests drive a Fake.
type Clock interface {
	Now() time.Time
	// NewTimer returns a one-shot timer. A non-positive duration yields a
	// timer that has already fired.
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the supervisor relies on.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	if d < 0 {
		d = 0
	}
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
