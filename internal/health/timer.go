package health

import (
	"time"

	"github.com/loykin/vigil/internal/clock"
)

// Timer judges one run against its minimum-uptime and start windows.
// It only reads the clock.
type Timer struct {
	clk          clock.Clock
	started      time.Time
	minUptime    time.Duration
	startTimeout time.Duration
}

// Start captures the spawn instant.
func Start(clk clock.Clock, minUptime, startTimeout time.Duration) *Timer {
	return &Timer{clk: clk, started: clk.Now(), minUptime: minUptime, startTimeout: startTimeout}
}

func (t *Timer) StartedAt() time.Time { return t.started }

// Uptime is the time elapsed since spawn.
func (t *Timer) Uptime() time.Duration { return t.clk.Now().Sub(t.started) }

// ReachedMinUptime reports whether the run has stayed up at least minUptime so far.
func (t *Timer) ReachedMinUptime() bool { return t.ReachedMinUptimeAt(t.clk.Now()) }

// ReachedMinUptimeAt judges a run that ended at end.
func (t *Timer) ReachedMinUptimeAt(end time.Time) bool {
	return end.Sub(t.started) >= t.minUptime
}

// StartupTimedOut reports whether the start window has elapsed. A zero
// window is over immediately.
func (t *Timer) StartupTimedOut() bool {
	return t.clk.Now().Sub(t.started) >= t.startTimeout
}

// StartWindow returns what remains of the start window, never negative.
func (t *Timer) StartWindow() time.Duration {
	left := t.startTimeout - t.Uptime()
	if left < 0 {
		return 0
	}
	return left
}
