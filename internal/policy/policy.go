package policy

import (
	"math"
	"time"

	"github.com/loykin/vigil/internal/process"
)

// Action is the outcome of a restart decision.
type Action int

const (
	Restart Action = iota
	GiveUp
	Stop
)

func (a Action) String() string {
	switch a {
	case Restart:
		return "restart"
	case GiveUp:
		return "give_up"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Decision tells the supervisor what to do after a run ended. Delay is only
// meaningful for Restart.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

const (
	// MaxExpBackoff caps exponential restart delays.
	MaxExpBackoff = 15 * time.Second
	expFactor     = 1.5
	hourlyWindow  = time.Hour
)

// RestartPolicy holds the consecutive-failure counter of one process slot.
// It is owned by the supervisor control loop and not safe for concurrent use.
type RestartPolicy struct {
	failures int
	restarts []time.Time // restart decisions inside the trailing hour
}

func New() *RestartPolicy { return &RestartPolicy{} }

// Failures is the current consecutive-failure count.
func (p *RestartPolicy) Failures() int { return p.failures }

// Reset clears the crash-loop state; used on an explicit Start.
func (p *RestartPolicy) Reset() {
	p.failures = 0
	p.restarts = nil
}

// Decide judges the most recent run in history. stopping means a
// supervisor-initiated stop is in progress.
func (p *RestartPolicy) Decide(spec process.Spec, history []process.RunRecord, stopping bool) Decision {
	if stopping {
		return Decision{Action: Stop, Reason: "stop requested"}
	}
	var last process.RunRecord
	if n := len(history); n > 0 {
		last = history[n-1]
	}
	now := last.Start
	if last.End != nil {
		now = *last.End
	}

	if last.ReachedMinUptime {
		p.failures = 0
		if !spec.AutoRestart {
			return Decision{Action: Stop, Reason: "autorestart disabled"}
		}
		return p.restart(spec, now, spec.RestartDelay)
	}

	p.failures++
	if p.failures > spec.MaxRestarts {
		return Decision{Action: GiveUp, Reason: "too many unstable restarts"}
	}
	if !spec.AutoRestart {
		return Decision{Action: Stop, Reason: "autorestart disabled"}
	}
	return p.restart(spec, now, p.failureDelay(spec))
}

// Recycle accounts for a supervisor-initiated restart (memory limit or stale
// heartbeat). The failure counter is left alone. Recycles are always bounded
// per hour: by max_restarts_per_hour, or max_restarts when that is unset.
func (p *RestartPolicy) Recycle(spec process.Spec, now time.Time) Decision {
	if spec.MaxRestartsPerHour <= 0 {
		spec.MaxRestartsPerHour = spec.MaxRestarts
	}
	if spec.MaxRestartsPerHour <= 0 {
		return Decision{Action: GiveUp, Reason: "hourly restart limit reached"}
	}
	return p.restart(spec, now, 0)
}

func (p *RestartPolicy) restart(spec process.Spec, now time.Time, delay time.Duration) Decision {
	p.prune(now)
	if spec.MaxRestartsPerHour > 0 {
		if len(p.restarts) >= spec.MaxRestartsPerHour {
			return Decision{Action: GiveUp, Reason: "hourly restart limit reached"}
		}
	}
	p.restarts = append(p.restarts, now)
	return Decision{Action: Restart, Delay: delay}
}

func (p *RestartPolicy) prune(now time.Time) {
	cutoff := now.Add(-hourlyWindow)
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.restarts = kept
}

// failureDelay is restart_delay, or the exponential delay when enabled:
// base * 1.5^(failures-1), capped at MaxExpBackoff.
func (p *RestartPolicy) failureDelay(spec process.Spec) time.Duration {
	if spec.ExpBackoffDelay <= 0 {
		return spec.RestartDelay
	}
	d := time.Duration(float64(spec.ExpBackoffDelay) * math.Pow(expFactor, float64(p.failures-1)))
	if d > MaxExpBackoff || d < 0 {
		d = MaxExpBackoff
	}
	return d
}
