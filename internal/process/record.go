package process

import "time"

// RunRecord is one spawn attempt. End, ExitCode and Exit stay unset while
// the run is in flight; a record is never modified once appended to a history.
type RunRecord struct {
	PID              int        `json:"pid,omitempty"`
	Start            time.Time  `json:"start"`
	End              *time.Time `json:"end,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	ReachedMinUptime bool       `json:"reached_min_uptime"`
	// Reason explains how the run ended: "exited", "signaled", "spawn_failed",
	// "stopped", "recycled".
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Finished reports whether the run has ended.
func (r RunRecord) Finished() bool { return r.End != nil }

// Duration is End-Start for finished runs and zero otherwise.
func (r RunRecord) Duration() time.Duration {
	if r.End == nil {
		return 0
	}
	return r.End.Sub(r.Start)
}
