package manager

import (
	"time"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/policy"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/supervisor"
)

// hooks feeds supervisor events into Prometheus and the history recorder.
// Everything here runs inline in a control loop and must not block.
func (m *Manager) hooks() supervisor.Hooks {
	return supervisor.Hooks{
		OnState: func(name string, from, to supervisor.State) {
			metrics.RecordStateTransition(name, from.String(), to.String())
			metrics.SetCurrentState(name, from.String(), false)
			metrics.SetCurrentState(name, to.String(), true)
			if to == supervisor.Crashed {
				metrics.IncCrash(name)
			}
			m.recorder.Record(history.Event{
				Type:       history.EventState,
				OccurredAt: m.now(),
				Record:     history.Record{Name: name, State: to.String(), Reason: from.String()},
			})
		},
		OnStart: func(name string, pid int) {
			metrics.IncStart(name)
			now := m.now()
			m.recorder.Record(history.Event{
				Type:       history.EventStart,
				OccurredAt: now,
				Record:     history.Record{Name: name, PID: pid, State: supervisor.Starting.String(), StartedAt: &now},
			})
		},
		OnExit: func(name string, rec process.RunRecord) {
			metrics.ObserveExit(name, rec.Reason, rec.Duration().Seconds())
			m.recorder.Record(exitEvent(name, rec))
		},
		OnRestart: func(name string, _ policy.Decision) {
			metrics.IncRestart(name)
		},
		OnUsage: func(name string, u health.Usage) {
			metrics.SetUsage(name, u.RSS, u.CPUPercent)
		},
	}
}

func exitEvent(name string, rec process.RunRecord) history.Event {
	start := rec.Start
	occurred := start
	if rec.End != nil {
		occurred = *rec.End
	}
	return history.Event{
		Type:       history.EventExit,
		OccurredAt: occurred,
		Record: history.Record{
			Name:             name,
			PID:              rec.PID,
			StartedAt:        &start,
			EndedAt:          rec.End,
			ExitCode:         rec.ExitCode,
			ReachedMinUptime: rec.ReachedMinUptime,
			Reason:           rec.Reason,
			Error:            rec.Error,
		},
	}
}

func (m *Manager) now() time.Time { return m.opts.Clock.Now().UTC() }
