package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start" // a child was spawned
	EventExit  EventType = "exit"  // a run finished, including failed spawns
	EventState EventType = "state" // the supervision state changed
)

// Record is the flattened row exported for one event.
type Record struct {
	Name             string     `json:"name"`
	PID              int        `json:"pid"`
	State            string     `json:"state,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	ReachedMinUptime bool       `json:"reached_min_uptime"`
	Reason           string     `json:"reason,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
