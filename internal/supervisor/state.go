package supervisor

import "fmt"

// State is the lifecycle position of a managed process slot.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Backoff
	Crashed
)

var stateNames = [...]string{
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Stopping: "stopping",
	Backoff:  "backoff",
	Crashed:  "crashed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the slot stays put until an explicit command.
func (s State) Terminal() bool { return s == Stopped || s == Crashed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// States lists every state, in declaration order.
func States() []State {
	return []State{Stopped, Starting, Running, Stopping, Backoff, Crashed}
}
