// Package lifecycle tracks the selfheal daemon as a whole: whether it is
// starting, serving, holding intake, draining or down.
//
// The flow of a healthy daemon is:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Intake may be held and released while running:
//
//	Running → Paused → Running
//
// A paused daemon keeps driving open incidents and answering approvals
// but refuses new failure events. Any non-terminal state may move to
// Failed; Stopped and Failed may restart.
package lifecycle

// State is the daemon's lifecycle position. The zero value is not valid.
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"

	// StateRunning accepts events and drives incidents.
	StateRunning State = "running"

	// StatePaused drives existing incidents but refuses new events.
	StatePaused State = "paused"

	// StateStopping is draining in-flight steps.
	StateStopping State = "stopping"

	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StatePaused,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// Serving reports whether incidents are being driven.
func (s State) Serving() bool {
	return s == StateRunning || s == StatePaused
}

var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StatePaused, StateStopping, StateFailed},
	StatePaused:   {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from → to is allowed. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
