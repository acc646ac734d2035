// Package supervisor runs one task's debounced restart cycle: wait for
// triggers to settle, spawn the command, capture its output, report the exit.
package supervisor

// State represents the current state of a supervised task.
type State int

const (
	// StateIdle means no run is pending and no process is alive.
	StateIdle State = iota

	// StateDebouncing means a restart was accepted and the settle
	// interval has not yet elapsed.
	StateDebouncing

	// StateRunning means the task process is alive.
	StateRunning

	// StateStopped means the supervisor was shut down and accepts no
	// further restarts.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true if a run is pending or its process is alive.
func (s State) IsActive() bool {
	return s == StateDebouncing || s == StateRunning
}

// IsTerminal returns true if the state is a terminal state (stopped).
func (s State) IsTerminal() bool {
	return s == StateStopped
}
