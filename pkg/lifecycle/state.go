// Package lifecycle runs a service through start and stop with validated
// state transitions, ordered hooks and dependency health checks. iam-svc
// uses it to open its backing stores, serve /healthz and /readyz, and
// release everything on shutdown.
//
// The flow of a healthy service is:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may move to Failed. Stopped and Failed may move
// back to Starting for a restart.
//
// State is guarded by a [sync.RWMutex]; every method is safe for
// concurrent use. Start and Stop create OpenTelemetry spans named
// "lifecycle.Start" and "lifecycle.Stop".
package lifecycle

// State is the lifecycle state of a [Service]. The zero value is not a
// valid state; services begin in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a service that has never started.
	StateUnknown State = "unknown"

	// StateStarting is set before the start hooks run.
	StateStarting State = "starting"

	// StateRunning is the only state in which [Service.Live] succeeds.
	StateRunning State = "running"

	// StateStopping is set before the stop hooks run, while in-flight
	// requests drain.
	StateStopping State = "stopping"

	// StateStopped follows a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed follows a failed hook.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
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
