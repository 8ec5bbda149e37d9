package session

// State is a session's position in its lifecycle.  Transitions only move
// forward; AWAITING_COMMAND and RESOLVING may jump straight to CLOSED.
type State int

const (
	StateAwaitingCommand State = iota
	StateResolving
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingCommand:
		return "AWAITING_COMMAND"
	case StateResolving:
		return "RESOLVING"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
