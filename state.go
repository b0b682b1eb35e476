package broadcast

import "fmt"

// State is the connection state of a [Client].
type State int

const (
	// StateConnecting means a transport is being opened. It is the initial state.
	StateConnecting State = iota

	// StateConnected means the transport is open and events are flowing.
	StateConnected

	// StateReconnecting means the transport dropped or failed to open and a
	// retry is scheduled.
	StateReconnecting

	// StateClosed means the client was closed. No transition leaves it.
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransition reports whether the machine may move from one state to another.
func CanTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateConnected || to == StateReconnecting || to == StateClosed
	case StateConnected:
		return to == StateReconnecting || to == StateClosed
	case StateReconnecting:
		return to == StateConnecting || to == StateClosed
	default:
		return false
	}
}

// Machine holds the connection state and enforces legal transitions.
// It performs no I/O and is not safe for concurrent use; [Client] guards it.
type Machine struct {
	state   State
	started bool
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Started reports whether Start has been called.
func (m *Machine) Started() bool {
	return m.started
}

// Start enters the initial Connecting state. It reports false if the machine
// was already started.
func (m *Machine) Start() bool {
	if m.started {
		return false
	}
	m.started = true
	m.state = StateConnecting
	return true
}

// Transition moves the machine to the given state. Illegal moves return
// ErrInvalidTransition and leave the state untouched.
func (m *Machine) Transition(to State) error {
	if !CanTransition(m.state, to) {
		return &TransitionError{From: m.state, To: to}
	}
	m.started = true
	m.state = to
	return nil
}
