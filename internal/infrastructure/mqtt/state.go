package mqtt

import (
	"fmt"
	"sync"
)

// State is the session state of a Client.
type State int32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name so it reads well in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("mqtt: unknown state %q", text)
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateDisconnected},
}

// CanTransition reports whether the session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateListener is called with every applied transition.
type StateListener func(from, to State)

// stateMachine guards the session state.
//
// Listeners are called in transition order. They must not change the
// state themselves.
type stateMachine struct {
	notifyMu sync.Mutex

	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func (m *stateMachine) get() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *stateMachine) listen(fn StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// transition moves to the given state and notifies listeners.
func (m *stateMachine) transition(to State) (State, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to)
	}
	return from, nil
}
