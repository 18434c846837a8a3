// Package session implements the connection manager: the single entry point
// the application uses to connect to the game server, send envelopes and
// subscribe to inbound traffic. It composes the transport socket, heartbeat
// monitor, dispatch registry, session store and reconnection controller into
// one lifecycle state machine.
package session

// State is the lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateClosing
	StateError
	StateReconnecting
)

var stateStrings = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateOpen:           "open",
	StateClosing:        "closing",
	StateError:          "error",
	StateReconnecting:   "reconnecting",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalText serializes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a connection is open or being established. Connect
// is a no-op in these states.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateAuthenticating, StateOpen, StateReconnecting:
		return true
	}
	return false
}

// AllStates lists every state name, in declaration order.
func AllStates() []string {
	names := make([]string, 0, len(stateStrings))
	for s := StateDisconnected; s <= StateReconnecting; s++ {
		names = append(names, s.String())
	}
	return names
}
