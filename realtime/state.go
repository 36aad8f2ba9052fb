package realtime

import "time"

// State is the connection lifecycle state.
type State int32

const (
	// StateDisconnected means no connection exists and none is wanted.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the channel is up and traffic flows.
	StateConnected
	// StateReconnecting means the connection was lost and a retry is
	// scheduled.
	StateReconnecting
	// StateError means the reconnect budget is exhausted. The manager
	// stays here until Connect is called again.
	StateError
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateError:        "error",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// StateChange describes one state transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}
