package channel

import "time"

// State represents the lifecycle state of a channel connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// AllStates lists every connection state, in lifecycle order
var AllStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateClosed}

func (s State) String() string { return string(s) }

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// Frame is one raw payload read from the socket
type Frame struct {
	Channel    string
	Seq        uint64
	Payload    []byte
	ReceivedAt time.Time
}

// Status holds runtime status information for a connection
type Status struct {
	Channel        string     `json:"channel"`
	URL            string     `json:"url"`
	State          State      `json:"state"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Attempts       int        `json:"attempts"`
	Reconnects     int        `json:"reconnects"`
	FramesRx       uint64     `json:"frames_rx"`
	BytesRx        uint64     `json:"bytes_rx"`
	LastError      string     `json:"last_error,omitempty"`
}
