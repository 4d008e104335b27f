package realtime

// State is the push channel lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the channel.
type Status struct {
	State State
	// Attempt counts consecutive failed reconnects; reset on Open.
	Attempt int
	UserID  string
	// LastClose is the last peer close code (-1 when the connection dropped without one, 0 before any close).
	LastClose int
	// Terminal is set when the channel stopped for good (auth rejected or revoked) and waits for a new session.
	Terminal bool
}
