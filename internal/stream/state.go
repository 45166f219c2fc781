package stream

// State is the lifecycle position of a Connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	StateOpen
	Errored
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case StateOpen:
		return "open"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
