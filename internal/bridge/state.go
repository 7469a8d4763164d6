package bridge

// State is the lifecycle phase of a bridged call.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
