package events

// State is the channel's connection state. Transitions are pure so the
// machine is testable without a transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Input is something that happens to the channel.
type Input int

const (
	InputEnable Input = iota
	InputOpened
	InputTransportError
	InputRetryTimer
	InputDisable
)

// Next returns the state after applying the input. Inputs that make no
// sense in the current state leave it unchanged.
func Next(state State, input Input) State {
	switch input {
	case InputEnable:
		if state == StateDisconnected {
			return StateConnecting
		}
	case InputOpened:
		if state == StateConnecting {
			return StateConnected
		}
	case InputTransportError:
		if state == StateConnecting || state == StateConnected {
			return StateRetrying
		}
	case InputRetryTimer:
		if state == StateRetrying {
			return StateConnecting
		}
	case InputDisable:
		return StateDisconnected
	}
	return state
}
