package session

// State is the session lifecycle state.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateResuming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateResuming:
		return "resuming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateInit:        {StateHandshaking},
	StateHandshaking: {StateEstablished},
	StateEstablished: {StateResuming, StateClosing, StateClosed},
	StateResuming:    {StateEstablished, StateClosing},
	StateClosing:     {StateClosed},
}

// validTransition reports whether from -> to is a legal lifecycle step.
// StateFailed is absorbing and reachable from every non-terminal state.
func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
