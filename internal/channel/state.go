package channel

import "fmt"

// State is the connection state of one adapter.
type State int32

const (
	Connecting State = iota
	Live
	Reconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Connecting, Live, Reconnecting, Disconnected} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}
