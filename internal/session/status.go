package session

import "fmt"

// Label is the call button caption for the state.
func (s State) Label() string {
	switch s.Call {
	case Connecting:
		return "Connecting..."
	case Active:
		return "Tap to stop"
	default:
		return "Tap to speak"
	}
}

// Elapsed formats Duration as mm:ss. Calls past an hour keep counting minutes.
func (s State) Elapsed() string {
	return fmt.Sprintf("%02d:%02d", s.Duration/60, s.Duration%60)
}
