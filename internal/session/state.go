package session

import (
	"fmt"
	"time"
)

// State is the connection state of a Session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

// String returns the lower-case state name, also used as a metrics label.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// StateEvent describes one transition.
type StateEvent struct {
	From    State
	To      State
	Attempt int           // reconnect attempts made so far
	Delay   time.Duration // wait before the next attempt, set when To is StateReconnecting
	Err     error         // cause of the transition; nil for a ready or an explicit Close
}
