package session

import "fmt"

// State is a session lifecycle state. Stopped is terminal.
type State int32

const (
	StateCreated State = iota
	StateInstantiated
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInstantiated:
		return "instantiated"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// transition moves *cur from want to next, or reports ErrInvalidState.
func transition(cur *State, want, next State) error {
	if *cur != want {
		return fmt.Errorf("%w: cannot move to %s from %s", ErrInvalidState, next, *cur)
	}
	*cur = next
	return nil
}
