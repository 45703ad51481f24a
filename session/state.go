package session

import (
	"errors"
	"fmt"
)

// State is the playback state of a session.
type State int

const (
	Idle State = iota
	Resolving
	Launching
	Loading
	Playing
	Paused
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Launching:
		return "launching"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Stopped || s == Error
}

// transitions lists the legal successors of each non-terminal state.
// Stopped and Error are reachable from every non-terminal state.
var transitions = map[State][]State{
	Idle:      {Resolving},
	Resolving: {Launching},
	Launching: {Loading},
	Loading:   {Playing},
	Playing:   {Paused},
	Paused:    {Playing},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Stopped || to == Error {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidState matches every *InvalidStateError.
var ErrInvalidState = errors.New("command not valid in current state")

// InvalidStateError rejects a single command. The session keeps running.
type InvalidStateError struct {
	Command string
	State   State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not valid while %s", e.Command, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

var (
	// ErrPlaybackFailed is the cause when the receiver reports an IDLE/ERROR
	// player state.
	ErrPlaybackFailed = errors.New("receiver reported a playback error")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrSessionClosed  = errors.New("session is closed")
	ErrBusy           = errors.New("too many queued commands")
)
