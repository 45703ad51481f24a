package castprotocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is returned when the receiver cannot be dialed.
	ErrUnreachable = errors.New("receiver unreachable")
	// ErrProtocolMismatch is returned when the receiver does not answer
	// the initial status request with a well-formed receiver status.
	ErrProtocolMismatch = errors.New("receiver protocol mismatch")
	// ErrConnectionLost is reported when heartbeats stop being acknowledged
	// or the transport closes underneath the client.
	ErrConnectionLost  = errors.New("receiver connection lost")
	ErrLoadRejected    = errors.New("load rejected")
	ErrLoadTimeout     = errors.New("load timed out")
	ErrCommandRejected = errors.New("command rejected")
	ErrNoMediaSession  = errors.New("no active media session")
	ErrUnknownSession  = errors.New("unknown receiver session")
	ErrClosed          = errors.New("client closed")
)

// LoadError carries the reason a receiver gave for refusing a LOAD.
// It matches ErrLoadRejected, and ErrLoadTimeout when the receiver never answered.
type LoadError struct {
	Reason  string
	Timeout bool
}

func (e *LoadError) Error() string {
	if e.Timeout {
		return "load timed out waiting for receiver"
	}
	return fmt.Sprintf("load rejected: %s", e.Reason)
}

func (e *LoadError) Is(target error) bool {
	switch target {
	case ErrLoadRejected:
		return true
	case ErrLoadTimeout:
		return e.Timeout
	}
	return false
}

// LaunchError is returned when the receiver refuses to start an application.
type LaunchError struct {
	AppID  string
	Reason string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s failed: %s", e.AppID, e.Reason)
}
