package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchSession is returned for candidates naming a session that does
	// not exist.
	ErrNoSuchSession = errors.New("no such session")
	// ErrNoSuchSource is returned when a receiver offer names a source with no
	// registered media in the room.
	ErrNoSuchSource = errors.New("no such source")
	// ErrDuplicateRegistration is logged, never returned, when media becomes
	// available for a participant that is already registered.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrTransportFactory wraps failures of the media engine.
	ErrTransportFactory = errors.New("transport failure")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrClosed           = errors.New("broker closed")
)

// Error records the operation and participant a failure belongs to.
type Error struct {
	Op          string
	Participant string
	Err         error
}

func (e *Error) Error() string {
	if e.Participant == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Participant, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, participant string, err error) error {
	return &Error{Op: op, Participant: participant, Err: err}
}

func transportError(op, participant string, err error) error {
	return opError(op, participant, fmt.Errorf("%w: %w", ErrTransportFactory, err))
}
