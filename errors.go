package broadcast

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed            = errors.New("broadcast: client closed")
	ErrNotConnected      = errors.New("broadcast: not connected")
	ErrQueueFull         = errors.New("broadcast: emit queue full")
	ErrInvalidTransition = errors.New("broadcast: invalid state transition")
	ErrMaxAttempts       = errors.New("broadcast: reconnect attempts exhausted")
)

// ConnectionError represents a transport-level failure. Dial failures and
// dropped connections both surface as ConnectionError; the client folds them
// into StateReconnecting.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("broadcast: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("broadcast: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MalformedMessageError is returned by a Transport when an inbound frame
// cannot be decoded. The connection stays usable.
type MalformedMessageError struct {
	Data []byte
	Err  error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("broadcast: malformed message (%d bytes): %v", len(e.Data), e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// SendError represents a failure to encode or write an outbound frame.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("broadcast: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TransitionError describes an illegal state machine move.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("broadcast: invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
