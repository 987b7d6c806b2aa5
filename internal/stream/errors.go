package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by operations after teardown, local or
	// remote.
	ErrConnectionClosed = errors.New("stream: connection closed")

	// ErrResetInProgress matches every *ResetError.
	ErrResetInProgress = errors.New("stream: reset in progress")

	// ErrQueueFull is returned when a bounded queue rejects a record.
	ErrQueueFull = errors.New("stream: queue full")

	// ErrControlRecord is returned when Send is given a RESET message.
	// Use Reset instead.
	ErrControlRecord = errors.New("stream: reset records are sent by Reset")

	errStreamEnded = errors.New("stream: remote end of stream")
)

// ResetError rejects a send that does not belong to the current
// communication, or that is not INITIALIZING while the outbound direction is
// fenced.
type ResetError struct {
	// Current is the communication id the connection is bound to.
	Current string
	// ID is the id of the rejected message.
	ID string
}

func (e *ResetError) Error() string {
	if e.ID != e.Current {
		return fmt.Sprintf("stream: message %q rejected, current communication is %q", e.ID, e.Current)
	}
	return fmt.Sprintf("stream: communication %q is fenced until INITIALIZING is sent", e.Current)
}

func (e *ResetError) Is(target error) bool { return target == ErrResetInProgress }
