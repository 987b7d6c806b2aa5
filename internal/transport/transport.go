// Package transport moves one frame at a time between two peers.
//
// Two wire variants: Sentinel (raw TCP, frames delimited by a fixed byte
// sequence, one exchange per connection) and WebSocket (one frame per
// WebSocket message). Pipe connects two in-process endpoints.
package transport

import (
	"context"
	"errors"
)

// Transport abstracts the I/O layer under a streaming connection.
// Send may be called from one goroutine while Receive runs on another.
type Transport interface {
	// Send writes exactly one frame.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks for the next frame. It returns io.EOF once the peer has
	// finished sending.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection and unblocks pending calls.
	Close() error
}

// HalfCloser is implemented by transports that can finish their write
// direction while still reading.
type HalfCloser interface {
	CloseWrite() error
}

var (
	ErrClosed               = errors.New("transport: closed")
	ErrHalfCloseUnsupported = errors.New("transport: half-close not supported by connection")
	ErrFrameTooLarge        = errors.New("transport: frame exceeds size limit")
)
