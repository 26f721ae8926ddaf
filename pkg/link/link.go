// Package link provides the duplex byte stream used to talk to the board.
package link

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrTimeout is returned when a blocking read did not complete in time.
	ErrTimeout = errors.New("link: read timeout")
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("link: stream closed")
)

// Stream is the byte stream capability the acquisition core needs.
// A Stream has a single owner; callers must not interleave streaming polls
// and blocking transfers on the same Stream.
type Stream interface {
	io.Writer

	// Available returns the number of bytes that can be read without blocking.
	Available() (int, error)

	// ReadFull reads exactly len(p) bytes. It waits up to timeout for the
	// data to arrive and returns ErrTimeout with the bytes read so far
	// otherwise. A zero timeout only consumes buffered bytes.
	ReadFull(p []byte, timeout time.Duration) (int, error)

	// ResetInput discards all unread input.
	ResetInput() error
}

// Ensure implementations satisfy Stream.
var (
	_ Stream = (*Serial)(nil)
	_ Stream = (*Buffer)(nil)
)
