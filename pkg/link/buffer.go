package link

import (
	"bytes"
	"sync"
	"time"
)

// Buffer is an in-memory Stream. Bytes fed with Feed become readable input,
// bytes written by the host are captured and optionally passed to a
// responder that can feed replies.
type Buffer struct {
	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	resets  int
	closed  bool
	respond func(b *Buffer, p []byte)
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// OnWrite registers a responder called with every host write. It runs
// without the Buffer lock held and may call Feed.
func (b *Buffer) OnWrite(fn func(b *Buffer, p []byte)) {
	b.mu.Lock()
	b.respond = fn
	b.mu.Unlock()
}

// Feed appends device-side bytes to the readable input.
func (b *Buffer) Feed(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.in.Write(p)
}

// Written returns a copy of everything the host wrote.
func (b *Buffer) Written() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.out.Bytes())
}

// ClearWritten forgets captured host writes.
func (b *Buffer) ClearWritten() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.Reset()
}

// Resets returns how many times ResetInput was called.
func (b *Buffer) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// Close marks the buffer closed; further operations fail with ErrClosed.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	b.out.Write(p)
	respond := b.respond
	b.mu.Unlock()

	if respond != nil {
		respond(b, bytes.Clone(p))
	}
	return len(p), nil
}

// Available implements Stream.
func (b *Buffer) Available() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.in.Len(), nil
}

// ReadFull implements Stream. Buffer never waits: input only grows through
// Feed, so a short read times out immediately.
func (b *Buffer) ReadFull(p []byte, _ time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n, _ := b.in.Read(p)
	if n < len(p) {
		return n, ErrTimeout
	}
	return n, nil
}

// ResetInput implements Stream.
func (b *Buffer) ResetInput() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.in.Reset()
	b.resets++
	return nil
}
