// Package repl drives the MicroPython raw REPL of the board over a byte
// stream.
package repl

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itohio/photometry/pkg/link"
)

const (
	// DefaultTimeout bounds the idle time between bytes of a reply.
	DefaultTimeout = time.Second
	// DefaultFollowTimeout bounds the wait for command output.
	DefaultFollowTimeout = 10 * time.Second

	writeChunk = 256
	writeDelay = 10 * time.Millisecond
)

const (
	ctrlA = 0x01
	ctrlB = 0x02
	ctrlC = 0x03
	ctrlD = 0x04
)

var (
	rawBanner   = []byte("raw REPL; CTRL-B to exit\r\n")
	softReboot  = []byte("soft reboot\r\n")
	execOK      = []byte("OK")
	endOfOutput = []byte{ctrlD}
)

var (
	// ErrNotRaw is returned when the board does not enter the raw REPL.
	ErrNotRaw = errors.New("repl: could not enter raw REPL")
	// ErrExec is returned when the board does not accept a command.
	ErrExec = errors.New("repl: could not exec command")
)

// Error is an exception raised on the board.
type Error struct {
	Output    string
	Traceback string
}

func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Traceback), "\n")
	return "repl: exception: " + strings.TrimSpace(lines[len(lines)-1])
}

// REPL is a raw REPL session on a stream.
type REPL struct {
	stream  link.Stream
	timeout time.Duration
	delay   time.Duration
}

// New creates a REPL on stream. A zero timeout selects DefaultTimeout.
func New(stream link.Stream, timeout time.Duration) *REPL {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &REPL{stream: stream, timeout: timeout, delay: writeDelay}
}

// Enter interrupts any running program and switches to the raw REPL,
// optionally soft resetting the interpreter.
func (r *REPL) Enter(softReset bool) error {
	if _, err := r.stream.Write([]byte{'\r', ctrlC, ctrlC}); err != nil {
		return fmt.Errorf("failed to interrupt: %w", err)
	}
	time.Sleep(r.delay)
	if err := r.stream.ResetInput(); err != nil {
		return fmt.Errorf("failed to flush input: %w", err)
	}

	if _, err := r.stream.Write([]byte{'\r', ctrlA}); err != nil {
		return fmt.Errorf("failed to enter raw REPL: %w", err)
	}
	// The prompt after the banner is left for the next command.
	if _, err := r.readUntil(rawBanner, r.timeout); err != nil {
		return fmt.Errorf("%w: %w", ErrNotRaw, err)
	}
	if !softReset {
		return nil
	}

	if _, err := r.stream.Write([]byte{ctrlD}); err != nil {
		return fmt.Errorf("failed to soft reset: %w", err)
	}
	if _, err := r.readUntil(softReboot, r.timeout); err != nil {
		return fmt.Errorf("%w: no soft reboot: %w", ErrNotRaw, err)
	}
	if _, err := r.readUntil(rawBanner, r.timeout); err != nil {
		return fmt.Errorf("%w: %w", ErrNotRaw, err)
	}
	return nil
}

// Exit leaves the raw REPL.
func (r *REPL) Exit() error {
	_, err := r.stream.Write([]byte{'\r', ctrlB})
	return err
}

// ExecNoFollow sends code for execution without waiting for its output.
func (r *REPL) ExecNoFollow(code string) error {
	if _, err := r.readUntil([]byte{'>'}, r.timeout); err != nil {
		return fmt.Errorf("%w: no prompt: %w", ErrExec, err)
	}

	b := []byte(code)
	for len(b) > 0 {
		n := min(writeChunk, len(b))
		if _, err := r.stream.Write(b[:n]); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		b = b[n:]
		if len(b) > 0 {
			time.Sleep(r.delay)
		}
	}
	if _, err := r.stream.Write([]byte{ctrlD}); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	reply := make([]byte, len(execOK))
	if _, err := r.stream.ReadFull(reply, r.timeout); err != nil {
		return fmt.Errorf("%w: %w", ErrExec, err)
	}
	if !bytes.Equal(reply, execOK) {
		return fmt.Errorf("%w: got %q", ErrExec, reply)
	}
	return nil
}

// Follow waits for the output of the running command. A non-empty error
// output is returned as *Error.
func (r *REPL) Follow(timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = DefaultFollowTimeout
	}
	out, err := r.readUntil(endOfOutput, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	out = out[:len(out)-1]

	errOut, err := r.readUntil(endOfOutput, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read error output: %w", err)
	}
	errOut = errOut[:len(errOut)-1]

	if len(errOut) > 0 {
		return out, &Error{Output: string(out), Traceback: string(errOut)}
	}
	return out, nil
}

// Exec runs code and returns its output.
func (r *REPL) Exec(code string) ([]byte, error) {
	if err := r.ExecNoFollow(code); err != nil {
		return nil, err
	}
	return r.Follow(DefaultFollowTimeout)
}

// Eval evaluates a Python expression and returns its printed value.
func (r *REPL) Eval(expr string) (string, error) {
	out, err := r.Exec("print(" + expr + ")")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// readUntil reads until data ends with ending. The timeout applies to the
// wait for each byte.
func (r *REPL) readUntil(ending []byte, timeout time.Duration) ([]byte, error) {
	var data []byte
	b := make([]byte, 1)
	for !bytes.HasSuffix(data, ending) {
		if _, err := r.stream.ReadFull(b, timeout); err != nil {
			return data, err
		}
		data = append(data, b[0])
	}
	return data, nil
}
