package frame

import (
	"errors"
	"fmt"

	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/mode"
)

// ErrNotStreaming is returned by Poll when the reader has not been started.
var ErrNotStreaming = errors.New("frame: reader is not streaming")

// State is the streaming state of a Reader.
type State int

const (
	Idle State = iota
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind classifies non-fatal stream conditions.
type EventKind int

const (
	// FrameCorrupt means a frame failed its checksum or terminator check and
	// the unread input was flushed.
	FrameCorrupt EventKind = iota
	// FramesSkipped means the sequence number jumped; positive gaps were
	// replaced by zero padding.
	FramesSkipped
)

// Event is a non-fatal condition observed while polling.
type Event struct {
	Kind EventKind

	// Skipped is the signed sequence gap for FramesSkipped.
	Skipped int

	// BadChecksum and BadTerminator describe a FrameCorrupt event.
	BadChecksum   bool
	BadTerminator bool
}

func (e Event) String() string {
	switch e.Kind {
	case FrameCorrupt:
		return fmt.Sprintf("frame corrupt (bad checksum: %t, bad terminator: %t)", e.BadChecksum, e.BadTerminator)
	case FramesSkipped:
		return fmt.Sprintf("skipped frames: %d", e.Skipped)
	default:
		return fmt.Sprintf("Event(%d)", int(e.Kind))
	}
}

// Result is the outcome of one Poll.
type Result struct {
	// Words holds the accepted payload, front padded with zeros for skipped
	// frames. It is nil when no frame was accepted and is only valid until
	// the next Poll.
	Words []uint16
	// Padding is the number of zero words prepended to the payload.
	Padding int
	Events  []Event
}

// Reader pulls frames from a stream and tracks the rolling sequence counter.
// A Reader is owned by a single goroutine.
type Reader struct {
	stream     link.Stream
	bufferSize int
	frameBytes int

	state   State
	counter uint16
	raw     []byte
	payload []uint16
	words   []uint16
}

// NewReader creates an idle reader for frames of the given settings.
func NewReader(stream link.Stream, s mode.Settings) *Reader {
	return &Reader{
		stream:     stream,
		bufferSize: s.BufferSize,
		frameBytes: s.FrameBytes,
		raw:        make([]byte, s.FrameBytes),
		payload:    make([]uint16, s.BufferSize),
	}
}

// Start resets the sequence counter and begins streaming.
func (r *Reader) Start() {
	r.counter = 0
	r.state = Streaming
}

// Stop ends streaming.
func (r *Reader) Stop() {
	r.state = Stopped
	r.counter = 0
}

// State returns the current state.
func (r *Reader) State() State {
	return r.state
}

// Counter returns the rolling count of accepted frames, modulo 2^16.
func (r *Reader) Counter() uint16 {
	return r.counter
}

// Poll reads one frame if a complete frame is buffered. It never blocks.
// Errors are transport failures and end the session; integrity problems are
// reported as events.
func (r *Reader) Poll() (Result, error) {
	if r.state != Streaming {
		return Result{}, ErrNotStreaming
	}

	n, err := r.stream.Available()
	if err != nil {
		return Result{}, err
	}
	if n < r.frameBytes {
		return Result{}, nil
	}
	if _, err := r.stream.ReadFull(r.raw, 0); err != nil {
		return Result{}, fmt.Errorf("failed to read frame: %w", err)
	}

	raw, err := Parse(r.payload, r.raw)
	if err != nil {
		return Result{}, err
	}
	r.payload = raw.Payload

	if !raw.Valid() {
		// Reading is no longer aligned with the board; drop everything.
		if err := r.stream.ResetInput(); err != nil {
			return Result{}, fmt.Errorf("failed to flush input: %w", err)
		}
		return Result{Events: []Event{{
			Kind:          FrameCorrupt,
			BadChecksum:   !raw.ChecksumOK(),
			BadTerminator: !raw.TerminatorOK(),
		}}}, nil
	}

	var res Result
	r.counter++
	gap := Gap(raw.Seq, r.counter)
	if gap != 0 {
		res.Events = append(res.Events, Event{Kind: FramesSkipped, Skipped: gap})
	}

	r.words = r.words[:0]
	if gap > 0 {
		res.Padding = gap * r.bufferSize
		for range res.Padding {
			r.words = append(r.words, 0)
		}
		r.counter += uint16(gap)
	}
	r.words = append(r.words, raw.Payload...)
	res.Words = r.words
	return res, nil
}
