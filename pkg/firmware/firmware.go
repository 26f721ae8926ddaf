// Package firmware installs a file on the board, verifying it with a djb2
// content hash and retransmitting until the board's copy matches.
package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/log"
)

const (
	// DefaultAttempts is the number of transfer attempts before giving up.
	DefaultAttempts = 10
	// DefaultChunkSize is the number of bytes sent per acknowledged chunk.
	DefaultChunkSize = 512
	// DefaultAckTimeout bounds the wait for each chunk acknowledgement.
	DefaultAckTimeout = 5 * time.Second

	hashSeed = 5381
)

var (
	// ErrTransferFailed is returned when the board's copy still does not
	// match after all attempts.
	ErrTransferFailed = errors.New("firmware: transfer failed")

	ackOK = []byte("OK")
)

// Hash returns the djb2 variant hash of data, consuming it in little-endian
// 32-bit groups. A trailing partial group is used as read.
func Hash(data []byte) uint32 {
	h := uint32(hashSeed)
	for len(data) > 0 {
		n := min(4, len(data))
		var group [4]byte
		copy(group[:], data[:n])
		h = (h << 5) + h + binary.LittleEndian.Uint32(group[:])
		data = data[n:]
	}
	return h
}

// HashFile returns the Hash of the file at path.
func HashFile(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Hash(data), nil
}

// Target is the board side of a transfer.
type Target interface {
	// FileHash returns the hash of the board's copy of name. An error means
	// the hash is unavailable, such as when the file is missing.
	FileHash(name string) (uint32, error)
	// BeginReceive makes the board accept size bytes for name as
	// acknowledged chunks on the stream.
	BeginReceive(name string, size int) error
	// EndReceive waits for the board to finish the receive call.
	EndReceive() error
	// Abort returns the board to a state that accepts commands after a
	// failed attempt.
	Abort() error
}

// Options tune a transfer. Zero values select the defaults.
type Options struct {
	Attempts   int
	ChunkSize  int
	AckTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	return o
}

// Sync makes sure the board holds an identical copy of the file at
// localPath, stored under its base name. The stream must not be used by
// anything else while Sync runs.
func Sync(t Target, s link.Stream, localPath string, opts Options) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return SyncData(t, s, filepath.Base(localPath), data, opts)
}

// SyncData is Sync for in-memory content.
func SyncData(t Target, s link.Stream, name string, data []byte, opts Options) error {
	opts = opts.withDefaults()
	want := Hash(data)

	for attempt := range opts.Attempts {
		if matches(t, name, want) {
			return nil
		}
		if err := transfer(t, s, name, data, opts); err != nil {
			log.Warning("transfer of %s failed (attempt %d/%d): %v", name, attempt+1, opts.Attempts, err)
			if err := t.Abort(); err != nil {
				log.Warning("failed to recover board after transfer of %s: %v", name, err)
			}
		}
	}
	if matches(t, name, want) {
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrTransferFailed, name, opts.Attempts)
}

func matches(t Target, name string, want uint32) bool {
	got, err := t.FileHash(name)
	return err == nil && got == want
}

// transfer streams data in acknowledged chunks. Any acknowledgement other
// than OK aborts the attempt and discards unread input.
func transfer(t Target, s link.Stream, name string, data []byte, opts Options) error {
	if err := t.BeginReceive(name, len(data)); err != nil {
		return fmt.Errorf("failed to start receive: %w", err)
	}

	r := bytes.NewReader(data)
	chunk := make([]byte, opts.ChunkSize)
	ack := make([]byte, len(ackOK))
	for {
		n, err := r.Read(chunk)
		if err == io.EOF {
			break
		}
		if _, err := s.Write(chunk[:n]); err != nil {
			return fmt.Errorf("failed to send chunk: %w", err)
		}
		if _, err := s.ReadFull(ack, opts.AckTimeout); err != nil || !bytes.Equal(ack, ackOK) {
			time.Sleep(10 * time.Millisecond)
			if rerr := s.ResetInput(); rerr != nil {
				return fmt.Errorf("failed to flush input: %w", rerr)
			}
			if err != nil {
				return fmt.Errorf("no chunk acknowledgement: %w", err)
			}
			return fmt.Errorf("chunk rejected with %q", ack)
		}
	}

	if err := t.EndReceive(); err != nil {
		return fmt.Errorf("failed to finish receive: %w", err)
	}
	return nil
}
