package record

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/mode"
)

// Options describe a recording to begin.
type Options struct {
	Dir              string
	SubjectID        string
	Format           Format
	Mode             mode.Mode
	SamplingRate     int
	VoltsPerDivision [2]float64
	LEDCurrent       [2]int
	Version          string
	Time             time.Time // Start time, zero means now
}

// Recorder owns at most one open recording. Writes while no recording is
// open are discarded. A Recorder is not safe for concurrent use.
type Recorder struct {
	format Format
	mode   mode.Mode
	path   string
	file   *os.File
	w      *bufio.Writer
	line   []byte
}

// NewRecorder returns a Recorder with no open recording.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Active reports whether a recording is open.
func (r *Recorder) Active() bool {
	return r.file != nil
}

// Path returns the data file path of the open recording.
func (r *Recorder) Path() string {
	return r.path
}

// Format returns the format of the open recording.
func (r *Recorder) Format() Format {
	return r.format
}

// Begin opens a new recording and commits its header. It returns the data
// file name. On error no recording is open and no data file is left behind.
func (r *Recorder) Begin(opts Options) (string, error) {
	if r.Active() {
		return "", ErrActive
	}
	if _, err := ParseFormat(string(opts.Format)); err != nil {
		return "", err
	}

	start := opts.Time
	if start.IsZero() {
		start = time.Now()
	}
	hdr := Header{
		SubjectID:        opts.SubjectID,
		DateTime:         start.Format(DateTimeLayout),
		Mode:             opts.Mode.Name,
		SamplingRate:     opts.SamplingRate,
		VoltsPerDivision: opts.VoltsPerDivision,
		LEDCurrent:       opts.LEDCurrent,
		Version:          opts.Version,
	}

	name := opts.SubjectID + start.Format(fileTimeLayout) + "." + string(opts.Format)
	path := filepath.Join(opts.Dir, name)

	var err error
	switch opts.Format {
	case PPD:
		err = r.beginPPD(path, hdr)
	case CSV:
		err = r.beginCSV(path, hdr, opts.Mode)
	}
	if err != nil {
		return "", err
	}

	r.format = opts.Format
	r.mode = opts.Mode
	r.path = path
	return name, nil
}

func (r *Recorder) beginPPD(path string, hdr Header) error {
	b, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if len(b) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(b))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	w := bufio.NewWriter(f)
	w.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(b))))
	w.Write(b)
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write header: %w", err)
	}

	r.file, r.w = f, w
	return nil
}

func (r *Recorder) beginCSV(path string, hdr Header, m mode.Mode) error {
	b, err := hdr.encodeSorted()
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
	if err := os.WriteFile(sidecar, b, 0644); err != nil {
		return fmt.Errorf("failed to write header file: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		os.Remove(sidecar)
		return fmt.Errorf("failed to create recording: %w", err)
	}
	w := bufio.NewWriter(f)
	w.WriteString(strings.Join(m.Columns(), ", "))
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		os.Remove(sidecar)
		return fmt.Errorf("failed to write column header: %w", err)
	}

	r.file, r.w = f, w
	return nil
}

// Write appends one poll's worth of data: the raw payload words for ppd
// recordings, the demultiplexed channels for csv recordings. Data is
// flushed before Write returns. A write failure closes the recording.
func (r *Recorder) Write(words []uint16, ch demux.Channels) error {
	if !r.Active() {
		return nil
	}

	switch r.format {
	case PPD:
		for _, w := range words {
			r.line = binary.LittleEndian.AppendUint16(r.line[:0], w)
			r.w.Write(r.line)
		}
	case CSV:
		for i := range ch.Len() {
			r.line = r.line[:0]
			for _, a := range ch.Analog {
				r.line = strconv.AppendUint(r.line, uint64(a[i]), 10)
				r.line = append(r.line, ',')
			}
			r.line = strconv.AppendUint(r.line, uint64(ch.Digital[0][i]), 10)
			r.line = append(r.line, ',')
			r.line = strconv.AppendUint(r.line, uint64(ch.Digital[1][i]), 10)
			r.line = append(r.line, '\n')
			r.w.Write(r.line)
		}
	}

	if err := r.w.Flush(); err != nil {
		path := r.path
		r.End()
		return fmt.Errorf("failed to write recording %s: %w", path, err)
	}
	return nil
}

// End closes the open recording. Calling End without an open recording is
// a no-op.
func (r *Recorder) End() error {
	if !r.Active() {
		return nil
	}
	errFlush := r.w.Flush()
	errClose := r.file.Close()
	r.file, r.w = nil, nil
	r.path = ""
	r.format = ""
	if err := errors.Join(errFlush, errClose); err != nil {
		return fmt.Errorf("failed to close recording: %w", err)
	}
	return nil
}
