// Package board drives an acquisition session on a photometry board: setup
// and firmware install, acquisition settings, streaming and recording.
package board

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/itohio/photometry/pkg/config"
	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/firmware"
	"github.com/itohio/photometry/pkg/frame"
	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/log"
	"github.com/itohio/photometry/pkg/mode"
	"github.com/itohio/photometry/pkg/record"
	"github.com/itohio/photometry/pkg/repl"
)

// Single byte commands understood by the running acquisition loop.
const (
	cmdStop = 0xFF
	cmdLED1 = 0xFD
	cmdLED2 = 0xFE

	stopSettle = 100 * time.Millisecond
	maxCurrent = 255
)

var (
	// ErrRunning is returned by operations that need acquisition stopped.
	ErrRunning = errors.New("board: acquisition is running")
	// ErrNotRunning is returned by operations that need acquisition running.
	ErrNotRunning = errors.New("board: acquisition is not running")
)

// Controller executes Python on the board.
type Controller interface {
	Exec(code string) ([]byte, error)
	ExecNoFollow(code string) error
	Follow(timeout time.Duration) ([]byte, error)
	Eval(expr string) (string, error)
}

// enterer is implemented by controllers that need to take over the board's
// interpreter before use.
type enterer interface {
	Enter(softReset bool) error
}

var (
	_ Controller      = (*repl.REPL)(nil)
	_ firmware.Target = (*Board)(nil)
)

// Batch is the outcome of one Process call. Words and Channels are only
// valid until the next call.
type Batch struct {
	Words    []uint16
	Padding  int
	Channels demux.Channels
	Events   []frame.Event
	// RecordErr is set when writing the recording failed. The recording is
	// closed; acquisition continues.
	RecordErr error
}

// Empty reports whether no frame was accepted.
func (b Batch) Empty() bool {
	return len(b.Words) == 0
}

// Board is an acquisition session. It is owned by a single goroutine.
type Board struct {
	stream link.Stream
	ctrl   Controller
	cfg    *config.Config

	settings         mode.Settings
	ledCurrent       [2]int
	voltsPerDivision [2]float64
	running          bool

	reader *frame.Reader
	demux  *demux.Demuxer
	rec    *record.Recorder

	now func() time.Time
}

// New creates a session on stream, controlled through ctrl. A nil cfg
// selects the default configuration.
func New(stream link.Stream, ctrl Controller, cfg *config.Config) (*Board, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	settings, err := mode.Select(cfg.Acquisition.Mode)
	if err != nil {
		return nil, err
	}
	return &Board{
		stream:     stream,
		ctrl:       ctrl,
		cfg:        cfg,
		settings:   settings,
		ledCurrent: cfg.Acquisition.LEDCurrent,
		demux:      demux.New(settings.Mode),
		rec:        record.NewRecorder(),
		now:        time.Now,
	}, nil
}

// Setup takes over the board, installs the firmware at firmwarePath and
// instantiates the acquisition object.
func (b *Board) Setup(firmwarePath string) error {
	if b.running {
		return ErrRunning
	}
	data, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware: %w", err)
	}
	return b.SetupData(filepath.Base(firmwarePath), data)
}

// Install takes over the board and makes sure it holds the firmware at
// firmwarePath, without starting it.
func (b *Board) Install(firmwarePath string) error {
	if b.running {
		return ErrRunning
	}
	data, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware: %w", err)
	}
	return b.InstallData(filepath.Base(firmwarePath), data)
}

// InstallData is Install for in-memory firmware stored as name.
func (b *Board) InstallData(name string, data []byte) error {
	if b.running {
		return ErrRunning
	}
	if e, ok := b.ctrl.(enterer); ok {
		if err := e.Enter(true); err != nil {
			return err
		}
	}
	if _, err := b.ctrl.Exec(hashSource); err != nil {
		return fmt.Errorf("failed to define hash helper: %w", err)
	}
	if _, err := b.ctrl.Exec(receiveSource); err != nil {
		return fmt.Errorf("failed to define receive helper: %w", err)
	}
	return firmware.SyncData(b, b.stream, name, data, firmware.Options{
		Attempts:   b.cfg.Firmware.Attempts,
		ChunkSize:  b.cfg.Firmware.ChunkSize,
		AckTimeout: b.cfg.Firmware.AckTimeout,
	})
}

// SetupData is Setup for in-memory firmware stored as name.
func (b *Board) SetupData(name string, data []byte) error {
	if err := b.InstallData(name, data); err != nil {
		return err
	}

	module := strings.TrimSuffix(name, ".py")
	if _, err := b.ctrl.Exec("import " + module); err != nil {
		return fmt.Errorf("failed to import firmware: %w", err)
	}
	if _, err := b.ctrl.Exec("p = " + module + ".Photometry()"); err != nil {
		return fmt.Errorf("failed to create acquisition object: %w", err)
	}

	vpd, err := b.ctrl.Eval("p.volts_per_division")
	if err != nil {
		return fmt.Errorf("failed to read volts per division: %w", err)
	}
	if b.voltsPerDivision, err = parseVoltsPerDivision(vpd); err != nil {
		return err
	}
	log.Debug("board ready, volts per division %v", b.voltsPerDivision)
	return nil
}

// Configure applies acquisition settings from the configuration.
func (b *Board) Configure(acq config.AcquisitionConfig) error {
	if err := b.SetMode(acq.Mode); err != nil {
		return err
	}
	if acq.SamplingRate > 0 {
		if _, err := b.SetSamplingRate(acq.SamplingRate); err != nil {
			return err
		}
	}
	for i, mA := range acq.LEDCurrent {
		if err := b.SetLEDCurrent(i+1, mA); err != nil {
			return err
		}
	}
	return b.SetAmbientLightCorrection(acq.AmbientLightCorrection)
}

// SetMode selects the acquisition mode at its maximum sampling rate.
func (b *Board) SetMode(name string) error {
	if b.running {
		return ErrRunning
	}
	settings, err := mode.Select(name)
	if err != nil {
		return err
	}
	if _, err := b.ctrl.Exec(fmt.Sprintf("p.set_mode('%s')", name)); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	b.settings = settings
	b.demux = demux.New(settings.Mode)
	return nil
}

// SetSamplingRate sets the per-channel sampling rate, clamped to the
// mode's range, and returns the rate applied.
func (b *Board) SetSamplingRate(rate int) (int, error) {
	if b.running {
		return 0, ErrRunning
	}
	return b.settings.SetSamplingRate(rate), nil
}

// SetLEDCurrent sets the current of LED 1 or 2 in mA. While streaming the
// change is sent inline with the data stream.
func (b *Board) SetLEDCurrent(led, mA int) error {
	if led != 1 && led != 2 {
		return fmt.Errorf("board: invalid LED %d", led)
	}
	if mA < 0 || mA > maxCurrent {
		return fmt.Errorf("board: LED current %d mA out of range [0, %d]", mA, maxCurrent)
	}

	if b.running {
		cmd := byte(cmdLED1)
		if led == 2 {
			cmd = cmdLED2
		}
		if _, err := b.stream.Write([]byte{cmd, byte(mA)}); err != nil {
			return fmt.Errorf("failed to send LED current: %w", err)
		}
	} else {
		args := [2]string{"None", "None"}
		args[led-1] = strconv.Itoa(mA)
		if _, err := b.ctrl.Exec(fmt.Sprintf("p.set_LED_current(%s,%s)", args[0], args[1])); err != nil {
			return fmt.Errorf("failed to set LED current: %w", err)
		}
	}
	b.ledCurrent[led-1] = mA
	return nil
}

// SetAmbientLightCorrection switches background subtraction on the board.
func (b *Board) SetAmbientLightCorrection(on bool) error {
	if b.running {
		return ErrRunning
	}
	v := "False"
	if on {
		v = "True"
	}
	if _, err := b.ctrl.Exec("p.set_ambientlightcorrection(" + v + ")"); err != nil {
		return fmt.Errorf("failed to set ambient light correction: %w", err)
	}
	return nil
}

// Start begins acquisition with the current settings.
func (b *Board) Start() error {
	if b.running {
		return ErrRunning
	}
	rate, bufferSize := b.settings.StartArgs()
	if err := b.ctrl.ExecNoFollow(fmt.Sprintf("p.start(%s,%s)", rate, bufferSize)); err != nil {
		return fmt.Errorf("failed to start acquisition: %w", err)
	}

	b.reader = frame.NewReader(b.stream, b.settings)
	b.reader.Start()
	b.demux = demux.New(b.settings.Mode)
	b.running = true
	log.Info("acquisition started: %s at %d Hz, %d words per frame", b.settings.Mode.Name, b.settings.SamplingRate, b.settings.BufferSize)
	return nil
}

// Process handles at most one buffered frame: it validates the frame,
// splits it into channels and appends it to the open recording. It never
// blocks. A returned error is a transport failure.
func (b *Board) Process() (Batch, error) {
	if !b.running {
		return Batch{}, ErrNotRunning
	}

	res, err := b.reader.Poll()
	if err != nil {
		return Batch{}, err
	}
	for _, ev := range res.Events {
		log.Warning("%s", ev)
	}

	batch := Batch{Events: res.Events}
	if res.Words == nil {
		return batch, nil
	}

	batch.Words = res.Words
	batch.Padding = res.Padding
	batch.Channels = b.demux.Split(res.Words)

	if err := b.rec.Write(res.Words, batch.Channels); err != nil {
		log.Error("recording stopped: %v", err)
		batch.RecordErr = err
	}
	return batch, nil
}

// Record opens a data file in dir and returns its name. Acquisition must be
// running.
func (b *Board) Record(dir, subjectID string, format record.Format) (string, error) {
	if !b.running {
		return "", ErrNotRunning
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	name, err := b.rec.Begin(record.Options{
		Dir:              dir,
		SubjectID:        subjectID,
		Format:           format,
		Mode:             b.settings.Mode,
		SamplingRate:     b.settings.SamplingRate,
		VoltsPerDivision: b.voltsPerDivision,
		LEDCurrent:       b.ledCurrent,
		Version:          config.Version,
		Time:             b.now(),
	})
	if err != nil {
		return "", err
	}
	log.Info("recording to %s", b.rec.Path())
	return name, nil
}

// StopRecording closes the open recording, if any.
func (b *Board) StopRecording() error {
	return b.rec.End()
}

// Stop closes any open recording and ends acquisition. It is safe to call
// in any state.
func (b *Board) Stop() error {
	errRec := b.rec.End()
	if !b.running {
		return errRec
	}

	b.running = false
	b.reader.Stop()
	b.demux.Reset()

	var errStream error
	if _, err := b.stream.Write([]byte{cmdStop}); err != nil {
		errStream = fmt.Errorf("failed to send stop: %w", err)
	} else {
		time.Sleep(stopSettle)
		if err := b.stream.ResetInput(); err != nil {
			errStream = fmt.Errorf("failed to flush input: %w", err)
		} else if err := b.interrupt(); err != nil {
			errStream = fmt.Errorf("failed to recover REPL: %w", err)
		}
	}
	log.Info("acquisition stopped")
	return errors.Join(errRec, errStream)
}

// Running reports whether acquisition is running.
func (b *Board) Running() bool {
	return b.running
}

// Recording reports whether a recording is open.
func (b *Board) Recording() bool {
	return b.rec.Active()
}

// Settings returns the current session settings.
func (b *Board) Settings() mode.Settings {
	return b.settings
}

// LEDCurrent returns the LED currents in mA.
func (b *Board) LEDCurrent() [2]int {
	return b.ledCurrent
}

// VoltsPerDivision returns the ADC scale reported by the board.
func (b *Board) VoltsPerDivision() [2]float64 {
	return b.voltsPerDivision
}

// FileHash implements firmware.Target.
func (b *Board) FileHash(name string) (uint32, error) {
	out, err := b.ctrl.Eval(fmt.Sprintf("_djb2_file('%s')", name))
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(out, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("board: bad file hash %q: %w", out, err)
	}
	return uint32(h), nil
}

// BeginReceive implements firmware.Target.
func (b *Board) BeginReceive(name string, size int) error {
	return b.ctrl.ExecNoFollow(fmt.Sprintf("_receive_file('%s',%d)", name, size))
}

// EndReceive implements firmware.Target.
func (b *Board) EndReceive() error {
	_, err := b.ctrl.Follow(b.cfg.Firmware.FollowTimeout)
	return err
}

// Abort implements firmware.Target. The board is interrupted and the raw
// REPL entered again without a reset, so the helpers stay defined.
func (b *Board) Abort() error {
	return b.interrupt()
}

// interrupt brings the controller back to a command prompt after the stream
// was flushed.
func (b *Board) interrupt() error {
	if e, ok := b.ctrl.(enterer); ok {
		return e.Enter(false)
	}
	return nil
}

// parseVoltsPerDivision accepts a scalar or a two element list as printed
// by Python.
func parseVoltsPerDivision(s string) ([2]float64, error) {
	var vpd [2]float64
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return vpd, fmt.Errorf("board: bad volts per division %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vpd, fmt.Errorf("board: bad volts per division %q: %w", s, err)
		}
		vpd[i] = v
	}
	if len(parts) == 1 {
		vpd[1] = vpd[0]
	}
	return vpd, nil
}
