// Package sim simulates a photometry board. A Board is both the byte stream
// and the Python controller of a session, so the board package can run
// against it without hardware.
package sim

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/photometry/pkg/board"
	"github.com/itohio/photometry/pkg/config"
	"github.com/itohio/photometry/pkg/firmware"
	"github.com/itohio/photometry/pkg/frame"
	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/mode"
	"github.com/itohio/photometry/pkg/repl"
)

const (
	maxCode  = 1<<15 - 1
	pollWait = time.Millisecond
)

var (
	_ link.Stream      = (*Board)(nil)
	_ board.Controller = (*Board)(nil)
)

// Board simulates the firmware of a photometry board.
type Board struct {
	cfg *config.MockConfig
	now func() time.Time
	rng *rand.Rand

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool

	// Interpreter state.
	files        map[string][]byte
	defined      map[string]bool
	imported     map[string]bool
	instantiated bool
	mode         mode.Mode
	led          [2]int
	alc          bool
	pending      *result
	rejects      int

	// Receive state.
	receiving bool
	recvName  string
	recvSize  int
	recvData  []byte

	// Streaming state.
	streaming  bool
	wordRate   float64 // Words per second on the wire
	bufferSize int
	start      time.Time
	frames     int
	seq        uint16
	word       int
	ledCmd     byte
}

type result struct {
	out []byte
	err error
}

// New creates a simulated board. A nil cfg selects the default mock
// configuration.
func New(cfg *config.MockConfig) *Board {
	if cfg == nil {
		cfg = &config.Default().Mock
	}
	m, _ := mode.Lookup(config.Default().Acquisition.Mode)
	return &Board{
		cfg:      cfg,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(cfg.Seed), 0)),
		files:    make(map[string][]byte),
		defined:  make(map[string]bool),
		imported: make(map[string]bool),
		mode:     m,
	}
}

// SetClock replaces the time source that paces streaming.
func (b *Board) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Preload stores a file on the simulated flash.
func (b *Board) Preload(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[name] = bytes.Clone(data)
}

// File returns a file stored on the simulated flash.
func (b *Board) File(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[name]
	return bytes.Clone(data), ok
}

// RejectChunks makes the board answer the next n transfer chunks with ER.
func (b *Board) RejectChunks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects = n
}

// Mode returns the mode set on the board.
func (b *Board) Mode() mode.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// LEDCurrent returns the LED currents set on the board.
func (b *Board) LEDCurrent() [2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.led
}

// AmbientLightCorrection reports whether background subtraction is on.
func (b *Board) AmbientLightCorrection() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alc
}

// Streaming reports whether the acquisition loop is running.
func (b *Board) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming
}

// Frames returns the number of frames produced since the last start,
// including dropped ones.
func (b *Board) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generate()
	return b.frames
}

// Close disconnects the board.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.streaming = false
	return nil
}

// Enter interrupts a running program. A soft reset also clears the
// interpreter; files survive.
func (b *Board) Enter(softReset bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return link.ErrClosed
	}
	b.streaming = false
	b.receiving = false
	b.pending = nil
	b.out.Reset()
	if softReset {
		clear(b.defined)
		clear(b.imported)
		b.instantiated = false
	}
	return nil
}

// Write implements io.Writer. Bytes are transfer chunks while a file is
// being received and single byte commands while streaming.
func (b *Board) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, link.ErrClosed
	}

	switch {
	case b.receiving:
		b.receive(p)
	case b.streaming:
		b.generate()
		for _, c := range p {
			b.command(c)
		}
	}
	return len(p), nil
}

// Available implements link.Stream.
func (b *Board) Available() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, link.ErrClosed
	}
	b.generate()
	return b.out.Len(), nil
}

// ReadFull implements link.Stream.
func (b *Board) ReadFull(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return got, link.ErrClosed
		}
		b.generate()
		n, _ := b.out.Read(p[got:])
		b.mu.Unlock()

		got += n
		if got == len(p) {
			return got, nil
		}
		if !time.Now().Before(deadline) {
			return got, link.ErrTimeout
		}
		time.Sleep(pollWait)
	}
}

// ResetInput implements link.Stream.
func (b *Board) ResetInput() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return link.ErrClosed
	}
	b.generate()
	b.out.Reset()
	return nil
}

// Exec implements board.Controller.
func (b *Board) Exec(code string) ([]byte, error) {
	if err := b.ExecNoFollow(code); err != nil {
		return nil, err
	}
	return b.Follow(0)
}

// ExecNoFollow implements board.Controller.
func (b *Board) ExecNoFollow(code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return link.ErrClosed
	}
	if b.streaming || b.receiving {
		return fmt.Errorf("%w: board is busy", repl.ErrExec)
	}

	if args, ok := call(code, "_receive_file"); ok {
		return b.beginReceive(args)
	}
	if args, ok := call(code, "p.start"); ok {
		return b.startStreaming(args)
	}

	out, err := b.run(code)
	b.pending = &result{out: out, err: err}
	return nil
}

// Follow implements board.Controller.
func (b *Board) Follow(time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiving {
		return nil, fmt.Errorf("failed to read output: %w", link.ErrTimeout)
	}
	if b.pending == nil {
		return nil, fmt.Errorf("failed to read output: %w", link.ErrTimeout)
	}
	res := b.pending
	b.pending = nil
	return res.out, res.err
}

// Eval implements board.Controller.
func (b *Board) Eval(expr string) (string, error) {
	out, err := b.Exec("print(" + expr + ")")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *Board) run(code string) ([]byte, error) {
	code = strings.TrimSpace(code)
	switch {
	case strings.HasPrefix(code, "def "):
		name, _, _ := strings.Cut(strings.TrimPrefix(code, "def "), "(")
		b.defined[name] = true
		return nil, nil

	case strings.HasPrefix(code, "import "):
		module := strings.TrimPrefix(code, "import ")
		if _, ok := b.files[module+".py"]; !ok {
			return nil, exception("ImportError: no module named '%s'", module)
		}
		b.imported[module] = true
		return nil, nil

	case strings.HasPrefix(code, "p = "):
		module, _, _ := strings.Cut(strings.TrimPrefix(code, "p = "), ".")
		if !b.imported[module] {
			return nil, exception("NameError: name '%s' isn't defined", module)
		}
		b.instantiated = true
		return nil, nil
	}

	if args, ok := call(code, "print"); ok && len(args) == 1 {
		v, err := b.eval(args[0])
		if err != nil {
			return nil, err
		}
		return []byte(v + "\r\n"), nil
	}

	if strings.HasPrefix(code, "p.") && !b.instantiated {
		return nil, exception("NameError: name 'p' isn't defined")
	}
	if args, ok := call(code, "p.set_mode"); ok && len(args) == 1 {
		m, err := mode.Lookup(args[0])
		if err != nil {
			return nil, exception("ValueError: %s", err)
		}
		b.mode = m
		return nil, nil
	}
	if args, ok := call(code, "p.set_LED_current"); ok && len(args) == 2 {
		for i, a := range args {
			if a == "None" {
				continue
			}
			mA, err := strconv.Atoi(a)
			if err != nil {
				return nil, exception("TypeError: can't convert %s to int", a)
			}
			b.led[i] = mA
		}
		return nil, nil
	}
	if args, ok := call(code, "p.set_ambientlightcorrection"); ok && len(args) == 1 {
		b.alc = args[0] == "True"
		return nil, nil
	}
	return nil, exception("SyntaxError: invalid syntax")
}

func (b *Board) eval(expr string) (string, error) {
	if expr == "p.volts_per_division" {
		if !b.instantiated {
			return "", exception("NameError: name 'p' isn't defined")
		}
		v := strconv.FormatFloat(b.cfg.VoltsPerDivision, 'f', -1, 64)
		return "[" + v + ", " + v + "]", nil
	}
	if args, ok := call(expr, "_djb2_file"); ok && len(args) == 1 {
		if !b.defined["_djb2_file"] {
			return "", exception("NameError: name '_djb2_file' isn't defined")
		}
		data, ok := b.files[args[0]]
		if !ok {
			return "", exception("OSError: [Errno 2] ENOENT")
		}
		return strconv.FormatUint(uint64(firmware.Hash(data)), 10), nil
	}
	return "", exception("NameError: name '%s' isn't defined", expr)
}

func (b *Board) beginReceive(args []string) error {
	if !b.defined["_receive_file"] || len(args) != 2 {
		b.pending = &result{err: exception("NameError: name '_receive_file' isn't defined")}
		return nil
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		b.pending = &result{err: exception("TypeError: can't convert %s to int", args[1])}
		return nil
	}
	b.recvName = args[0]
	b.recvSize = size
	b.recvData = b.recvData[:0]
	if size == 0 {
		b.files[b.recvName] = nil
		b.pending = &result{}
		return nil
	}
	b.receiving = true
	return nil
}

// receive stores one transfer chunk and acknowledges it.
func (b *Board) receive(p []byte) {
	if b.rejects > 0 {
		b.rejects--
		b.receiving = false
		b.out.WriteString("ER")
		return
	}
	b.recvData = append(b.recvData, p...)
	b.out.WriteString("OK")
	if len(b.recvData) >= b.recvSize {
		b.files[b.recvName] = bytes.Clone(b.recvData[:b.recvSize])
		b.receiving = false
		b.pending = &result{}
	}
}

func (b *Board) startStreaming(args []string) error {
	if !b.instantiated || len(args) != 2 {
		return exception("NameError: name 'p' isn't defined")
	}
	rate, err := strconv.ParseFloat(args[0], 64)
	if err != nil || rate <= 0 {
		return exception("ValueError: invalid sampling rate %s", args[0])
	}
	bs, err := strconv.Atoi(args[1])
	if err != nil || bs < 2 {
		return exception("ValueError: invalid buffer size %s", args[1])
	}

	b.streaming = true
	b.wordRate = rate * float64(b.mode.Arity)
	b.bufferSize = bs
	b.start = b.now()
	b.frames = 0
	b.seq = 0
	b.word = 0
	b.ledCmd = 0
	b.out.Reset()
	return nil
}

// command handles one byte sent to the acquisition loop.
func (b *Board) command(c byte) {
	if b.ledCmd != 0 {
		b.led[b.ledCmd-0xFD] = int(c)
		b.ledCmd = 0
		return
	}
	switch c {
	case 0xFF:
		b.streaming = false
	case 0xFD, 0xFE:
		b.ledCmd = c
	}
}

// generate emits the frames due since streaming started.
func (b *Board) generate() {
	if !b.streaming {
		return
	}
	elapsed := b.now().Sub(b.start).Seconds()
	due := int(elapsed * b.wordRate / float64(b.bufferSize))
	for b.frames < due {
		b.frames++
		b.seq++
		payload := b.payload()
		if b.cfg.DropEvery > 0 && b.frames%b.cfg.DropEvery == 0 {
			continue
		}
		b.out.Write(frame.Encode(payload, b.seq))
	}
}

// payload synthesises one frame of words. Each role sees a phase shifted
// sinusoid on a baseline; digital inputs are square waves at 0.5 Hz and
// 1 Hz carried on the first two phases of every stride.
func (b *Board) payload() []uint16 {
	stride := b.mode.Stride()
	vpd := float32(b.cfg.VoltsPerDivision)
	words := make([]uint16, b.bufferSize)
	for i := range words {
		k := b.word
		b.word++
		t := float32(float64(k) / b.wordRate)
		phase := k % stride

		v := float32(b.cfg.Baseline) +
			float32(b.cfg.Amplitude)*math32.Sin(2*math32.Pi*float32(b.cfg.Frequency)*t+float32(phase)*math32.Pi/2) +
			float32(b.cfg.Noise)*float32(b.rng.NormFloat64())
		code := uint16(math32.Max(0, math32.Min(maxCode, math32.Round(v/vpd))))

		var bit uint16
		switch phase {
		case 0:
			bit = uint16(int(t) % 2)
		case 1:
			bit = uint16(int(2*t) % 2)
		}
		words[i] = code<<1 | bit
	}
	return words
}

// call matches code against name(args...) and returns the unquoted
// arguments.
func call(code, name string) ([]string, bool) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, name+"(") || !strings.HasSuffix(code, ")") {
		return nil, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(code, name+"("), ")")
	if inner == "" {
		return nil, true
	}
	args := strings.Split(inner, ",")
	for i, a := range args {
		args[i] = strings.Trim(strings.TrimSpace(a), `'"`)
	}
	return args, true
}

func exception(format string, v ...any) error {
	return &repl.Error{Traceback: "Traceback (most recent call last):\r\n" +
		"  File \"<stdin>\", line 1, in <module>\r\n" +
		fmt.Sprintf(format, v...) + "\r\n"}
}
