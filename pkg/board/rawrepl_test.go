package board_test

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/itohio/photometry/pkg/board"
	"github.com/itohio/photometry/pkg/firmware"
	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/repl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rawBanner = "raw REPL; CTRL-B to exit\r\n>"
	noOutput  = "\x04\x04>"
)

// rawBoard answers the raw REPL protocol, the file helpers and the
// acquisition commands on a link.Buffer, prompts included.
type rawBoard struct {
	files     map[string][]byte
	code      bytes.Buffer
	executed  []string
	receiving string
	size      int
	got       []byte
	reject    int // Chunks answered with ER
	streaming bool
}

func newRawBoard(s *link.Buffer) *rawBoard {
	rb := &rawBoard{files: make(map[string][]byte)}
	s.OnWrite(rb.handle)
	return rb
}

func (rb *rawBoard) handle(s *link.Buffer, p []byte) {
	switch {
	case rb.receiving != "":
		rb.chunk(s, p)
	case rb.streaming:
		if bytes.Equal(p, []byte{0xFF}) {
			rb.streaming = false
			s.Feed([]byte(noOutput))
		}
	case bytes.Equal(p, []byte("\r\x03\x03")):
		s.Feed([]byte("\r\n>>> "))
	case bytes.Equal(p, []byte("\r\x01")):
		s.Feed([]byte(rawBanner))
	case bytes.Equal(p, []byte{0x04}) && rb.code.Len() == 0:
		s.Feed([]byte("OK\r\nMPY: soft reboot\r\n" + rawBanner))
	case bytes.Equal(p, []byte{0x04}):
		code := rb.code.String()
		rb.code.Reset()
		rb.executed = append(rb.executed, code)
		s.Feed([]byte("OK"))
		rb.run(s, code)
	default:
		rb.code.Write(p)
	}
}

func (rb *rawBoard) run(s *link.Buffer, code string) {
	if args, ok := strings.CutPrefix(code, "print(_djb2_file('"); ok {
		data, found := rb.files[strings.TrimSuffix(args, "'))")]
		if !found {
			s.Feed([]byte("\x04Traceback (most recent call last):\r\nOSError: [Errno 2] ENOENT\r\n\x04>"))
			return
		}
		s.Feed([]byte(strconv.FormatUint(uint64(firmware.Hash(data)), 10) + "\r\n" + noOutput))
		return
	}
	if args, ok := strings.CutPrefix(code, "_receive_file('"); ok {
		name, size, _ := strings.Cut(strings.TrimSuffix(args, ")"), "',")
		rb.receiving, rb.got = name, nil
		rb.size, _ = strconv.Atoi(size)
		return
	}
	switch {
	case strings.HasPrefix(code, "p.start("):
		rb.streaming = true
	case code == "print(p.volts_per_division)":
		s.Feed([]byte("0.0001\r\n" + noOutput))
	default:
		s.Feed([]byte(noOutput))
	}
}

// chunk stores one transfer chunk. A rejected chunk ends the receive call
// on the board, which then returns to the prompt.
func (rb *rawBoard) chunk(s *link.Buffer, p []byte) {
	if rb.reject > 0 {
		rb.reject--
		rb.receiving = ""
		s.Feed([]byte("ER" + noOutput))
		return
	}
	rb.got = append(rb.got, p...)
	s.Feed([]byte("OK"))
	if len(rb.got) >= rb.size {
		rb.files[rb.receiving] = rb.got
		rb.receiving = ""
		s.Feed([]byte(noOutput))
	}
}

func newRawSession(t *testing.T) (*board.Board, *rawBoard) {
	t.Helper()
	s := link.NewBuffer()
	rb := newRawBoard(s)
	b, err := board.New(s, repl.New(s, 10*time.Millisecond), testConfig())
	require.NoError(t, err)
	return b, rb
}

func TestSetupData_RawREPL(t *testing.T) {
	tests := []struct {
		name   string
		reject int
	}{
		{"no rejects", 0},
		{"first chunk rejected", 1},
		{"several attempts rejected", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, rb := newRawSession(t)
			rb.reject = tt.reject
			data := bytes.Repeat([]byte("import pyb\n"), 150)

			require.NoError(t, b.SetupData("photometry_upy.py", data))
			assert.Equal(t, data, rb.files["photometry_upy.py"])
			assert.Equal(t, [2]float64{0.0001, 0.0001}, b.VoltsPerDivision())

			receives := 0
			for _, code := range rb.executed {
				if strings.HasPrefix(code, "_receive_file(") {
					receives++
				}
			}
			assert.Equal(t, tt.reject+1, receives)
		})
	}
}

func TestSetupData_RawREPLGivesUp(t *testing.T) {
	b, rb := newRawSession(t)
	rb.reject = 100

	err := b.SetupData("photometry_upy.py", []byte("import pyb\n"))
	assert.ErrorIs(t, err, firmware.ErrTransferFailed)
	// Every attempt reached the board.
	assert.Equal(t, 100-firmware.DefaultAttempts, rb.reject)
}

func TestStop_RawREPLAcceptsCommands(t *testing.T) {
	b, rb := newRawSession(t)
	require.NoError(t, b.SetupData("photometry_upy.py", []byte("import pyb\n")))

	require.NoError(t, b.Start())
	assert.True(t, rb.streaming)
	require.NoError(t, b.Stop())
	assert.False(t, rb.streaming)

	require.NoError(t, b.SetMode("1site-3colors"))
	assert.Equal(t, "p.set_mode('1site-3colors')", rb.executed[len(rb.executed)-1])
}
