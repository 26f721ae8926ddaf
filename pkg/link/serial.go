package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itohio/photometry/pkg/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the baud rate of the board's USB virtual COM port.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds each read of the pump goroutine so that it
	// notices Close promptly.
	DefaultReadTimeout = 50 * time.Millisecond

	pumpChunk = 4096
)

// Port describes an available serial port.
type Port struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Ports returns the serial ports present on the host.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Enumeration of USB details is not available everywhere, fall back
		// to plain names.
		names, nerr := serial.GetPortsList()
		if nerr != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", errors.Join(err, nerr))
		}
		result := make([]Port, 0, len(names))
		for _, name := range names {
			result = append(result, Port{Name: name})
		}
		return result, nil
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		result = append(result, Port{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return result, nil
}

// Serial is a Stream over a serial port. A pump goroutine drains the port
// into an input buffer so that Available never blocks.
type Serial struct {
	port        string
	baudRate    int
	readTimeout time.Duration

	conn      serial.Port
	mu        sync.Mutex
	in        bytes.Buffer
	gen       uint64 // Incremented by ResetInput
	err       error
	notify    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// NewSerial creates a Serial stream for the given port. Zero values select
// the defaults.
func NewSerial(port string, baudRate int, readTimeout time.Duration) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Serial{
		port:        port,
		baudRate:    baudRate,
		readTimeout: readTimeout,
		notify:      make(chan struct{}, 1),
	}
}

// Connect opens the serial port and starts the pump.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := serial.Open(s.port, &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	if err := conn.SetReadTimeout(s.readTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", s.port, err)
	}

	s.conn = conn
	s.in.Reset()
	s.err = nil
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.connected = true

	go s.pump(s.ctx, conn, s.done)

	return nil
}

// Close stops the pump and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	conn, done := s.conn, s.done
	s.conn = nil
	s.connected = false
	s.err = ErrClosed
	s.mu.Unlock()

	err := conn.Close()
	<-done
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.port, err)
	}
	return nil
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Write implements io.Writer.
func (s *Serial) Write(p []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrClosed
	}
	n, err := conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to %s: %w", s.port, err)
	}
	return n, nil
}

// Available implements Stream.
func (s *Serial) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.in.Len() == 0 && s.err != nil {
		return 0, s.err
	}
	return s.in.Len(), nil
}

// ReadFull implements Stream.
func (s *Serial) ReadFull(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for {
		s.mu.Lock()
		n, _ := s.in.Read(p[got:])
		got += n
		err := s.err
		s.mu.Unlock()

		if got == len(p) {
			return got, nil
		}
		if err != nil {
			return got, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return got, ErrTimeout
		}
		select {
		case <-s.notify:
		case <-time.After(remaining):
		}
	}
}

// ResetInput implements Stream.
func (s *Serial) ResetInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	if err := s.conn.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input of %s: %w", s.port, err)
	}
	s.in.Reset()
	s.gen++
	return nil
}

// pump copies bytes from the port into the input buffer until the context
// is cancelled or the port fails.
func (s *Serial) pump(ctx context.Context, conn serial.Port, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in serial pump: %v", r)
		}
	}()

	buf := make([]byte, pumpChunk)
	for {
		s.mu.Lock()
		gen := s.gen
		s.mu.Unlock()

		n, err := conn.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("failed to read from %s: %w", s.port, err)
			s.mu.Unlock()
			s.signal()
			return
		}
		if n == 0 {
			// Read timeout, poll the context again.
			continue
		}

		// Bytes read across a ResetInput predate it.
		s.mu.Lock()
		if gen == s.gen {
			s.in.Write(buf[:n])
		}
		s.mu.Unlock()
		s.signal()
	}
}

func (s *Serial) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
