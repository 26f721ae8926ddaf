// Package frame reads and validates the board's fixed-size acquisition frames.
//
// A frame is a run of little-endian 16-bit words:
//
//	[payload: n words][sequence][checksum = sum(payload) mod 2^16][terminator = 0]
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/itohio/photometry/pkg/mode"
)

// Raw is a frame split into its fields.
type Raw struct {
	Payload    []uint16
	Seq        uint16
	Checksum   uint16
	Terminator uint16
}

// ChecksumOK reports whether the checksum word matches the payload.
func (r Raw) ChecksumOK() bool {
	return r.Checksum == Checksum(r.Payload)
}

// TerminatorOK reports whether the terminator word is zero.
func (r Raw) TerminatorOK() bool {
	return r.Terminator == 0
}

// Valid reports whether both integrity checks pass.
func (r Raw) Valid() bool {
	return r.ChecksumOK() && r.TerminatorOK()
}

// Checksum returns the 16-bit wrapping sum of words.
func Checksum(words []uint16) uint16 {
	var sum uint16
	for _, w := range words {
		sum += w
	}
	return sum
}

// Parse splits b into frame fields. The payload is decoded into dst, which
// is reused when it has sufficient capacity.
func Parse(dst []uint16, b []byte) (Raw, error) {
	if len(b)%2 != 0 || len(b) < (mode.TrailerWords+2)*2 {
		return Raw{}, fmt.Errorf("invalid frame length %d", len(b))
	}
	n := len(b)/2 - mode.TrailerWords
	if cap(dst) >= n {
		dst = dst[:n]
	} else {
		dst = make([]uint16, n)
	}
	for i := range n {
		dst[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	t := b[2*n:]
	return Raw{
		Payload:    dst,
		Seq:        binary.LittleEndian.Uint16(t[0:]),
		Checksum:   binary.LittleEndian.Uint16(t[2:]),
		Terminator: binary.LittleEndian.Uint16(t[4:]),
	}, nil
}

// Encode builds the wire representation of a valid frame.
func Encode(payload []uint16, seq uint16) []byte {
	b := make([]byte, 0, (len(payload)+mode.TrailerWords)*2)
	for _, w := range payload {
		b = binary.LittleEndian.AppendUint16(b, w)
	}
	b = binary.LittleEndian.AppendUint16(b, seq)
	b = binary.LittleEndian.AppendUint16(b, Checksum(payload))
	return binary.LittleEndian.AppendUint16(b, 0)
}

// Gap returns the rollover safe signed distance from the expected counter
// to the received sequence number.
func Gap(seq, counter uint16) int {
	return int(int16(seq - counter))
}
