// Package demux splits the interleaved sample words of the board into
// logical analog and digital channels.
package demux

import (
	"github.com/itohio/photometry/pkg/mode"
)

// maxStride bounds the residue buffer; no mode interleaves more words.
const maxStride = 4

// Analog returns the 15-bit analog magnitude of a sample word.
func Analog(w uint16) uint16 { return w >> 1 }

// Digital returns the digital input bit of a sample word.
func Digital(w uint16) uint8 { return uint8(w & 1) }

// Channels is the output of one Split call. All sequences have equal length.
type Channels struct {
	// Analog holds one sequence per mode role, in the mode's column order.
	Analog [][]uint16
	// Digital holds the two digital input lines.
	Digital [2][]uint8
}

// Len returns the number of samples per channel.
func (c Channels) Len() int {
	return len(c.Digital[0])
}

// Clone returns a deep copy of c.
func (c Channels) Clone() Channels {
	out := Channels{Analog: make([][]uint16, len(c.Analog))}
	for i, a := range c.Analog {
		out.Analog[i] = append([]uint16(nil), a...)
	}
	for i, d := range c.Digital {
		out.Digital[i] = append([]uint8(nil), d...)
	}
	return out
}

// Append appends the samples of o to c. Both must come from the same mode.
func (c *Channels) Append(o Channels) {
	if c.Analog == nil {
		c.Analog = make([][]uint16, len(o.Analog))
	}
	for i := range o.Analog {
		c.Analog[i] = append(c.Analog[i], o.Analog[i]...)
	}
	for i := range o.Digital {
		c.Digital[i] = append(c.Digital[i], o.Digital[i]...)
	}
}

// Demuxer splits sample words for one mode. Words that do not complete a
// time-division period are held back and prefixed to the next call.
// A Demuxer is not safe for concurrent use.
type Demuxer struct {
	mode   mode.Mode
	stride int

	residue [maxStride]uint16
	n       int // words held in residue, always < stride between calls

	out Channels
}

// New creates a Demuxer for m.
func New(m mode.Mode) *Demuxer {
	return &Demuxer{
		mode:   m,
		stride: m.Stride(),
		out:    Channels{Analog: make([][]uint16, len(m.Roles))},
	}
}

// Mode returns the mode the Demuxer splits for.
func (d *Demuxer) Mode() mode.Mode {
	return d.mode
}

// Pending returns the number of words carried over to the next call.
func (d *Demuxer) Pending() int {
	return d.n
}

// Reset drops carried-over words.
func (d *Demuxer) Reset() {
	d.n = 0
}

// Split demultiplexes words, prefixed by any residue of the previous call.
// The returned slices are reused by the next call; use Clone to keep them.
// Fewer words than one period yield empty channels.
func (d *Demuxer) Split(words []uint16) Channels {
	total := d.n + len(words)
	complete := total / d.stride

	for i := range d.out.Analog {
		d.out.Analog[i] = d.out.Analog[i][:0]
	}
	d.out.Digital[0] = d.out.Digital[0][:0]
	d.out.Digital[1] = d.out.Digital[1][:0]

	at := func(i int) uint16 {
		if i < d.n {
			return d.residue[i]
		}
		return words[i-d.n]
	}

	for k := range complete {
		base := k * d.stride
		for i, r := range d.mode.Roles {
			d.out.Analog[i] = append(d.out.Analog[i], Analog(at(base+r.Phase)))
		}
		d.out.Digital[0] = append(d.out.Digital[0], Digital(at(base)))
		d.out.Digital[1] = append(d.out.Digital[1], Digital(at(base+1)))
	}

	// Keep the incomplete tail.
	start := complete * d.stride
	var tail [maxStride]uint16
	for i := start; i < total; i++ {
		tail[i-start] = at(i)
	}
	d.n = total - start
	d.residue = tail

	return d.out
}
