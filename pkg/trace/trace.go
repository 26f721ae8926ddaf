// Package trace keeps the recent signal history of an acquisition for
// display consumers.
package trace

import (
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/mode"
)

const (
	fullScale = 3.3
	adcCounts = 1 << 15
)

// Volts converts an analog sample to volts.
func Volts(v uint16) float32 {
	return fullScale * float32(v) / adcCounts
}

// History is a fixed length window of the most recent samples of every
// channel, initially zero. A History is not safe for concurrent use.
type History struct {
	analog  [][]float32
	digital [2][]uint8
	size    int
	head    int // Oldest sample
}

// NewHistory creates a history of size samples for the given number of
// analog channels.
func NewHistory(channels, size int) *History {
	size = max(size, 1)
	h := &History{
		analog: make([][]float32, channels),
		size:   size,
	}
	for i := range h.analog {
		h.analog[i] = make([]float32, size)
	}
	for i := range h.digital {
		h.digital[i] = make([]uint8, size)
	}
	return h
}

// ForMode creates a history spanning d at the given per-channel rate.
func ForMode(m mode.Mode, rate int, d time.Duration) *History {
	return NewHistory(len(m.Roles), int(d.Seconds()*float64(rate)))
}

// Len returns the number of samples kept per channel.
func (h *History) Len() int {
	return h.size
}

// Channels returns the number of analog channels.
func (h *History) Channels() int {
	return len(h.analog)
}

// Push appends demultiplexed samples, dropping the oldest.
func (h *History) Push(ch demux.Channels) {
	n := ch.Len()
	for k := max(0, n-h.size); k < n; k++ {
		for i := range h.analog {
			h.analog[i][h.head] = Volts(ch.Analog[i][k])
		}
		h.digital[0][h.head] = ch.Digital[0][k]
		h.digital[1][h.head] = ch.Digital[1][k]
		h.head = (h.head + 1) % h.size
	}
}

// Reset zeroes the history.
func (h *History) Reset() {
	for i := range h.analog {
		clear(h.analog[i])
	}
	clear(h.digital[0])
	clear(h.digital[1])
	h.head = 0
}

// Analog copies channel i in volts, oldest first, into dst.
func (h *History) Analog(dst []float32, i int) []float32 {
	return ordered(dst, h.analog[i], h.head)
}

// Digital copies digital input i, oldest first, into dst.
func (h *History) Digital(dst []uint8, i int) []uint8 {
	return ordered(dst, h.digital[i], h.head)
}

// Mean returns the mean of channel i in volts.
func (h *History) Mean(i int) float32 {
	var sum float32
	for _, v := range h.analog[i] {
		sum += v
	}
	return sum / float32(h.size)
}

// Demeaned copies channel i with its mean removed, oldest first, plus
// offset into dst.
func (h *History) Demeaned(dst []float32, i int, offset float32) []float32 {
	dst = h.Analog(dst, i)
	shift := offset - h.Mean(i)
	for j := range dst {
		dst[j] += shift
	}
	return dst
}

// Times returns the sample times relative to the newest sample, in seconds,
// for a per-channel rate.
func (h *History) Times(dst []float32, rate int) []float32 {
	dst = reuse(dst, h.size)
	for j := range dst {
		dst[j] = -float32(h.size-1-j) / float32(rate)
	}
	return dst
}

func (h *History) analogAt(i, j int) float32 {
	return h.analog[i][(h.head+j)%h.size]
}

func (h *History) digitalAt(i, j int) uint8 {
	return h.digital[i][(h.head+j)%h.size]
}

func ordered[T any](dst, ring []T, head int) []T {
	dst = reuse(dst, len(ring))
	n := copy(dst, ring[head:])
	copy(dst[n:], ring[:head])
	return dst
}

func reuse[T any](dst []T, n int) []T {
	if cap(dst) >= n {
		return dst[:n]
	}
	return make([]T, n)
}

// Downsample decimates src to at most maxPoints values for display.
// Destination-based: reuses dst if it has sufficient capacity, otherwise
// allocates new.
func Downsample[T any](dst, src []T, maxPoints int) []T {
	if len(src) <= maxPoints {
		dst = reuse(dst, len(src))
		copy(dst, src)
		return dst
	}

	dst = reuse(dst, maxPoints)
	step := float64(len(src)) / float64(maxPoints)
	for i := range dst {
		dst[i] = src[int(float64(i)*step)]
	}
	return dst
}

// Triggered averages the first analog channel around rising edges of
// digital input 1.
type Triggered struct {
	pre, post int // Window in samples relative to the edge
	alpha     float32
	last      []float32
	average   []float32
	events    int
}

// DefaultTau is the number of events over which the average decays.
const DefaultTau = 5

// NewTriggered creates an event triggered average over window at the given
// per-channel rate.
func NewTriggered(window [2]time.Duration, rate int) *Triggered {
	pre := int(window[0].Seconds() * float64(rate))
	post := int(window[1].Seconds() * float64(rate))
	return &Triggered{
		pre:   pre,
		post:  post,
		alpha: 1 - math32.Exp(-1.0/DefaultTau),
		last:  make([]float32, max(post-pre, 0)),
	}
}

// Len returns the window length in samples.
func (t *Triggered) Len() int {
	return t.post - t.pre
}

// Update scans the n newest samples pushed to h for rising edges, once each
// edge is at least the post window old, and folds their windows into the
// average. It returns the number of new events.
func (t *Triggered) Update(h *History, n int) int {
	// Edges are looked for from the sample before the new block to the end
	// of the block, both shifted back by the post window.
	if n <= 0 {
		return 0
	}
	first := max(h.size-t.post-n, 1, -t.pre)

	found := 0
	for j := first; j < h.size-t.post; j++ {
		if h.digitalAt(0, j-1) != 0 || h.digitalAt(0, j) == 0 {
			continue
		}
		for k := range t.last {
			t.last[k] = h.analogAt(0, j+t.pre+k)
		}
		if t.average == nil {
			t.average = append([]float32(nil), t.last...)
		} else {
			for k, v := range t.last {
				t.average[k] = (1-t.alpha)*t.average[k] + t.alpha*v
			}
		}
		t.events++
		found++
	}
	return found
}

// Events returns the number of events averaged.
func (t *Triggered) Events() int {
	return t.events
}

// Last returns the window around the latest event.
func (t *Triggered) Last() []float32 {
	return t.last
}

// Average returns the running average window, nil before the first event.
func (t *Triggered) Average() []float32 {
	return t.average
}

// Reset forgets all events.
func (t *Triggered) Reset() {
	clear(t.last)
	t.average = nil
	t.events = 0
}
