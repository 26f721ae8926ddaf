package mode

import (
	"math"
	"strconv"
)

const (
	// TrailerWords is the number of words following the payload of a frame:
	// sequence, checksum and terminator.
	TrailerWords = 3

	// wordsPerFramePair divides the raw word rate to give half the payload
	// length. The board sends two words per raw word period, so a session
	// streams about 40 frames per second.
	wordsPerFramePair = 40
)

// Settings is the derived configuration of one acquisition session.
// A Settings value is replaced as a whole whenever the mode or rate changes.
type Settings struct {
	Mode         Mode
	SamplingRate int // Effective per-channel sampling rate (Hz)
	BufferSize   int // Payload words per frame, always even and >= 2
	FrameBytes   int // Total frame length on the wire in bytes
}

// Select looks up the named mode and returns settings at the mode's
// maximum sampling rate.
func Select(name string) (Settings, error) {
	m, err := Lookup(name)
	if err != nil {
		return Settings{}, err
	}
	s := Settings{Mode: m}
	s.SetSamplingRate(m.MaxRate)
	return s, nil
}

// SetSamplingRate clamps requested to [1, MaxRate], recomputes the frame
// geometry and returns the rate actually applied.
func (s *Settings) SetSamplingRate(requested int) int {
	rate := min(max(requested, 1), s.Mode.MaxRate)
	s.SamplingRate = rate
	s.BufferSize = bufferSize(s.WordRate())
	s.FrameBytes = (s.BufferSize + TrailerWords) * 2
	return rate
}

// WordRate returns the raw 16-bit word rate the board must sample at.
// Time-division modes interleave Period samples over Arity ADCs, so the raw
// rate exceeds the per-channel rate by Period/Arity.
func (s Settings) WordRate() float64 {
	if !s.Mode.Multiplexed() {
		return float64(s.SamplingRate)
	}
	return float64(s.SamplingRate*s.Mode.Period) / float64(s.Mode.Arity)
}

// StartArgs formats the raw word rate and buffer size as passed to the
// board's start call.
func (s Settings) StartArgs() (rate string, bufferSize string) {
	return strconv.FormatFloat(s.WordRate(), 'f', -1, 64), strconv.Itoa(s.BufferSize)
}

func bufferSize(wordRate float64) int {
	return max(2, int(math.Floor(wordRate/wordsPerFramePair))*2)
}
