package trace

import (
	"testing"
	"time"

	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func channels(analog [][]uint16, d1, d2 []uint8) demux.Channels {
	return demux.Channels{Analog: analog, Digital: [2][]uint8{d1, d2}}
}

func TestVolts(t *testing.T) {
	assert.Equal(t, float32(0), Volts(0))
	assert.InDelta(t, 1.65, Volts(1<<14), 1e-6)
	assert.InDelta(t, 3.3, Volts(1<<15-1), 1e-3)
}

func TestForMode(t *testing.T) {
	m, err := mode.Lookup("1site-4colors")
	require.NoError(t, err)

	h := ForMode(m, 65, 10*time.Second)
	assert.Equal(t, 650, h.Len())
	assert.Equal(t, 4, h.Channels())
}

func TestHistory_PushWraps(t *testing.T) {
	h := NewHistory(2, 4)

	h.Push(channels([][]uint16{{1 << 14, 1 << 14}, {0, 0}}, []uint8{1, 0}, []uint8{0, 1}))
	got := h.Analog(nil, 0)
	assert.Equal(t, []float32{0, 0, 1.65, 1.65}, got)
	assert.Equal(t, []uint8{0, 0, 1, 0}, h.Digital(nil, 0))
	assert.Equal(t, []uint8{0, 0, 0, 1}, h.Digital(nil, 1))

	h.Push(channels([][]uint16{{0, 0, 0}, {1 << 14, 1 << 14, 1 << 14}}, []uint8{0, 0, 1}, []uint8{0, 0, 0}))
	assert.Equal(t, []float32{1.65, 0, 0, 0}, h.Analog(got, 0))
	assert.Equal(t, []float32{0, 1.65, 1.65, 1.65}, h.Analog(nil, 1))
	assert.Equal(t, []uint8{0, 0, 0, 1}, h.Digital(nil, 0))

	h.Reset()
	assert.Equal(t, []float32{0, 0, 0, 0}, h.Analog(nil, 1))
}

func TestHistory_PushLongerThanHistory(t *testing.T) {
	h := NewHistory(1, 3)
	h.Push(channels([][]uint16{{1, 2, 3, 4, 5}}, make([]uint8, 5), make([]uint8, 5)))

	got := h.Analog(nil, 0)
	assert.Equal(t, []float32{Volts(3), Volts(4), Volts(5)}, got)
}

func TestHistory_Demeaned(t *testing.T) {
	h := NewHistory(1, 4)
	h.Push(channels([][]uint16{{0, 1 << 14, 0, 1 << 14}}, make([]uint8, 4), make([]uint8, 4)))

	assert.InDelta(t, 0.825, h.Mean(0), 1e-6)
	got := h.Demeaned(make([]float32, 0, 8), 0, 0.1)
	require.Len(t, got, 4)
	assert.InDelta(t, -0.725, got[0], 1e-6)
	assert.InDelta(t, 0.925, got[1], 1e-6)
	assert.Equal(t, 8, cap(got))
}

func TestHistory_Times(t *testing.T) {
	h := NewHistory(1, 5)
	assert.Equal(t, []float32{-0.4, -0.3, -0.2, -0.1, 0}, h.Times(nil, 10))
}

func TestDownsample_NoDownsampling(t *testing.T) {
	src := []float32{1, 2, 3}

	result := Downsample(nil, src, 10)
	assert.Equal(t, src, result)

	dst := make([]float32, 0, 10)
	result = Downsample(dst, src, 10)
	assert.Equal(t, src, result)
	// Should reuse dst
	assert.Equal(t, cap(dst), cap(result))
}

func TestDownsample_WithDownsampling(t *testing.T) {
	src := make([]float32, 100)
	for i := range src {
		src[i] = float32(i)
	}

	dst := make([]float32, 0, 20)
	result := Downsample(dst, src, 10)
	require.Len(t, result, 10)
	assert.Equal(t, []float32{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, result)
	assert.Equal(t, cap(dst), cap(result))

	small := make([]float32, 0, 2)
	result = Downsample(small, src, 10)
	assert.Len(t, result, 10)
}

func TestTriggered(t *testing.T) {
	// 10 Hz: one sample before, two after the edge.
	tr := NewTriggered([2]time.Duration{-100 * time.Millisecond, 200 * time.Millisecond}, 10)
	require.Equal(t, 3, tr.Len())
	h := NewHistory(1, 10)

	push := func(analog []uint16, d1 []uint8) int {
		h.Push(channels([][]uint16{analog}, d1, make([]uint8, len(d1))))
		return tr.Update(h, len(d1))
	}

	// Edge at the third sample; its post window is not complete yet.
	assert.Equal(t, 0, push([]uint16{0, 1 << 14, 1 << 15 - 1, 0}, []uint8{0, 0, 1, 1}))
	assert.Nil(t, tr.Average())

	assert.Equal(t, 1, push([]uint16{0, 0}, []uint8{1, 0}))
	assert.Equal(t, 1, tr.Events())
	assert.InDeltaSlice(t, []float32{1.65, 3.3, 0}, tr.Last(), 1e-3)
	assert.InDeltaSlice(t, tr.Last(), tr.Average(), 1e-6)

	// A second, flat event pulls the average towards zero.
	assert.Equal(t, 0, push([]uint16{0, 0}, []uint8{0, 1}))
	assert.Equal(t, 1, push([]uint16{0, 0}, []uint8{1, 1}))
	assert.Equal(t, 2, tr.Events())
	assert.InDeltaSlice(t, []float32{0, 0, 0}, tr.Last(), 1e-6)
	avg := tr.Average()
	assert.Less(t, avg[1], float32(3.3))
	assert.Greater(t, avg[1], float32(2.5))

	tr.Reset()
	assert.Zero(t, tr.Events())
	assert.Nil(t, tr.Average())
}
