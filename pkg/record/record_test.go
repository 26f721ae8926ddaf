package record

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 5, 14, 7, 9, 500, time.Local)

func options(t *testing.T, format Format, modeName string) Options {
	t.Helper()
	m, err := mode.Lookup(modeName)
	require.NoError(t, err)
	return Options{
		Dir:              t.TempDir(),
		SubjectID:        "m12",
		Format:           format,
		Mode:             m,
		SamplingRate:     130,
		VoltsPerDivision: [2]float64{0.0001, 0.0002},
		LEDCurrent:       [2]int{15, 20},
		Version:          "1.0.0",
		Time:             start,
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("PPD")
	require.NoError(t, err)
	assert.Equal(t, PPD, f)

	f, err = ParseFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, CSV, f)

	_, err = ParseFormat("mat")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestPPD_RoundTrip(t *testing.T) {
	opts := options(t, PPD, "2 colour time div.")
	r := NewRecorder()

	name, err := r.Begin(opts)
	require.NoError(t, err)
	assert.Equal(t, "m12-2024-03-05-140709.ppd", name)
	assert.True(t, r.Active())

	frames := [][]uint16{
		{1, 2, 3, 4},
		{0, 0, 0, 0, 0, 0, 0, 0, 9, 10, 11, 12}, // padded for two skipped frames
		{0xFFFF, 0x8000, 0x0001, 0x7FFE},
	}
	var want []uint16
	for _, f := range frames {
		require.NoError(t, r.Write(f, demux.Channels{}))
		want = append(want, f...)
	}
	require.NoError(t, r.End())
	assert.False(t, r.Active())

	path := filepath.Join(opts.Dir, name)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint16(raw)
	var hdr map[string]any
	require.NoError(t, json.Unmarshal(raw[2:2+n], &hdr))
	assert.Equal(t, "m12", hdr["subject_ID"])
	assert.Equal(t, "2024-03-05T14:07:09", hdr["date_time"])
	assert.Len(t, raw, 2+int(n)+2*len(want))

	f, err := OpenPPD(path)
	require.NoError(t, err)
	assert.Equal(t, Header{
		SubjectID:        "m12",
		DateTime:         "2024-03-05T14:07:09",
		Mode:             "2 colour time div.",
		SamplingRate:     130,
		VoltsPerDivision: [2]float64{0.0001, 0.0002},
		LEDCurrent:       [2]int{15, 20},
		Version:          "1.0.0",
	}, f.Header)
	assert.Equal(t, want, f.Words)

	ts, err := f.Header.StartTime()
	require.NoError(t, err)
	assert.True(t, start.Truncate(time.Second).Equal(ts), ts)
}

func TestPPD_Demux(t *testing.T) {
	opts := options(t, PPD, "1 colour time div.")
	r := NewRecorder()
	name, err := r.Begin(opts)
	require.NoError(t, err)
	require.NoError(t, r.Write([]uint16{2, 5, 4, 7}, demux.Channels{}))
	require.NoError(t, r.End())

	f, err := OpenPPD(filepath.Join(opts.Dir, name))
	require.NoError(t, err)
	ch, err := f.Demux()
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, ch.Analog[0])
	assert.Equal(t, []uint16{2, 3}, ch.Analog[1])
}

func TestReadPPD_Truncated(t *testing.T) {
	_, err := ReadPPD(strings.NewReader("\x01"))
	assert.Error(t, err)

	_, err = ReadPPD(strings.NewReader("\x05\x00{}"))
	assert.Error(t, err)

	_, err = ReadPPD(strings.NewReader("\x02\x00{}\x01"))
	assert.Error(t, err)
}

func TestCSV_Recording(t *testing.T) {
	opts := options(t, CSV, "1site-4colors")
	r := NewRecorder()

	name, err := r.Begin(opts)
	require.NoError(t, err)
	assert.Equal(t, "m12-2024-03-05-140709.csv", name)

	d := demux.New(opts.Mode)
	ch := d.Split([]uint16{100<<1 | 1, 200 << 1, 300 << 1, 400 << 1, 101 << 1, 201<<1 | 1, 301 << 1, 401 << 1})
	require.NoError(t, r.Write(nil, ch))
	require.NoError(t, r.End())

	data, err := os.ReadFile(filepath.Join(opts.Dir, name))
	require.NoError(t, err)
	assert.Equal(t,
		"Analog1_ca, Analog1_iso, Analog2_ca, Analog2_iso, Digital1, Digital2\n"+
			"100,300,200,400,1,0\n"+
			"101,301,201,401,0,1\n",
		string(data))

	sidecar, err := os.ReadFile(filepath.Join(opts.Dir, "m12-2024-03-05-140709.json"))
	require.NoError(t, err)
	var hdr Header
	require.NoError(t, json.Unmarshal(sidecar, &hdr))
	assert.Equal(t, "1site-4colors", hdr.Mode)
	assert.Equal(t, [2]int{15, 20}, hdr.LEDCurrent)

	// Keys are sorted and indented.
	s := string(sidecar)
	assert.True(t, strings.HasPrefix(s, "{\n    \"LED_current\": ["), s)
	assert.Less(t, strings.Index(s, "\"date_time\""), strings.Index(s, "\"mode\""))
	assert.Less(t, strings.Index(s, "\"subject_ID\""), strings.Index(s, "\"version\""))
}

func TestCSV_ColumnHeaders(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{"2 colour continuous", "Analog1, Analog2, Digital1, Digital2\n"},
		{"1site-3colors", "Analog1_ca, Analog1_iso, Analog2_ca, Digital1, Digital2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			opts := options(t, CSV, tt.mode)
			r := NewRecorder()
			name, err := r.Begin(opts)
			require.NoError(t, err)
			require.NoError(t, r.End())

			data, err := os.ReadFile(filepath.Join(opts.Dir, name))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestRecorder_Lifecycle(t *testing.T) {
	r := NewRecorder()

	// Writes without a recording are discarded.
	assert.NoError(t, r.Write([]uint16{1, 2}, demux.Channels{}))
	assert.NoError(t, r.End())

	opts := options(t, PPD, "2 colour continuous")
	_, err := r.Begin(opts)
	require.NoError(t, err)

	_, err = r.Begin(opts)
	assert.ErrorIs(t, err, ErrActive)

	require.NoError(t, r.End())
	require.NoError(t, r.End())
	assert.Empty(t, r.Path())
}

func TestRecorder_BeginFailures(t *testing.T) {
	r := NewRecorder()

	opts := options(t, Format("mat"), "2 colour continuous")
	_, err := r.Begin(opts)
	assert.ErrorIs(t, err, ErrFormat)
	assert.False(t, r.Active())

	opts = options(t, PPD, "2 colour continuous")
	opts.Dir = filepath.Join(opts.Dir, "missing")
	_, err = r.Begin(opts)
	assert.Error(t, err)
	assert.False(t, r.Active())

	opts = options(t, PPD, "2 colour continuous")
	opts.SubjectID = strings.Repeat("x", 70000)
	_, err = r.Begin(opts)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
	assert.False(t, r.Active())
}
