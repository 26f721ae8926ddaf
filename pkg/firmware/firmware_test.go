package firmware

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itohio/photometry/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", nil, 5381},
		{"single byte", []byte("a"), 177670},
		{"one group", []byte("abcd"), 1684412422},
		{"partial trailing group", []byte("abcde"), 4046002475},
		{"wrapping", bytes.Repeat([]byte{0xFF}, 8), 5859875},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Hash(tt.data))
		})
	}
}

func TestHash_OrderDependent(t *testing.T) {
	assert.NotEqual(t, Hash([]byte("abcdefgh")), Hash([]byte("efghabcd")))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.py")
	require.NoError(t, os.WriteFile(path, []byte("abcde"), 0644))

	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4046002475), h)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing.py"))
	assert.Error(t, err)
}

// board is a fake Target that stores acknowledged chunks.
type board struct {
	files     map[string][]byte
	receiving string
	size      int
	got       []byte
	chunks    int
	begins    int
	ends      int
	aborts    int
	rejectAt  int // chunk number answered with ER, 0 = never
	corrupt   bool
}

func newBoard(s *link.Buffer) *board {
	b := &board{files: make(map[string][]byte)}
	s.OnWrite(func(s *link.Buffer, p []byte) {
		if b.receiving == "" {
			return
		}
		b.chunks++
		if b.chunks == b.rejectAt {
			s.Feed([]byte("ER"))
			return
		}
		b.got = append(b.got, p...)
		s.Feed([]byte("OK"))
	})
	return b
}

func (b *board) FileHash(name string) (uint32, error) {
	data, ok := b.files[name]
	if !ok {
		return 0, errors.New("OSError: [Errno 2] ENOENT")
	}
	return Hash(data), nil
}

func (b *board) BeginReceive(name string, size int) error {
	b.begins++
	b.receiving, b.size, b.got = name, size, nil
	return nil
}

func (b *board) EndReceive() error {
	b.ends++
	data := b.got
	if b.corrupt && len(data) > 0 {
		data = append([]byte(nil), data...)
		data[0] ^= 0xFF
	}
	b.files[b.receiving] = data
	b.receiving = ""
	return nil
}

func (b *board) Abort() error {
	b.aborts++
	b.receiving = ""
	return nil
}

func TestSync_HashMatchSkipsTransfer(t *testing.T) {
	s := link.NewBuffer()
	b := newBoard(s)
	data := bytes.Repeat([]byte("x"), 2000)
	b.files["photometry_upy.py"] = data

	err := SyncData(b, s, "photometry_upy.py", data, Options{})
	require.NoError(t, err)
	assert.Zero(t, b.begins)
	assert.Zero(t, b.chunks)
	assert.Empty(t, s.Written())
}

func TestSync_TransfersChunks(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{"empty", 0, 0},
		{"one partial chunk", 100, 1},
		{"exact chunks", 1024, 2},
		{"partial last chunk", 1300, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := link.NewBuffer()
			b := newBoard(s)
			b.files["fw.py"] = []byte("old")
			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i * 31)
			}

			err := SyncData(b, s, "fw.py", data, Options{})
			require.NoError(t, err)
			assert.Equal(t, 1, b.begins)
			assert.Equal(t, 1, b.ends)
			assert.Equal(t, tt.wantChunks, b.chunks)
			assert.Zero(t, b.aborts)
			require.Len(t, b.files["fw.py"], tt.size)
			assert.True(t, bytes.Equal(data, b.files["fw.py"]))
		})
	}
}

func TestSync_MissingOnBoard(t *testing.T) {
	s := link.NewBuffer()
	b := newBoard(s)

	path := filepath.Join(t.TempDir(), "photometry_upy.py")
	require.NoError(t, os.WriteFile(path, []byte("import pyb\n"), 0644))

	require.NoError(t, Sync(b, s, path, Options{}))
	assert.Equal(t, []byte("import pyb\n"), b.files["photometry_upy.py"])
}

func TestSync_RejectedChunkRetries(t *testing.T) {
	s := link.NewBuffer()
	b := newBoard(s)
	b.rejectAt = 2
	data := bytes.Repeat([]byte("y"), 1500)

	err := SyncData(b, s, "fw.py", data, Options{AckTimeout: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, b.begins, "first attempt aborted, second succeeds")
	assert.Equal(t, 1, b.ends)
	assert.Equal(t, 1, s.Resets())
	assert.Equal(t, 1, b.aborts)
	assert.Equal(t, data, b.files["fw.py"])
}

func TestSync_NoAckTimesOut(t *testing.T) {
	s := link.NewBuffer()
	b := &board{files: make(map[string][]byte)}

	err := SyncData(b, s, "fw.py", []byte("data"), Options{Attempts: 3, AckTimeout: time.Millisecond})
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 3, b.begins)
	assert.Zero(t, b.ends)
	assert.Equal(t, 3, s.Resets())
	assert.Equal(t, 3, b.aborts)
}

func TestSync_PersistentMismatchFails(t *testing.T) {
	s := link.NewBuffer()
	b := newBoard(s)
	b.corrupt = true

	err := SyncData(b, s, "fw.py", []byte("payload"), Options{})
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, DefaultAttempts, b.begins)
	assert.Equal(t, DefaultAttempts, b.ends)
	assert.Zero(t, b.aborts)
}

func TestSync_MissingLocalFile(t *testing.T) {
	s := link.NewBuffer()
	err := Sync(newBoard(s), s, filepath.Join(t.TempDir(), "missing.py"), Options{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransferFailed)
}
