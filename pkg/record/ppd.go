package record

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/mode"
)

// File is a decoded ppd recording.
type File struct {
	Header Header
	Words  []uint16
}

// ReadPPD decodes a ppd recording from r.
func ReadPPD(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)

	var n uint16
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	f := &File{}
	if err := json.Unmarshal(hdr, &f.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("truncated sample data: %d bytes", len(data))
	}
	f.Words = make([]uint16, len(data)/2)
	for i := range f.Words {
		f.Words[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return f, nil
}

// OpenPPD reads the ppd recording at path.
func OpenPPD(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer fh.Close()
	return ReadPPD(fh)
}

// Demux splits the recorded words into channels using the header's mode.
// Samples of an incomplete trailing period are dropped.
func (f *File) Demux() (demux.Channels, error) {
	m, err := mode.Lookup(f.Header.Mode)
	if err != nil {
		return demux.Channels{}, err
	}
	return demux.New(m).Split(f.Words).Clone(), nil
}
