// Package record writes acquisition data to disk in the binary ppd format
// or as a csv file with a json header sidecar.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrActive is returned by Begin while a recording is already open.
	ErrActive = errors.New("record: recording already active")
	// ErrFormat is returned for an unknown file format.
	ErrFormat = errors.New("record: unknown file format")
	// ErrHeaderTooLarge is returned when the encoded header does not fit the
	// 2 byte length prefix of the ppd format.
	ErrHeaderTooLarge = errors.New("record: header too large")
)

// Format is the on-disk recording format.
type Format string

const (
	// PPD is a single binary file: 2 byte little-endian header length, json
	// header, raw little-endian sample words.
	PPD Format = "ppd"
	// CSV is a json header file plus a csv file of demultiplexed samples.
	CSV Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case PPD, CSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrFormat, s)
	}
}

// DateTimeLayout is the second precision ISO-8601 layout of the header.
const DateTimeLayout = "2006-01-02T15:04:05"

// fileTimeLayout is appended to the subject id to name recordings.
const fileTimeLayout = "-2006-01-02-150405"

// Header is the recording metadata stored with both formats.
type Header struct {
	SubjectID        string     `json:"subject_ID"`
	DateTime         string     `json:"date_time"`
	Mode             string     `json:"mode"`
	SamplingRate     int        `json:"sampling_rate"`
	VoltsPerDivision [2]float64 `json:"volts_per_division"`
	LEDCurrent       [2]int     `json:"LED_current"`
	Version          string     `json:"version"`
}

// StartTime parses DateTime in the local time zone.
func (h Header) StartTime() (time.Time, error) {
	return time.ParseInLocation(DateTimeLayout, h.DateTime, time.Local)
}

// encodeSorted returns h pretty printed with keys in sorted order.
func (h Header) encodeSorted() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	return json.MarshalIndent(fields, "", "    ")
}
