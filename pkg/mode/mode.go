package mode

import (
	"errors"
	"fmt"
)

// ErrUnknownMode is returned when a mode name is not in the mode table.
var ErrUnknownMode = errors.New("unknown acquisition mode")

// Role is one logical analog sub-channel of a mode.
type Role struct {
	Column string // Column name used in text recordings
	Label  string // Human readable description
	Phase  int    // Offset of the role within one time-division period
}

// Mode describes a static acquisition mode of the board.
type Mode struct {
	Name    string
	Arity   int // Number of physical ADCs sampled (1 or 2)
	Period  int // Samples per time-division period, 1 = not multiplexed
	MaxRate int // Maximum per-channel sampling rate (Hz)

	// Roles lists the analog sub-channels in recording column order.
	Roles []Role
}

// Multiplexed reports whether the mode uses time-division multiplexing
// that requires carrying samples across frames.
func (m Mode) Multiplexed() bool {
	return m.Period > 1
}

// Stride returns the number of raw words that hold one sample of every
// analog sub-channel.
func (m Mode) Stride() int {
	if m.Period > 1 {
		return m.Period
	}
	return m.Arity
}

// Columns returns the text recording column names: analog roles followed
// by the two digital inputs.
func (m Mode) Columns() []string {
	cols := make([]string, 0, len(m.Roles)+2)
	for _, r := range m.Roles {
		cols = append(cols, r.Column)
	}
	return append(cols, "Digital1", "Digital2")
}

var (
	twoChannel = []Role{
		{Column: "Analog1", Label: "analog 1 (green calcium, 470nm excitation)", Phase: 0},
		{Column: "Analog2", Label: "analog 2 (red calcium, 550nm excitation)", Phase: 1},
	}
	oneColourTimeDiv = []Role{
		{Column: "Analog1", Label: "analog 1 (green calcium, 470nm excitation)", Phase: 0},
		{Column: "Analog2", Label: "analog 2 (green isosbestic, 405nm excitation)", Phase: 1},
	}
	threeColour = []Role{
		{Column: "Analog1_ca", Label: "analog 1 (green calcium, 470nm excitation)", Phase: 0},
		{Column: "Analog1_iso", Label: "analog 1 (green isosbestic, 405nm excitation)", Phase: 2},
		{Column: "Analog2_ca", Label: "analog 2 (red calcium, 550nm excitation)", Phase: 1},
	}
	fourColour = []Role{
		{Column: "Analog1_ca", Label: "analog 1 (green calcium, 470nm excitation)", Phase: 0},
		{Column: "Analog1_iso", Label: "analog 1 (green isosbestic, 405nm excitation)", Phase: 2},
		{Column: "Analog2_ca", Label: "analog 2 (red calcium, 550nm excitation)", Phase: 1},
		{Column: "Analog2_iso", Label: "analog 2 (red isosbestic, 470nm excitation)", Phase: 3},
	}
)

var table = []Mode{
	{Name: "2 colour continuous", Arity: 2, Period: 1, MaxRate: 1000, Roles: twoChannel},
	{Name: "1 colour time div.", Arity: 2, Period: 2, MaxRate: 130, Roles: oneColourTimeDiv},
	{Name: "2 colour time div.", Arity: 2, Period: 2, MaxRate: 130, Roles: twoChannel},
	{Name: "1site-3colors", Arity: 2, Period: 3, MaxRate: 90, Roles: threeColour},
	{Name: "2sites-3colors", Arity: 2, Period: 3, MaxRate: 90, Roles: threeColour},
	{Name: "1site-4colors", Arity: 2, Period: 4, MaxRate: 65, Roles: fourColour},
	{Name: "2sites-4colors", Arity: 2, Period: 4, MaxRate: 65, Roles: fourColour},
}

// Modes returns all modes in table order.
func Modes() []Mode {
	out := make([]Mode, len(table))
	copy(out, table)
	return out
}

// Lookup returns the mode with the given name.
func Lookup(name string) (Mode, error) {
	for _, m := range table {
		if m.Name == name {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, name)
}
