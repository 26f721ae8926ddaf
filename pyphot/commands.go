package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/itohio/photometry/pkg/config"
	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/log"
	"github.com/itohio/photometry/pkg/mode"
	"github.com/itohio/photometry/pkg/record"
	"github.com/itohio/photometry/pkg/trace"
	"github.com/spf13/cobra"
)

const forceOptionName = "force"

func newModesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List acquisition modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODE\tPERIOD\tMAX RATE (Hz)\tCOLUMNS")
			for _, m := range mode.Modes() {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", m.Name, m.Period, m.MaxRate, strings.Join(m.Columns(), ", "))
			}
			return w.Flush()
		},
	}
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := link.Ports()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tPRODUCT")
			for _, p := range ports {
				id := "-"
				if p.IsUSB {
					id = p.VID + ":" + p.PID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, id, p.SerialNumber, p.Product)
			}
			return w.Flush()
		},
	}
}

func newSyncCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Install the firmware on the board if it differs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.connect()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.firmware(s.board, false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "firmware %s is up to date\n", opts.cfg.Firmware.Path)
			return nil
		},
	}
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE.ppd",
		Short: "Print the header and channel summary of a ppd recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := record.OpenPPD(args[0])
			if err != nil {
				return err
			}
			m, err := mode.Lookup(f.Header.Mode)
			if err != nil {
				return err
			}
			ch, err := f.Demux()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			h := f.Header
			fmt.Fprintf(out, "subject:            %s\n", h.SubjectID)
			fmt.Fprintf(out, "date:               %s\n", h.DateTime)
			fmt.Fprintf(out, "mode:               %s\n", h.Mode)
			fmt.Fprintf(out, "sampling rate:      %d Hz\n", h.SamplingRate)
			fmt.Fprintf(out, "LED current:        %d, %d mA\n", h.LEDCurrent[0], h.LEDCurrent[1])
			fmt.Fprintf(out, "volts per division: %g, %g\n", h.VoltsPerDivision[0], h.VoltsPerDivision[1])
			fmt.Fprintf(out, "version:            %s\n", h.Version)
			if h.SamplingRate > 0 {
				fmt.Fprintf(out, "duration:           %.2f s\n", float64(ch.Len())/float64(h.SamplingRate))
			}
			fmt.Fprintln(out)
			sum := newSummary(m)
			sum.add(ch)
			return sum.print(out)
		},
	}
}

func newConfigCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "config [FILE]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --%s to overwrite", path, forceOptionName)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			log.Info("configuration written to %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, forceOptionName, false, "Overwrite an existing file")
	return cmd
}

// summary accumulates per column sample counts and means.
type summary struct {
	mode   mode.Mode
	sums   []float64
	counts []int
	highs  [2]int
	lows   [2]int
}

func newSummary(m mode.Mode) *summary {
	return &summary{
		mode:   m,
		sums:   make([]float64, len(m.Roles)),
		counts: make([]int, len(m.Roles)),
	}
}

func (s *summary) add(ch demux.Channels) {
	for i, samples := range ch.Analog {
		for _, v := range samples {
			s.sums[i] += float64(trace.Volts(v))
		}
		s.counts[i] += len(samples)
	}
	for i, samples := range ch.Digital {
		for _, v := range samples {
			if v != 0 {
				s.highs[i]++
			} else {
				s.lows[i]++
			}
		}
	}
}

func (s *summary) print(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tSAMPLES\tMEAN")
	for i, role := range s.mode.Roles {
		fmt.Fprintf(w, "%s\t%d\t%s\n", role.Column, s.counts[i], mean(s.sums[i], s.counts[i], "V"))
	}
	for i := range s.highs {
		n := s.highs[i] + s.lows[i]
		fmt.Fprintf(w, "Digital%d\t%d\t%s\n", i+1, n, mean(float64(s.highs[i]), n, ""))
	}
	return w.Flush()
}

func mean(sum float64, n int, unit string) string {
	if n == 0 {
		return "-"
	}
	s := fmt.Sprintf("%.4f", sum/float64(n))
	if unit != "" {
		s += " " + unit
	}
	return s
}
