package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/itohio/photometry/pkg/board"
	"github.com/itohio/photometry/pkg/demux"
	"github.com/itohio/photometry/pkg/log"
	"github.com/itohio/photometry/pkg/mode"
	"github.com/itohio/photometry/pkg/record"
	"github.com/itohio/photometry/pkg/trace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	durationOptionName = "duration"
	recordOptionName   = "record"
	subjectOptionName  = "subject"
	formatOptionName   = "format"
	dirOptionName      = "dir"
	modeOptionName     = "mode"
	rateOptionName     = "rate"
	traceOptionName    = "trace"

	progressInterval = time.Second
	updateBuffer     = 64
)

// update carries one poll result from the poller to the consumer.
type update struct {
	frame    bool
	channels demux.Channels
	events   int
	padding  int
}

// stats accumulates what acquire reports at the end of a run.
type stats struct {
	summary  *summary
	samples  int
	frames   int
	events   int
	padding  int
	triggers int
}

func newAcquireCommand(opts *options) *cobra.Command {
	var (
		duration  time.Duration
		rec       bool
		subject   string
		format    string
		dir       string
		modeName  string
		rate      int
		tracePath string
	)
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Set up the board and stream data until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if modeName != "" {
				cfg.Acquisition.Mode = modeName
			}
			if rate > 0 {
				cfg.Acquisition.SamplingRate = rate
			}
			if subject != "" {
				cfg.Recording.SubjectID = subject
			}
			if format != "" {
				cfg.Recording.Format = format
			}
			if dir != "" {
				cfg.Recording.Dir = dir
			}
			recFormat, err := record.ParseFormat(cfg.Recording.Format)
			if err != nil {
				return err
			}

			s, err := opts.connect()
			if err != nil {
				return err
			}
			defer s.close()
			b := s.board

			if err := s.firmware(b, true); err != nil {
				return err
			}
			if err := b.Configure(cfg.Acquisition); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if err := b.Start(); err != nil {
				return err
			}
			if rec {
				name, err := b.Record(cfg.Recording.Dir, cfg.Recording.SubjectID, recFormat)
				if err != nil {
					b.Stop()
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recording %s\n", name)
			}

			settings := b.Settings()
			history := trace.ForMode(settings.Mode, settings.SamplingRate, cfg.Display.HistoryDuration)
			triggered := trace.NewTriggered(cfg.Display.TriggeredDuration, settings.SamplingRate)
			st := &stats{summary: newSummary(settings.Mode)}

			updates := make(chan update, updateBuffer)
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer close(updates)
				return poll(ctx, b, cfg.Acquisition.UpdateInterval, updates)
			})
			g.Go(func() error {
				consume(updates, history, triggered, st)
				return nil
			})
			errRun := g.Wait()

			if err := b.Stop(); err != nil {
				log.Error("failed to stop acquisition: %v", err)
			}
			if errRun != nil {
				return errRun
			}
			if tracePath != "" {
				if err := writeTrace(tracePath, history, settings.Mode, settings.SamplingRate, cfg.Display.MaxPoints); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "frames: %d, skipped words: %d, stream events: %d, digital 1 events: %d\n",
				st.frames, st.padding, st.events, st.triggers)
			return st.summary.print(out)
		},
	}

	cmd.Flags().DurationVar(&duration, durationOptionName, 0, "Stop after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&rec, recordOptionName, false, "Record data to the data directory")
	cmd.Flags().StringVar(&subject, subjectOptionName, "", "Subject ID used in file names")
	cmd.Flags().StringVar(&format, formatOptionName, "", "Recording format: ppd or csv")
	cmd.Flags().StringVar(&dir, dirOptionName, "", "Data directory")
	cmd.Flags().StringVar(&modeName, modeOptionName, "", "Acquisition mode (see modes)")
	cmd.Flags().IntVar(&rate, rateOptionName, 0, "Sampling rate in Hz (0 = maximum for the mode)")
	cmd.Flags().StringVar(&tracePath, traceOptionName, "", "Write the last display history to this file")
	return cmd
}

// poll drains the board every interval until ctx is done. Channel data is
// cloned before it leaves the polling goroutine.
func poll(ctx context.Context, b *board.Board, interval time.Duration, out chan<- update) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for {
			batch, err := b.Process()
			if err != nil {
				return fmt.Errorf("acquisition failed: %w", err)
			}
			if batch.Empty() && len(batch.Events) == 0 {
				break
			}
			u := update{
				frame:    !batch.Empty(),
				channels: batch.Channels.Clone(),
				events:   len(batch.Events),
				padding:  batch.Padding,
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return nil
			}
			if batch.Empty() {
				break
			}
		}
	}
}

func consume(in <-chan update, history *trace.History, triggered *trace.Triggered, st *stats) {
	next := time.Now().Add(progressInterval)
	for u := range in {
		st.events += u.events
		if !u.frame {
			continue
		}
		history.Push(u.channels)
		st.triggers += triggered.Update(history, u.channels.Len())
		st.summary.add(u.channels)
		st.samples += u.channels.Len()
		st.frames++
		st.padding += u.padding

		if time.Now().After(next) {
			next = next.Add(progressInterval)
			log.Info("%d samples, channel 1 mean %.4f V", st.samples, history.Mean(0))
		}
	}
}

// writeTrace saves the display history with each channel's mean removed,
// reduced to at most maxPoints rows.
func writeTrace(path string, h *trace.History, m mode.Mode, rate, maxPoints int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}
	defer f.Close()

	times := trace.Downsample(nil, h.Times(nil, rate), maxPoints)
	columns := make([][]float32, h.Channels())
	names := []string{"Time"}
	var buf []float32
	for i := range columns {
		buf = h.Demeaned(buf, i, 0)
		columns[i] = trace.Downsample(nil, buf, maxPoints)
		names = append(names, m.Roles[i].Column)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, strings.Join(names, ", "))
	for j, t := range times {
		fmt.Fprintf(w, "%.4f", t)
		for _, c := range columns {
			fmt.Fprintf(w, ",%.5f", c[j])
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return f.Close()
}
