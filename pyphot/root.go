package main

import (
	"fmt"
	"io"
	"os"

	"github.com/itohio/photometry/pkg/board"
	"github.com/itohio/photometry/pkg/config"
	"github.com/itohio/photometry/pkg/link"
	"github.com/itohio/photometry/pkg/log"
	"github.com/itohio/photometry/pkg/repl"
	"github.com/itohio/photometry/pkg/sim"
	"github.com/spf13/cobra"
)

const (
	configOptionName   = "config"
	portOptionName     = "port"
	mockOptionName     = "mock"
	logLevelOptionName = "log-level"
)

// mockFirmware is installed on the simulated board when the firmware file
// is not available locally.
var mockFirmware = []byte("# simulated photometry firmware\n")

// options are shared by all commands.
type options struct {
	configPath string
	port       string
	mock       bool
	logLevel   string

	cfg *config.Config
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "pyphot",
		Short:         "Acquire fiber photometry data from a pyPhotometry board",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.port != "" {
				cfg.Serial.Port = opts.port
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			opts.cfg = cfg
			return log.Init(cmd.ErrOrStderr(), cfg.LogLevel)
		},
	}
	cmd.SetOut(out)

	cmd.AddCommand(newModesCommand())
	cmd.AddCommand(newPortsCommand())
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newAcquireCommand(opts))
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newConfigCommand())

	cmd.PersistentFlags().StringVar(&opts.configPath, configOptionName, "config.yaml", "Configuration file path")
	cmd.PersistentFlags().StringVarP(&opts.port, portOptionName, "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	cmd.PersistentFlags().BoolVar(&opts.mock, mockOptionName, false, "Use simulated board instead of serial port")
	cmd.PersistentFlags().StringVar(&opts.logLevel, logLevelOptionName, "", fmt.Sprintf("Log level. %s", log.HelpLevels))
	return cmd
}

// session is an open connection to a real or simulated board.
type session struct {
	board    *board.Board
	firmware func(b *board.Board, setup bool) error
	close    func() error
}

func (o *options) connect() (*session, error) {
	cfg := o.cfg
	if o.mock {
		s := sim.New(&cfg.Mock)
		b, err := board.New(s, s, cfg)
		if err != nil {
			return nil, err
		}
		return &session{board: b, firmware: o.installer(true), close: s.Close}, nil
	}

	s := link.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout)
	if err := s.Connect(); err != nil {
		return nil, err
	}
	b, err := board.New(s, repl.New(s, 0), cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &session{board: b, firmware: o.installer(false), close: s.Close}, nil
}

// installer installs the configured firmware. A simulated board falls back
// to stub firmware when the file is missing.
func (o *options) installer(mock bool) func(b *board.Board, setup bool) error {
	path := o.cfg.Firmware.Path
	return func(b *board.Board, setup bool) error {
		if _, err := os.Stat(path); err != nil && mock {
			log.Warning("firmware %s not found, using stub firmware", path)
			if setup {
				return b.SetupData("photometry_upy.py", mockFirmware)
			}
			return b.InstallData("photometry_upy.py", mockFirmware)
		}
		if setup {
			return b.Setup(path)
		}
		return b.Install(path)
	}
}
