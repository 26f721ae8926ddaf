package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is written to the header of every recording.
const Version = "1.0.0"

// ErrInvalid is returned by Validate for out of range settings.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Recording   RecordingConfig   `yaml:"recording"`
	Firmware    FirmwareConfig    `yaml:"firmware"`
	Display     DisplayConfig     `yaml:"display"`
	Mock        MockConfig        `yaml:"mock"`
	LogLevel    string            `yaml:"log_level"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// AcquisitionConfig contains the acquisition defaults.
type AcquisitionConfig struct {
	Mode                   string        `yaml:"mode"`
	SamplingRate           int           `yaml:"sampling_rate"` // Hz, 0 = maximum rate of the mode
	LEDCurrent             [2]int        `yaml:"led_current"`   // mA
	UpdateInterval         time.Duration `yaml:"update_interval"`
	AmbientLightCorrection bool          `yaml:"ambient_light_correction"`
}

// RecordingConfig contains data file settings.
type RecordingConfig struct {
	Dir       string `yaml:"dir"`
	SubjectID string `yaml:"subject_id"`
	Format    string `yaml:"format"` // ppd or csv
}

// FirmwareConfig contains the firmware transfer settings.
type FirmwareConfig struct {
	Path          string        `yaml:"path"`
	Attempts      int           `yaml:"attempts"`
	ChunkSize     int           `yaml:"chunk_size"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	FollowTimeout time.Duration `yaml:"follow_timeout"`
}

// DisplayConfig contains signal history settings for display consumers.
type DisplayConfig struct {
	HistoryDuration   time.Duration    `yaml:"history_duration"`
	TriggeredDuration [2]time.Duration `yaml:"triggered_duration"` // Window around digital events
	MaxPoints         int              `yaml:"max_points"`
}

// MockConfig contains simulated board configuration.
type MockConfig struct {
	VoltsPerDivision float64 `yaml:"volts_per_division"`
	Baseline         float64 `yaml:"baseline"`   // Signal baseline (V)
	Amplitude        float64 `yaml:"amplitude"`  // Signal modulation (V)
	Noise            float64 `yaml:"noise"`      // Noise level (V)
	Frequency        float64 `yaml:"frequency"`  // Modulation frequency (Hz)
	DropEvery        int     `yaml:"drop_every"` // Drop one frame every N frames, 0 = never
	Seed             int64   `yaml:"seed"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "/dev/ttyACM0", // "COM3" on Windows
			BaudRate:    115200,
			ReadTimeout: 50 * time.Millisecond,
		},
		Acquisition: AcquisitionConfig{
			Mode:           "2 colour continuous",
			SamplingRate:   0,
			LEDCurrent:     [2]int{10, 10},
			UpdateInterval: 10 * time.Millisecond,
		},
		Recording: RecordingConfig{
			Dir:       "data",
			SubjectID: "s001",
			Format:    "ppd",
		},
		Firmware: FirmwareConfig{
			Path:          "uPy/photometry_upy.py",
			Attempts:      10,
			ChunkSize:     512,
			AckTimeout:    5 * time.Second,
			FollowTimeout: 3 * time.Second,
		},
		Display: DisplayConfig{
			HistoryDuration:   10 * time.Second,
			TriggeredDuration: [2]time.Duration{-3 * time.Second, 6900 * time.Millisecond},
			MaxPoints:         1000,
		},
		Mock: MockConfig{
			VoltsPerDivision: 3.3 / (1 << 15),
			Baseline:         1.0,
			Amplitude:        0.2,
			Noise:            0.01,
			Frequency:        0.5,
			DropEvery:        0,
			Seed:             1,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings that cannot be sent to the board.
func (c *Config) Validate() error {
	if c.Acquisition.SamplingRate < 0 {
		return fmt.Errorf("%w: negative sampling rate %d", ErrInvalid, c.Acquisition.SamplingRate)
	}
	for i, mA := range c.Acquisition.LEDCurrent {
		if mA < 0 || mA > 255 {
			return fmt.Errorf("%w: LED %d current %d out of range [0, 255]", ErrInvalid, i+1, mA)
		}
	}
	if c.Recording.Format != "ppd" && c.Recording.Format != "csv" {
		return fmt.Errorf("%w: recording format %q", ErrInvalid, c.Recording.Format)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}

	if c.Acquisition.Mode == "" {
		c.Acquisition.Mode = def.Acquisition.Mode
	}
	if c.Acquisition.UpdateInterval == 0 {
		c.Acquisition.UpdateInterval = def.Acquisition.UpdateInterval
	}

	if c.Recording.Dir == "" {
		c.Recording.Dir = def.Recording.Dir
	}
	if c.Recording.SubjectID == "" {
		c.Recording.SubjectID = def.Recording.SubjectID
	}
	if c.Recording.Format == "" {
		c.Recording.Format = def.Recording.Format
	}

	if c.Firmware.Path == "" {
		c.Firmware.Path = def.Firmware.Path
	}
	if c.Firmware.Attempts == 0 {
		c.Firmware.Attempts = def.Firmware.Attempts
	}
	if c.Firmware.ChunkSize == 0 {
		c.Firmware.ChunkSize = def.Firmware.ChunkSize
	}
	if c.Firmware.AckTimeout == 0 {
		c.Firmware.AckTimeout = def.Firmware.AckTimeout
	}
	if c.Firmware.FollowTimeout == 0 {
		c.Firmware.FollowTimeout = def.Firmware.FollowTimeout
	}

	if c.Display.HistoryDuration == 0 {
		c.Display.HistoryDuration = def.Display.HistoryDuration
	}
	if c.Display.TriggeredDuration == [2]time.Duration{} {
		c.Display.TriggeredDuration = def.Display.TriggeredDuration
	}
	if c.Display.MaxPoints == 0 {
		c.Display.MaxPoints = def.Display.MaxPoints
	}

	if c.Mock.VoltsPerDivision == 0 {
		c.Mock.VoltsPerDivision = def.Mock.VoltsPerDivision
	}

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}
