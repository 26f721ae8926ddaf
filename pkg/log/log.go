// Package log is a leveled logger over the standard library log package.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level is a logging verbosity.
type Level int

const (
	ErrorLevel Level = iota
	WarningLevel
	InfoLevel
	DebugLevel
)

// HelpLevels lists the accepted level names.
const HelpLevels = "Must be one of: error, warning, info, debug."

var levels = map[string]Level{
	"error":   ErrorLevel,
	"warning": WarningLevel,
	"warn":    WarningLevel,
	"info":    InfoLevel,
	"debug":   DebugLevel,
}

type logger struct {
	level Level
	*log.Logger
}

var std = &logger{
	level:  InfoLevel,
	Logger: log.New(os.Stderr, "[photometry] ", log.LstdFlags),
}

// ParseLevel returns the level with the given name.
func ParseLevel(s string) (Level, error) {
	l, ok := levels[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("wrong log level %q. %s", s, HelpLevels)
	}
	return l, nil
}

// SetLevel sets the verbosity by name.
func SetLevel(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	std.level = l
	return nil
}

// Init directs output to out at the given level.
func Init(out io.Writer, level string) error {
	std.SetOutput(out)
	return SetLevel(level)
}

func output(l Level, prefix, format string, v ...any) {
	if std.level >= l {
		std.Output(3, prefix+fmt.Sprintf(format, v...))
	}
}

// Error logs a failure that needs attention.
func Error(format string, v ...any) { output(ErrorLevel, "[error] ", format, v...) }

// Warning logs a recoverable problem, such as a lost frame.
func Warning(format string, v ...any) { output(WarningLevel, "[warn] ", format, v...) }

// Info logs normal progress.
func Info(format string, v ...any) { output(InfoLevel, "[info] ", format, v...) }

// Debug logs protocol detail.
func Debug(format string, v ...any) { output(DebugLevel, "[debug] ", format, v...) }
