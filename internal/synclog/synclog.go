// Package synclog wires the process logger: a colored console handler and an
// append-only, size-rotated sync log file.
package synclog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/davsync/davsync/internal/utils"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

type Options struct {
	// FilePath of the sync log. Empty disables the file sink.
	FilePath string
	// Console output, os.Stderr when nil.
	Console io.Writer
	// ConsoleLevel is the console threshold. The file always records debug.
	ConsoleLevel slog.Level

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is the configured logger plus the file sink that must be closed on
// exit.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	noColor := true
	if f, ok := console.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}

	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: consoleTimeFormat,
		NoColor:    noColor,
	})
	sinks := []Sink{{Handler: consoleHandler, Level: opts.ConsoleLevel}}

	var closer io.Closer
	if opts.FilePath != "" {
		if err := utils.EnsureParent(opts.FilePath); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: orDefault(opts.MaxBackups, defaultMaxBackups),
			MaxAge:     orDefault(opts.MaxAgeDays, defaultMaxAgeDays),
		}
		stamper := NewStamper(rotator)
		fileHandler := slog.NewTextHandler(stamper, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			// time is added by the stamper
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		sinks = append(sinks, Sink{Handler: fileHandler, Level: slog.LevelDebug})
		closer = stamper
	}

	return &Logger{
		Logger: slog.New(NewFanoutHandler(sinks...)),
		closer: closer,
	}, nil
}

// Setup builds the logger and installs it as the slog default.
func Setup(opts Options) (*Logger, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	return l, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
