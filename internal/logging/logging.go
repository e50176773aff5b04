// Package logging builds the slog loggers used by sctmetrics.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is the minimum record level
	Level slog.Level

	// JSON selects the JSON handler instead of the text handler
	JSON bool

	// File, when set, additionally writes records to a rotating log file
	File string

	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept
	MaxBackups int
}

// New returns a logger writing to w and, if configured, to a rotating file.
func New(w io.Writer, opts Options) *slog.Logger {
	if opts.File != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		})
	}
	return Logger(w, opts.JSON, opts.Level)
}

// Logger returns a text or JSON logger at the given level.
func Logger(w io.Writer, json bool, level slog.Level) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// ParseLevel converts a level name, falling back to INFO. The second
// return value reports whether the name was recognised.
func ParseLevel(s string) (slog.Level, bool) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, false
	}
	return level, true
}
