// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string // "text" or "json"

	// File, when set, receives log output instead of stderr and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a slog.Logger together with the writer it owns.
type Logger struct {
	*slog.Logger
	out io.Writer
}

// NewLogger returns a logger for cfg. Unknown levels fall back to info.
func NewLogger(cfg Config) *Logger {
	return newLogger(cfg, nil)
}

func newLogger(cfg Config, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
		if cfg.File != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSizeMB,  // megabytes
				MaxBackups: cfg.MaxBackups, // number of backups
				MaxAge:     cfg.MaxAgeDays, // days
			}
		}
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(handler), out: out}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if c, ok := l.out.(io.Closer); ok && l.out != os.Stderr {
		return c.Close()
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
