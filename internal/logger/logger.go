// Package logger builds the scheduler's slog.Logger, wiring an optional
// rotated file sink via lumberjack and the teacher's ANSI color convention
// for terminal output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where and how the scheduler logs. An empty Config logs
// colorized text to stdout at info level.
type Config struct {
	Dir        string // base directory for the rotated log file; empty means stdout
	Stdout     string // explicit file path, overrides Dir/timewarden.log
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      string // debug, info, warn, error; default info
}

// New builds the process-wide structured logger from Config.
func New(c Config) *slog.Logger {
	w := writer(c)
	level := parseLevel(c.Level)

	var handler slog.Handler
	if c.Dir == "" && c.Stdout == "" {
		handler = NewColorTextHandler(w, &slog.HandlerOptions{Level: level}, true)
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func writer(c Config) io.Writer {
	path := c.Stdout
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, "timewarden.log")
	}
	if path == "" {
		return os.Stdout
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
