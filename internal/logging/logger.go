package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging. The minimum level is held in a
// LevelVar so a pushed config update can adjust it on a running process.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{Logger: slog.New(handler), level: lv}
}

// SetLevel adjusts the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// ParseLevel maps a config level string to a slog.Level. Unknown or empty
// values fall back to debug so nothing is silently hidden.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
