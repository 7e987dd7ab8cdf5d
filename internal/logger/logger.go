// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	levelVar slog.LevelVar
	setupMu  sync.Mutex
)

// Setup installs a text handler writing to out as the default slog logger.
// The level can be changed later with SetLevel.
func Setup(out io.Writer, levelStr string) {
	setupMu.Lock()
	defer setupMu.Unlock()

	levelVar.Set(ParseLevel(levelStr))
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: &levelVar,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(levelStr string) {
	levelVar.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string.
func GetLevel() string {
	switch levelVar.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
