// Package logging builds the process-wide structured logger.
//
// Grounded on thushan-olla's pervasive use of log/slog for structured,
// leveled logging (JSON in production, text for local runs) rather than
// a third-party logging library — no pack repo imports zerolog, zap, or
// logrus; log/slog is the ecosystem-idiomatic choice their own code
// demonstrates.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger. format is "json" or "text"; level is any
// slog level name ("debug", "info", "warn", "error"), case-insensitive.
// lv backs the handler's level so a caller can adjust it after
// construction (config.Load's hot-reload callback does this for
// log_level); pass nil to use a level fixed at construction time.
func New(level, format string, lv *slog.LevelVar) *slog.Logger {
	if lv == nil {
		lv = &slog.LevelVar{}
	}
	lv.Set(ParseLevel(level))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lv}

	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config-file level name to a slog.Level, defaulting
// to info for an unrecognized or empty value.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
