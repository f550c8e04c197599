package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the global JSON logger on stdout and returns its handler so
// callers can fan it out next to the PostgreSQL handler.
func Setup(level string) slog.Handler {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}).WithAttrs([]slog.Attr{slog.String("service", "meetsub")})
	slog.SetDefault(slog.New(handler))
	return handler
}

// ParseLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
