// Package logging builds the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Build constructs a JSON slog.Logger for the given level string. Unknown
// level strings default to INFO. Source location is only attached at debug
// level, to keep normal-operation log lines compact.
func Build(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
