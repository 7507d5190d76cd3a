package app

import (
	"io"
	"log/slog"
)

// newLogger builds the App's logger from the validated config. Every record
// carries the subcommand. An unknown level falls back to info. It does not
// set the global logger.
func newLogger(cfg *Config, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(outW, opts)
	default:
		handler = slog.NewTextHandler(outW, opts)
	}
	return slog.New(handler).With("command", cfg.Command)
}
