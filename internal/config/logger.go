package config

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds a slog.Logger for cfg writing to out (stderr when nil).
// Unknown levels fall back to info and unknown formats to text.
func NewLogger(cfg LogConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
