// Package logging builds the slog loggers used by the server and CLI.
//
// Logs always go to stderr by default: the MCP server speaks its protocol
// on stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config configures New. A zero Config logs Info and above as text on
// stderr.
type Config struct {
	Level   string // debug, info, warn or error
	JSON    bool
	Service string
	Output  io.Writer
}

// ParseLevel maps a level name to slog.Level. Unknown names map to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New returns a logger for cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
