// Package logging builds the structured logger used for evaluation progress.
//
// Output goes to stderr by default. Terminals get slog's text format, anything
// else (files, pipes, log collectors) gets JSON unless Config.JSON says otherwise.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config configures New. The zero value logs Info and above to stderr.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Empty means info.
	Level string
	// JSON forces JSON output even on a terminal.
	JSON bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel maps a configured level name to slog.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New returns a logger for cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.JSON || !isTerminal(out) {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
