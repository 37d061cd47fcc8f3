// Package logger builds the slog loggers the engine components expect.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to stdout at debug level.
func New() *slog.Logger {
	return NewWithWriter(os.Stdout, slog.LevelDebug)
}

func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
