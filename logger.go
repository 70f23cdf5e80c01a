package main

import (
	"io"
	"log/slog"
)

// NewLogger returns a structured slog.Logger writing JSON, or text when
// format is "text".
func NewLogger(level slog.Leveler, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
