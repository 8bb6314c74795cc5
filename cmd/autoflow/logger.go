package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/rendis/autoflow/internal/logging"
)

// newLogger builds the process logger. Stdout carries the MCP stdio stream,
// so logs always go to w (stderr in production).
func newLogger(cfg Config, w io.Writer) *slog.Logger {
	level := logging.ParseLevel(cfg.LogLevel)

	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(w),
		})
	} else {
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
