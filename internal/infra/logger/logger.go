// Package logger builds the relay's slog.Logger from config. Every
// subsystem receives the same logger; there is no per-package logging
// setup.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"quackrelay/internal/infra/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New returns the configured logger and a closer that releases the log
// file, if output is a file. The closer is a no-op for stdout/stderr.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closer, err := sink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

func sink(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "", "stderr":
		return os.Stderr, noop, nil
	case "discard":
		return io.Discard, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open %q: %w", output, err)
		}
		return f, f.Close, nil
	}
}
