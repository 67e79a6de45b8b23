// Package logging builds the root *slog.Logger every component receives by
// constructor injection, fanning structured logs out to an OTel log bridge
// and a rotated file sink (SPEC_FULL.md Ambient Stack "Logging").
package logging

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the file sink and verbosity.
type Config struct {
	Level      slog.Level
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig mirrors sane rotation defaults for a long-lived supervisor
// process (SPEC_FULL.md "Logging").
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, FilePath: "./data/supervisor.log", MaxSizeMB: 100, MaxBackups: 7, MaxAgeDays: 28}
}

// New builds the root logger: a JSON handler writing to the rotated file
// and stderr, plus an OTel bridge handler so trace-correlated log records
// reach the configured log exporter.
func New(cfg Config) *slog.Logger {
	fileSink := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	fileHandler := slog.NewJSONHandler(fileSink, opts)
	stderrHandler := slog.NewJSONHandler(os.Stderr, opts)
	otelHandler := otelslog.NewHandler("whatsapp-supervisor", otelslog.WithLoggerProvider(global.GetLoggerProvider()))

	return slog.New(fanoutHandler{handlers: []slog.Handler{fileHandler, stderrHandler, otelHandler}})
}

// fanoutHandler dispatches every record to each wrapped handler, the
// multi-handler idiom SPEC_FULL.md's Ambient Stack section names.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}
