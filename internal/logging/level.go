package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ParseLevel maps debug, info, warn or error (any case) to a slog level.
// ok is false for anything else, including "".
func ParseLevel(s string) (level slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// LevelHandler filters records below its own level before the inner handler sees them.
// Build the inner handler at debug so a wrapped level can be lowered later.
type LevelHandler struct {
	level slog.Leveler
	inner slog.Handler
}

// WithLevel wraps inner so that records below level are dropped.
// Wrapping a LevelHandler replaces its level instead of stacking.
func WithLevel(inner slog.Handler, level slog.Leveler) *LevelHandler {
	if lh, ok := inner.(*LevelHandler); ok {
		inner = lh.inner
	}
	return &LevelHandler{level: level, inner: inner}
}

func (h *LevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.inner.Enabled(ctx, level)
}

func (h *LevelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *LevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelHandler{level: h.level, inner: h.inner.WithAttrs(attrs)}
}

func (h *LevelHandler) WithGroup(name string) slog.Handler {
	return &LevelHandler{level: h.level, inner: h.inner.WithGroup(name)}
}

// NewConsoleHandler returns a colored handler for interactive use.
// Color is disabled when w is not a terminal.
func NewConsoleHandler(w io.Writer, level slog.Leveler) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return NewCorrelationHandler(tint.NewHandler(w, &tint.Options{
		Level:      level,
		NoColor:    noColor,
		TimeFormat: time.Kitchen,
	}))
}

// NewJSONHandler returns the structured handler used by the server.
func NewJSONHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return NewCorrelationHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
