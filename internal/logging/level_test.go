package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseLevel("")
	assert.False(t, ok)
	_, ok = ParseLevel("verbose")
	assert.False(t, ok)
}

func TestWithLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(WithLevel(base, slog.LevelWarn))

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithLevel_ReplacesInsteadOfStacking(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	server := WithLevel(base, slog.LevelInfo)
	run := slog.New(WithLevel(server, slog.LevelDebug))

	run.Debug("debug line")
	assert.Contains(t, buf.String(), "debug line")
	assert.False(t, server.Enabled(context.Background(), slog.LevelDebug))
}

func TestNewConsoleHandler_NoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelInfo))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-7"), "hello")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "exec-7")
	assert.NotContains(t, out, "\x1b[")
}
