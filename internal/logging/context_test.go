package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", UserID(ctx))

	ctx = WithRun(ctx, "exec-1", "wf-123", "user-9")
	ctx = WithNodeID(ctx, "service_1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "service_1", NodeID(ctx))
	assert.Equal(t, "user-9", UserID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "exec-abc", "wf-abc", "")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.NotContains(t, output, "user_id")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-1"), "output_1")
	logger.InfoContext(ctx, "node done")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-1")
	assert.Contains(t, output, "node_id=output_1")
}

func TestCorrelationHandler_EmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	output := buf.String()
	assert.Contains(t, output, "plain")
	assert.NotContains(t, output, "execution_id")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewCorrelationHandler(slog.NewTextHandler(&buf, nil))
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "engine")}).WithGroup("run"))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-2"), "grouped", "n", 1)

	output := buf.String()
	assert.Contains(t, output, "component=engine")
	assert.Contains(t, output, "run.n=1")
	assert.Contains(t, output, "exec-2")
}
