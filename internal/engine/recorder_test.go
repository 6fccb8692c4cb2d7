package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/pkg/schema"
)

func TestRecorder_BeginCreatesRunningExecution(t *testing.T) {
	ms := newMockStore()
	app := &mockAppender{}
	rec := NewRecorder(ms, app, nil, nil)

	exec, err := rec.Begin(context.Background(), "wf-1", "user-1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	stored, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, stored.Status)
	assert.JSONEq(t, `{"a":1}`, string(stored.InputData))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventExecutionCreated, app.events[0].Type)
	assert.Equal(t, schema.EventExecutionStarted, app.events[1].Type)
	assert.Empty(t, ms.events)
}

func TestRecorder_BeginRejectsUnserializableInput(t *testing.T) {
	rec := NewRecorder(newMockStore(), nil, nil, nil)
	_, err := rec.Begin(context.Background(), "wf-1", "u", map[string]any{"ch": make(chan int)})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestRecorder_RecordNodeAndFinish(t *testing.T) {
	ms := newMockStore()
	hub := streaming.NewMemoryHub()
	rec := NewRecorder(ms, nil, hub, nil)

	exec, err := rec.Begin(context.Background(), "wf-1", "u", nil)
	require.NoError(t, err)

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	defer cancel()

	node := &Node{ID: "S1", Type: schema.NodeTypeService}
	start := time.Now().UTC()
	rec.RecordNode(context.Background(), exec.ID, node, &NodeResult{
		Error: "boom", DurationMs: 12, RetryCount: 1, ServiceSlug: "svc",
	}, start)

	records := ms.nodeRecords("S1")
	require.Len(t, records, 1)
	assert.Equal(t, schema.NodeFailed, records[0].Status)
	assert.Equal(t, "boom", records[0].ErrorMessage)
	assert.Equal(t, start.Add(12*time.Millisecond), records[0].CompletedAt)
	assert.JSONEq(t, `{"data":null}`, string(records[0].OutputData))

	select {
	case ev := <-ch:
		assert.Equal(t, schema.EventNodeFailed, ev.EventType)
		assert.Equal(t, "wf-1", ev.WorkflowID)
		assert.Equal(t, "boom", ev.Payload["error"])
	case <-time.After(time.Second):
		t.Fatal("no node_failed event")
	}

	rec.Finish(context.Background(), exec.ID, Outcome{
		Status:      schema.ExecutionFailed,
		Error:       `Node "S1" failed: boom`,
		DurationMs:  40,
		FailedNodes: []string{"S1"},
	})

	stored, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Equal(t, `Node "S1" failed: boom`, stored.ErrorMessage)
	assert.Equal(t, int64(40), stored.DurationMs)
	assert.Equal(t, []string{"S1"}, stored.FailedNodes)
	assert.NotNil(t, stored.CompletedAt)
}

func TestRecorder_FinishKeepsLateCancel(t *testing.T) {
	ms := newMockStore()
	app := &mockAppender{}
	rec := NewRecorder(ms, app, nil, nil)
	ctx := context.Background()

	exec, err := rec.Begin(ctx, "wf-1", "u", nil)
	require.NoError(t, err)
	require.NoError(t, ms.CancelExecution(ctx, exec.ID, time.Now().UTC()))

	out := rec.Finish(ctx, exec.ID, Outcome{
		Status:         schema.ExecutionCompleted,
		Output:         map[string]any{"ok": true},
		DurationMs:     25,
		TotalCostCents: 4,
		CompletedNodes: []string{"T1", "S1"},
	})
	assert.Equal(t, schema.ExecutionCancelled, out.Status)
	assert.Equal(t, "Execution cancelled", out.Error)
	assert.Nil(t, out.Output)

	stored, err := ms.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)
	assert.Equal(t, int64(25), stored.DurationMs)
	assert.Equal(t, 4, stored.TotalCostCents)
	assert.Equal(t, []string{"T1", "S1"}, stored.CompletedNodes)
	assert.Empty(t, stored.OutputData)

	require.NotEmpty(t, app.events)
	assert.Equal(t, schema.EventExecutionCancelled, app.events[len(app.events)-1].Type)
}

func TestRecorder_CountRunSkipsInline(t *testing.T) {
	ms := newMockStore()
	rec := NewRecorder(ms, nil, nil, nil)
	// No stored workflow: the error is logged, not returned.
	rec.CountRun(context.Background(), "missing", true, 3)
	rec.CountRun(context.Background(), "", true, 3)
}
