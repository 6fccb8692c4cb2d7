package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionRunning, schema.ExecutionCompleted,
		map[string]any{"total_cost_cents": 5}))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventExecutionStarted, app.events[0].Type)
	assert.Nil(t, app.events[0].Payload)
	assert.Equal(t, schema.EventExecutionCompleted, app.events[1].Type)
	assert.Equal(t, "exec-1", app.events[1].ExecutionID)

	var payload map[string]any
	require.NoError(t, xjson.Unmarshal(app.events[1].Payload, &payload))
	assert.EqualValues(t, 5, payload["total_cost_cents"])
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionCompleted, nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Contains(t, fe.Message, "pending")
	assert.Empty(t, app.events)
}

func TestExecutionFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	terminal := []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled}
	for _, from := range terminal {
		assert.True(t, from.Terminal())
		for _, to := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionCompleted} {
			err := fsm.Transition(context.Background(), "exec-1", from, to, nil)
			assert.Error(t, err, "%s -> %s", from, to)
		}
	}
}

func TestExecutionFSM_PendingCanFailOrCancel(t *testing.T) {
	assert.True(t, IsValidTransition(schema.ExecutionPending, schema.ExecutionFailed))
	assert.True(t, IsValidTransition(schema.ExecutionPending, schema.ExecutionCancelled))
	assert.True(t, IsValidTransition(schema.ExecutionRunning, schema.ExecutionCancelled))
	assert.False(t, IsValidTransition(schema.ExecutionRunning, schema.ExecutionPending))
}

func TestExecutionFSM_EventEmitFailure(t *testing.T) {
	fsm := NewExecutionFSM(&mockAppender{err: errors.New("store unavailable")})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestExecutionFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	var calls []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionFailed, func(from, to string) error {
		calls = append(calls, "before:"+from+">"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionFailed, func(from, to string) error {
		calls = append(calls, "after:"+from+">"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "exec-1", schema.ExecutionRunning, schema.ExecutionFailed, nil))
	assert.Equal(t, []string{"before:running>failed", "after:running>failed"}, calls)
}

func TestExecutionFSM_BeforeHookAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(string, string) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	require.EqualError(t, err, "not yet")
	assert.Empty(t, app.events)
}

func TestExecutionFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition(context.Background(), "exec-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
		}()
	}
	wg.Wait()
	assert.Len(t, app.events, 20)
}

func TestExecutionEventType(t *testing.T) {
	assert.Equal(t, schema.EventExecutionCreated, ExecutionEventType(schema.ExecutionPending))
	assert.Equal(t, schema.EventExecutionCancelled, ExecutionEventType(schema.ExecutionCancelled))
	assert.Equal(t, "execution_paused", ExecutionEventType("paused"))
}
