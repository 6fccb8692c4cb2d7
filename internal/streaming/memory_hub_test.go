package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		NodeID:      "s1",
		EventType:   "node_completed",
		Payload:     map[string]any{"cost_cents": 5},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "s1", got.NodeID)
	assert.Equal(t, 5, got.Payload["cost_cents"])
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: "node_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_started"}))

	assert.Equal(t, "exec-1", receive(t, ch).ExecutionID)
	assertEmpty(t, ch)
}

func TestFilterByWorkflowAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1", EventTypes: []string{"execution_completed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", EventType: "node_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", EventType: "execution_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", EventType: "execution_completed"}))

	got := receive(t, ch)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "execution_completed", got.EventType)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "e"})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "e"})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: "node_started"}))
	assert.Equal(t, "node_started", receive(t, ch1).EventType)
	assert.Equal(t, "node_started", receive(t, ch2).EventType)
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: "node_started"}))
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: "node_started"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, EventFilter{})
			assert.NoError(t, err)
			cancel()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: "node_started"}))
		}()
	}
	wg.Wait()
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}
