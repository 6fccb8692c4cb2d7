package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests; only ListWorkflows is used.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	workflows []*store.Workflow
}

func (m *mockSchedulerStore) ListWorkflows(_ context.Context, f store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if f.Status != nil && wf.Status != *f.Status {
			continue
		}
		out = append(out, wf)
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *mockSchedulerStore) set(wfs ...*store.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = wfs
}

type mockRunner struct {
	mu      sync.Mutex
	reqs    []engine.ExecuteRequest
	block   chan struct{}
	started chan struct{}
}

func (m *mockRunner) Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecutionResult, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	block, started := m.block, m.started
	m.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return &engine.ExecutionResult{Success: true, ExecutionID: "exec"}, nil
}

func (m *mockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

func scheduledWorkflow(id, spec string, status schema.WorkflowStatus) *store.Workflow {
	data, _ := json.Marshal(schema.TriggerNodeData{
		TriggerType: schema.TriggerSchedule,
		Config:      map[string]any{"cron": spec, "input": map[string]any{"source": "cron"}},
	})
	return &store.Workflow{
		ID:     id,
		UserID: "owner-" + id,
		Status: status,
		Definition: schema.WorkflowDefinition{
			Nodes: []schema.WorkflowNode{
				{ID: "tick", Type: schema.NodeTypeTrigger, Data: data},
				{ID: "manual", Type: schema.NodeTypeTrigger},
			},
		},
	}
}

func newTestScheduler(st store.Store, r WorkflowRunner) (*Scheduler, *time.Time) {
	s := NewScheduler(st, r, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestScheduler_FirstSightingSchedulesWithoutRunning(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("wf1", "*/5 * * * *", schema.WorkflowActive))
	r := &mockRunner{}
	s, _ := newTestScheduler(st, r)

	s.tick(context.Background())
	s.runs.Wait()

	assert.Equal(t, 0, r.count())
	next, ok := s.NextRun("wf1", "tick")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC), next)

	_, ok = s.NextRun("wf1", "manual")
	assert.False(t, ok, "manual triggers are not scheduled")
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("wf1", "*/5 * * * *", schema.WorkflowActive))
	r := &mockRunner{}
	s, now := newTestScheduler(st, r)

	s.tick(context.Background())
	*now = time.Date(2026, 3, 2, 10, 5, 10, 0, time.UTC)
	s.tick(context.Background())
	s.runs.Wait()

	require.Equal(t, 1, r.count())
	req := r.reqs[0]
	assert.Equal(t, "wf1", req.Workflow.ID)
	assert.Equal(t, "owner-wf1", req.UserID)
	assert.Equal(t, map[string]any{"source": "cron"}, req.Input)

	next, _ := s.NextRun("wf1", "tick")
	assert.Equal(t, time.Date(2026, 3, 2, 10, 10, 0, 0, time.UTC), next)

	// Same slot again: not due.
	s.tick(context.Background())
	s.runs.Wait()
	assert.Equal(t, 1, r.count())
}

func TestScheduler_InactiveWorkflowsIgnored(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("draft", "* * * * *", schema.WorkflowDraft))
	r := &mockRunner{}
	s, now := newTestScheduler(st, r)

	s.tick(context.Background())
	*now = now.Add(5 * time.Minute)
	s.tick(context.Background())
	s.runs.Wait()

	assert.Equal(t, 0, r.count())
	_, ok := s.NextRun("draft", "tick")
	assert.False(t, ok)
}

func TestScheduler_DeactivatedWorkflowForgotten(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("wf1", "* * * * *", schema.WorkflowActive))
	s, _ := newTestScheduler(st, &mockRunner{})

	s.tick(context.Background())
	_, ok := s.NextRun("wf1", "tick")
	require.True(t, ok)

	st.set()
	s.tick(context.Background())
	_, ok = s.NextRun("wf1", "tick")
	assert.False(t, ok)
}

func TestScheduler_InvalidCronSkipped(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("bad", "not a cron", schema.WorkflowActive), scheduledWorkflow("good", "@hourly", schema.WorkflowActive))
	s, _ := newTestScheduler(st, &mockRunner{})

	s.tick(context.Background())

	_, ok := s.NextRun("bad", "tick")
	assert.False(t, ok)
	assert.Equal(t, "not a cron", s.invalid["bad/tick"])
	_, ok = s.NextRun("good", "tick")
	assert.True(t, ok)
}

func TestScheduler_SpecChangeReschedules(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("wf1", "0 * * * *", schema.WorkflowActive))
	s, _ := newTestScheduler(st, &mockRunner{})

	s.tick(context.Background())
	next, _ := s.NextRun("wf1", "tick")
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), next)

	st.set(scheduledWorkflow("wf1", "*/15 * * * *", schema.WorkflowActive))
	s.tick(context.Background())
	next, _ = s.NextRun("wf1", "tick")
	assert.Equal(t, time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC), next)
}

func TestScheduler_InflightDedup(t *testing.T) {
	st := &mockSchedulerStore{}
	st.set(scheduledWorkflow("wf1", "* * * * *", schema.WorkflowActive))
	r := &mockRunner{block: make(chan struct{}), started: make(chan struct{}, 4)}
	s, now := newTestScheduler(st, r)

	s.tick(context.Background())
	*now = now.Add(time.Minute)
	s.tick(context.Background())
	<-r.started

	// Next slot arrives while the first run is still going.
	*now = now.Add(time.Minute)
	s.tick(context.Background())
	assert.Equal(t, 1, r.count())

	close(r.block)
	s.runs.Wait()
}

func TestScheduler_StartStop(t *testing.T) {
	st := &mockSchedulerStore{}
	s := NewScheduler(st, &mockRunner{}, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestScheduler_CalculateNextRun(t *testing.T) {
	s := NewScheduler(&mockSchedulerStore{}, &mockRunner{}, 0, nil)
	assert.Equal(t, DefaultInterval, s.interval)

	from := time.Date(2026, 1, 1, 8, 59, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("bogus", from)
	assert.Error(t, err)
}
