package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/pkg/schema"
)

// mockStore is a minimal in-memory Store for testing.
type mockStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.WorkflowExecution
	nodeExecs  []*store.NodeExecution
	events     []*store.Event
	outputs    map[string]*store.StoredOutput
	seq        map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*store.Workflow),
		executions: make(map[string]*store.WorkflowExecution),
		outputs:    make(map[string]*store.StoredOutput),
		seq:        make(map[string]int64),
	}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found: "+id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) SlugExists(_ context.Context, userID, slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.UserID == userID && wf.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) UpdateWorkflow(_ context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "workflow not found: "+id)
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.Definition != nil {
		wf.Definition = *update.Definition
		wf.Version++
	}
	return nil
}

func (m *mockStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) CountWorkflows(ctx context.Context, f store.WorkflowFilter) (int, error) {
	wfs, _ := m.ListWorkflows(ctx, f)
	return len(wfs), nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) IncrementWorkflowRuns(_ context.Context, id string, success bool, costCents int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "workflow not found: "+id)
	}
	wf.TotalRuns++
	if success {
		wf.SuccessfulRuns++
	}
	wf.TotalCostCents += costCents
	return nil
}

func (m *mockStore) CreateExecution(_ context.Context, exec *store.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found: "+id)
	}
	cp := *exec
	return &cp, nil
}

func (m *mockStore) UpdateExecution(_ context.Context, id string, u store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "execution not found: "+id)
	}
	if u.OnlyIfActive && exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "Execution already %s", exec.Status)
	}
	if u.Status != nil {
		exec.Status = *u.Status
	}
	if u.OutputData != nil {
		exec.OutputData = u.OutputData
	}
	if u.ErrorMessage != nil {
		exec.ErrorMessage = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		exec.CompletedAt = u.CompletedAt
	}
	if u.DurationMs != nil {
		exec.DurationMs = *u.DurationMs
	}
	if u.TotalCostCents != nil {
		exec.TotalCostCents = *u.TotalCostCents
	}
	if u.CurrentNodeID != nil {
		exec.CurrentNodeID = *u.CurrentNodeID
	}
	if u.CompletedNodes != nil {
		exec.CompletedNodes = u.CompletedNodes
	}
	if u.FailedNodes != nil {
		exec.FailedNodes = u.FailedNodes
	}
	return nil
}

func (m *mockStore) CancelExecution(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "execution not found: "+id)
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "Cannot cancel execution in %s status", exec.Status)
	}
	exec.Status = schema.ExecutionCancelled
	exec.CompletedAt = &at
	return nil
}

func (m *mockStore) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WorkflowExecution
	for _, e := range m.executions {
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) CountExecutions(ctx context.Context, f store.ExecutionFilter) (int, error) {
	out, _ := m.ListExecutions(ctx, f)
	return len(out), nil
}

func (m *mockStore) ExecutionStats(_ context.Context, _ string) (*store.ExecutionStats, error) {
	return &store.ExecutionStats{}, nil
}

func (m *mockStore) InsertNodeExecution(_ context.Context, ne *store.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeExecs = append(m.nodeExecs, ne)
	return nil
}

func (m *mockStore) ListNodeExecutions(_ context.Context, executionID string) ([]*store.NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.NodeExecution
	for _, ne := range m.nodeExecs {
		if ne.ExecutionID == executionID {
			out = append(out, ne)
		}
	}
	return out, nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.ExecutionID]++
	event.Sequence = m.seq[event.ExecutionID]
	event.Timestamp = time.Now().UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) PutOutput(_ context.Context, out *store.StoredOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[out.Key] = out
	return nil
}

func (m *mockStore) GetOutput(_ context.Context, key string) (*store.StoredOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[key]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "output not found: "+key)
	}
	return out, nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Vacuum(_ context.Context) error  { return nil }
func (m *mockStore) Close() error                    { return nil }

// nodeRecords returns the node executions for nodeID in insertion order.
func (m *mockStore) nodeRecords(nodeID string) []*store.NodeExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.NodeExecution
	for _, ne := range m.nodeExecs {
		if ne.NodeID == nodeID {
			out = append(out, ne)
		}
	}
	return out
}

func (m *mockStore) nodeExecCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodeExecs)
}

func (m *mockStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// mockAppender records events without a store.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
	err    error
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// mockServiceClient answers calls with a per-slug function.
type mockServiceClient struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, call ServiceCall) (any, error)
	calls    []ServiceCall
}

func newMockServiceClient() *mockServiceClient {
	return &mockServiceClient{handlers: make(map[string]func(context.Context, ServiceCall) (any, error))}
}

func (m *mockServiceClient) on(slug string, fn func(ctx context.Context, call ServiceCall) (any, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[slug] = fn
}

func (m *mockServiceClient) Call(ctx context.Context, call ServiceCall) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	fn := m.handlers[call.Service.Key()]
	m.mu.Unlock()
	if fn == nil {
		return map[string]any{"ok": true}, nil
	}
	return fn(ctx, call)
}

func (m *mockServiceClient) callCount(slug string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Service.Key() == slug {
			n++
		}
	}
	return n
}

// mockWebhook records webhook deliveries.
type mockWebhook struct {
	mu    sync.Mutex
	posts map[string]any
	err   error
}

func (m *mockWebhook) Post(_ context.Context, url string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posts == nil {
		m.posts = make(map[string]any)
	}
	m.posts[url] = payload
	return m.err
}

// mockStorage records stored outputs.
type mockStorage struct {
	mu      sync.Mutex
	targets []OutputTarget
	err     error
}

func (m *mockStorage) Store(_ context.Context, target OutputTarget, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	return m.err
}
