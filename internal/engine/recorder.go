package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// Recorder persists execution state and publishes progress.
// Every event goes to the event log first and then to the hub.
// Record writes other than Begin are best effort: a failed write is logged
// and the run carries on.
type Recorder struct {
	store  store.Store
	events EventAppender      // defaults to the store
	hub    streaming.EventHub // nil disables live progress
	fsm    *ExecutionFSM
	logger *slog.Logger

	mu        sync.Mutex
	workflows map[string]string // execution id -> workflow id, for stream events
}

// NewRecorder wires a recorder. events may be nil to log events through the store itself.
func NewRecorder(s store.Store, events EventAppender, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	if events == nil {
		events = s
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:     s,
		events:    events,
		hub:       hub,
		logger:    logger,
		workflows: make(map[string]string),
	}
	r.fsm = NewExecutionFSM(r)
	return r
}

// FSM returns the execution state machine the recorder drives.
func (r *Recorder) FSM() *ExecutionFSM { return r.fsm }

// AppendEvent writes event to the log and publishes it. It lets the FSM emit through the recorder.
func (r *Recorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := r.events.AppendEvent(ctx, event); err != nil {
		return err
	}
	r.publish(ctx, event)
	return nil
}

func (r *Recorder) publish(ctx context.Context, event *store.Event) {
	if r.hub == nil {
		return
	}
	var payload map[string]any
	if len(event.Payload) > 0 {
		_ = xjson.Unmarshal(event.Payload, &payload)
	}
	r.mu.Lock()
	wfID := r.workflows[event.ExecutionID]
	r.mu.Unlock()

	if err := r.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		WorkflowID:  wfID,
		NodeID:      event.NodeID,
		EventType:   event.Type,
		Sequence:    event.Sequence,
		Payload:     payload,
		Timestamp:   event.Timestamp,
	}); err != nil {
		r.logger.Warn("publish progress event", slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()))
	}
}

// Emit appends a progress event for a node. Failures are logged.
func (r *Recorder) Emit(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	ev := &store.Event{ExecutionID: executionID, NodeID: nodeID, Type: eventType}
	if len(payload) > 0 {
		raw, err := xjson.Marshal(payload)
		if err != nil {
			r.logger.Warn("marshal event payload", slog.String("event", eventType), slog.String("error", err.Error()))
		} else {
			ev.Payload = raw
		}
	}
	if err := r.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("append event", slog.String("execution_id", executionID),
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

// Begin creates the execution row in pending and moves it to running.
// An error here means nothing was recorded.
func (r *Recorder) Begin(ctx context.Context, workflowID, userID string, input any) (*store.WorkflowExecution, error) {
	rawInput, err := xjson.Marshal(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input is not JSON-serializable: %s", err.Error()).WithCause(err)
	}

	now := time.Now().UTC()
	exec := &store.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     schema.ExecutionPending,
		InputData:  rawInput,
		StartedAt:  now,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	r.mu.Lock()
	r.workflows[exec.ID] = workflowID
	r.mu.Unlock()

	r.Emit(ctx, exec.ID, "", schema.EventExecutionCreated, map[string]any{"workflow_id": workflowID, "user_id": userID})

	if err := r.fsm.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning, nil); err != nil {
		r.logger.Warn("execution start event", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	running := schema.ExecutionRunning
	if err := r.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &running}); err != nil {
		r.logger.Warn("mark execution running", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	exec.Status = running
	return exec, nil
}

// SetCurrentNode persists the node being dispatched.
func (r *Recorder) SetCurrentNode(ctx context.Context, executionID, nodeID string) {
	if err := r.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{CurrentNodeID: &nodeID}); err != nil {
		r.logger.Warn("update current node", slog.String("execution_id", executionID),
			slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}
}

// Status reads the stored status of an execution.
func (r *Recorder) Status(ctx context.Context, executionID string) (schema.ExecutionStatus, error) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return exec.Status, nil
}

// RecordNode inserts the NodeExecution row for one visit and emits node_completed or node_failed.
func (r *Recorder) RecordNode(ctx context.Context, executionID string, node *Node, res *NodeResult, startedAt time.Time) {
	status := schema.NodeCompleted
	if !res.Success {
		status = schema.NodeFailed
	}

	ne := &store.NodeExecution{
		ID:            uuid.New().String(),
		ExecutionID:   executionID,
		NodeID:        node.ID,
		Status:        status,
		ErrorMessage:  res.Error,
		StartedAt:     startedAt,
		CompletedAt:   startedAt.Add(time.Duration(res.DurationMs) * time.Millisecond),
		DurationMs:    res.DurationMs,
		MCPServerSlug: res.ServiceSlug,
		MCPCostCents:  res.CostCents,
		RetryCount:    res.RetryCount,
	}
	if res.Input != nil {
		ne.InputData = r.marshal(node.ID, "input", res.Input)
	}
	ne.OutputData = r.marshal(node.ID, "output", map[string]any{"data": res.Output})

	if err := r.store.InsertNodeExecution(ctx, ne); err != nil {
		r.logger.Warn("insert node execution", slog.String("execution_id", executionID),
			slog.String("node_id", node.ID), slog.String("error", err.Error()))
	}

	if res.Success {
		r.Emit(ctx, executionID, node.ID, schema.EventNodeCompleted, map[string]any{
			"duration_ms": res.DurationMs,
			"cost_cents":  res.CostCents,
		})
		return
	}
	r.Emit(ctx, executionID, node.ID, schema.EventNodeFailed, map[string]any{
		"error":       res.Error,
		"retry_count": res.RetryCount,
	})
}

func (r *Recorder) marshal(nodeID, what string, v any) []byte {
	raw, err := xjson.Marshal(v)
	if err != nil {
		r.logger.Warn("node "+what+" is not JSON-serializable", slog.String("node_id", nodeID),
			slog.String("error", err.Error()))
		return nil
	}
	return raw
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status         schema.ExecutionStatus
	Output         any
	Error          string
	TotalCostCents int
	DurationMs     int64
	CompletedNodes []string
	FailedNodes    []string
}

// Finish moves a running execution to its terminal status and writes the final columns.
// A cancel stored after the traversal's last check wins: the row keeps
// cancelled and the returned outcome says so.
func (r *Recorder) Finish(ctx context.Context, executionID string, out Outcome) Outcome {
	now := time.Now().UTC()
	upd := store.ExecutionUpdate{
		Status:         &out.Status,
		CompletedAt:    &now,
		DurationMs:     &out.DurationMs,
		TotalCostCents: &out.TotalCostCents,
		CompletedNodes: out.CompletedNodes,
		FailedNodes:    out.FailedNodes,
		OnlyIfActive:   true,
	}
	if out.Error != "" {
		upd.ErrorMessage = &out.Error
	}
	if out.Output != nil {
		upd.OutputData = r.marshal("", "output", out.Output)
	}

	err := r.store.UpdateExecution(ctx, executionID, upd)
	if schema.ErrorCode(err) == schema.ErrCodeConflict {
		out = r.lateCancel(ctx, executionID, out)
		err = nil
	}
	if err != nil {
		r.logger.Error("finalize execution", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}

	detail := map[string]any{"duration_ms": out.DurationMs, "total_cost_cents": out.TotalCostCents}
	if out.Error != "" {
		detail["error"] = out.Error
	}
	if err := r.fsm.Transition(ctx, executionID, schema.ExecutionRunning, out.Status, detail); err != nil {
		r.logger.Warn("execution terminal event", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}

	r.mu.Lock()
	delete(r.workflows, executionID)
	r.mu.Unlock()
	return out
}

// lateCancel adopts the terminal status another writer stored first and
// records the run's bookkeeping columns next to it.
func (r *Recorder) lateCancel(ctx context.Context, executionID string, out Outcome) Outcome {
	status, err := r.Status(ctx, executionID)
	if err != nil {
		r.logger.Error("read terminal status", slog.String("execution_id", executionID), slog.String("error", err.Error()))
		return out
	}
	r.logger.Info("execution finished after cancel",
		slog.String("execution_id", executionID), slog.String("outcome", string(out.Status)))

	out.Status = status
	if status == schema.ExecutionCancelled {
		out.Error = "Execution cancelled"
		out.Output = nil
	}
	err = r.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		DurationMs:     &out.DurationMs,
		TotalCostCents: &out.TotalCostCents,
		CompletedNodes: out.CompletedNodes,
		FailedNodes:    out.FailedNodes,
	})
	if err != nil {
		r.logger.Error("finalize cancelled execution", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}
	return out
}

// CountRun bumps the stored workflow's run counters.
func (r *Recorder) CountRun(ctx context.Context, workflowID string, success bool, costCents int) {
	if workflowID == "" {
		return
	}
	if err := r.store.IncrementWorkflowRuns(ctx, workflowID, success, costCents); err != nil {
		r.logger.Warn("increment workflow runs", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}
}
