package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// EventLog provides the execution progress log on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
// Parallel waves append from several goroutines, so the write lock is taken
// before the sequence is read.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces the lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// NodeProgress is the per-node state folded from the event log.
type NodeProgress struct {
	NodeID    string     `json:"node_id"`
	Status    string     `json:"status"` // running | completed | failed | skipped
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Pruned    []string   `json:"pruned,omitempty"`
}

// eventErrorPayload is the subset of node_failed payloads read during replay.
type eventErrorPayload struct {
	Error string `json:"error"`
}

// ReplayProgress folds an execution's events into per-node progress.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayProgress(ctx context.Context, executionID string) (map[string]*NodeProgress, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	progress := make(map[string]*NodeProgress)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		np, ok := progress[e.NodeID]
		if !ok {
			np = &NodeProgress{NodeID: e.NodeID}
			progress[e.NodeID] = np
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventNodeStarted:
			np.Status = "running"
			np.Attempts++
			if np.StartedAt == nil {
				np.StartedAt = &ts
			}
		case schema.EventNodeCompleted:
			np.Status = string(schema.NodeCompleted)
			np.EndedAt = &ts
		case schema.EventNodeFailed:
			np.Status = string(schema.NodeFailed)
			np.EndedAt = &ts
			var p eventErrorPayload
			if len(e.Payload) > 0 && xjson.Unmarshal(e.Payload, &p) == nil {
				np.LastError = p.Error
			}
		case schema.EventNodeSkipped:
			np.Status = string(schema.NodeSkipped)
			np.EndedAt = &ts
		case schema.EventEdgePruned:
			var p struct {
				Target string `json:"target"`
			}
			if len(e.Payload) > 0 && xjson.Unmarshal(e.Payload, &p) == nil && p.Target != "" {
				np.Pruned = append(np.Pruned, p.Target)
			}
		}
	}
	return progress, nil
}
