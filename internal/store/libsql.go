package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, user_id, name, slug, description, version, definition, status,
	total_runs, successful_runs, total_cost_cents, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := xjson.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowDraft
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, wf.Slug, nullStr(wf.Description), wf.Version, string(def), string(wf.Status),
		wf.TotalRuns, wf.SuccessfulRuns, wf.TotalCostCents, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow slug %q already exists", wf.Slug).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) SlugExists(ctx context.Context, userID, slug string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflows WHERE user_id = ? AND slug = ?`, userID, slug,
	).Scan(&n)
	return n > 0, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	if update.Empty() {
		return schema.NewError(schema.ErrCodeValidation, "no fields to update")
	}

	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Definition != nil {
		def, err := xjson.Marshal(update.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?", "version = version + 1")
		args = append(args, string(def))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func workflowWhere(filter WorkflowFilter) (string, []any) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	where, args := workflowWhere(filter)
	query := "SELECT " + workflowColumns + " FROM workflows" + where + " ORDER BY updated_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) CountWorkflows(ctx context.Context, filter WorkflowFilter) (int, error) {
	where, args := workflowWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM workflows"+where, args...).Scan(&n)
	return n, err
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) IncrementWorkflowRuns(ctx context.Context, id string, success bool, costCents int) error {
	successful := 0
	if success {
		successful = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET total_runs = total_runs + 1,
		   successful_runs = successful_runs + ?,
		   total_cost_cents = total_cost_cents + ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		successful, costCents, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		desc    sql.NullString
		defJSON string
		status  string
	)
	if err := r.Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.Slug, &desc, &wf.Version, &defJSON, &status,
		&wf.TotalRuns, &wf.SuccessfulRuns, &wf.TotalCostCents, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Status = schema.WorkflowStatus(status)
	if err := xjson.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, user_id, status, input_data, output_data, error_message,
	started_at, completed_at, duration_ms, total_cost_cents, current_node_id, completed_nodes, failed_nodes`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	completed, err := marshalIDs(exec.CompletedNodes)
	if err != nil {
		return err
	}
	failed, err := marshalIDs(exec.FailedNodes)
	if err != nil {
		return err
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.UserID, string(exec.Status), nullRaw(exec.InputData), nullRaw(exec.OutputData),
		nullStr(exec.ErrorMessage), exec.StartedAt, nullTime(exec.CompletedAt), exec.DurationMs,
		exec.TotalCostCents, nullStr(exec.CurrentNodeID), completed, failed,
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if update.TotalCostCents != nil {
		sets = append(sets, "total_cost_cents = ?")
		args = append(args, *update.TotalCostCents)
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.CompletedNodes != nil {
		ids, err := marshalIDs(update.CompletedNodes)
		if err != nil {
			return err
		}
		sets = append(sets, "completed_nodes = ?")
		args = append(args, ids)
	}
	if update.FailedNodes != nil {
		ids, err := marshalIDs(update.FailedNodes)
		if err != nil {
			return err
		}
		sets = append(sets, "failed_nodes = ?")
		args = append(args, ids)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	where := "id = ?"
	if update.OnlyIfActive {
		where += " AND status IN (?, ?)"
		args = append(args, string(schema.ExecutionPending), string(schema.ExecutionRunning))
	}
	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if !update.OnlyIfActive {
		return checkRowsAffected(res, "execution", id)
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	return s.inactiveExecution(ctx, id, "Execution already %s")
}

func (s *LibSQLStore) CancelExecution(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(schema.ExecutionCancelled), at, id,
		string(schema.ExecutionPending), string(schema.ExecutionRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.inactiveExecution(ctx, id, "Cannot cancel execution in %s status")
}

// inactiveExecution explains why a status-guarded update touched no row:
// NOT_FOUND for a missing execution, otherwise CONFLICT naming its status.
func (s *LibSQLStore) inactiveExecution(ctx context.Context, id, format string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_executions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, format, status)
}

func executionWhere(filter ExecutionFilter) (string, []any) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	where, args := executionWhere(filter)
	query := "SELECT " + executionColumns + " FROM workflow_executions" + where + " ORDER BY started_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) CountExecutions(ctx context.Context, filter ExecutionFilter) (int, error) {
	where, args := executionWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM workflow_executions"+where, args...).Scan(&n)
	return n, err
}

func (s *LibSQLStore) ExecutionStats(ctx context.Context, userID string) (*ExecutionStats, error) {
	stats := &ExecutionStats{}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1),
		   COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(total_cost_cents), 0),
		   AVG(CASE WHEN completed_at IS NOT NULL THEN duration_ms END)
		 FROM workflow_executions WHERE user_id = ?`,
		string(schema.ExecutionCompleted), string(schema.ExecutionFailed), userID,
	).Scan(&stats.TotalExecutions, &stats.SuccessfulRuns, &stats.FailedRuns, &stats.TotalCost, &avg)
	if err != nil {
		return nil, err
	}
	stats.AvgDuration = avg.Float64
	return stats, nil
}

func scanExecution(r rowScanner) (*WorkflowExecution, error) {
	exec := &WorkflowExecution{}
	var (
		status                         string
		input, output, errMsg, current sql.NullString
		completedAt                    sql.NullTime
		completed, failed              string
	)
	if err := r.Scan(&exec.ID, &exec.WorkflowID, &exec.UserID, &status, &input, &output, &errMsg,
		&exec.StartedAt, &completedAt, &exec.DurationMs, &exec.TotalCostCents, &current, &completed, &failed); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.InputData = rawOrNil(input)
	exec.OutputData = rawOrNil(output)
	exec.ErrorMessage = errMsg.String
	exec.CurrentNodeID = current.String
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	exec.CompletedNodes = unmarshalIDs(completed)
	exec.FailedNodes = unmarshalIDs(failed)
	return exec, nil
}

// --- Node executions ---

func (s *LibSQLStore) InsertNodeExecution(ctx context.Context, ne *NodeExecution) error {
	ne.StartedAt = timeOrNow(ne.StartedAt)
	ne.CompletedAt = timeOrNow(ne.CompletedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, execution_id, node_id, status, input_data, output_data, error_message,
		   started_at, completed_at, duration_ms, mcp_server_slug, mcp_cost_cents, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.ExecutionID, ne.NodeID, string(ne.Status), nullRaw(ne.InputData), nullRaw(ne.OutputData),
		nullStr(ne.ErrorMessage), ne.StartedAt, ne.CompletedAt, ne.DurationMs,
		nullStr(ne.MCPServerSlug), ne.MCPCostCents, ne.RetryCount,
	)
	return err
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, status, input_data, output_data, error_message,
		   started_at, completed_at, duration_ms, mcp_server_slug, mcp_cost_cents, retry_count
		 FROM node_executions WHERE execution_id = ? ORDER BY started_at ASC, rowid ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*NodeExecution
	for rows.Next() {
		ne := &NodeExecution{}
		var (
			status                      string
			input, output, errMsg, slug sql.NullString
		)
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &status, &input, &output, &errMsg,
			&ne.StartedAt, &ne.CompletedAt, &ne.DurationMs, &slug, &ne.MCPCostCents, &ne.RetryCount); err != nil {
			return nil, err
		}
		ne.Status = schema.NodeStatus(status)
		ne.InputData = rawOrNil(input)
		ne.OutputData = rawOrNil(output)
		ne.ErrorMessage = errMsg.String
		ne.MCPServerSlug = slug.String
		result = append(result, ne)
	}
	return result, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with the next per-execution sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Stored outputs ---

func (s *LibSQLStore) PutOutput(ctx context.Context, out *StoredOutput) error {
	out.CreatedAt = timeOrNow(out.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stored_outputs (key, execution_id, node_id, payload, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET execution_id=excluded.execution_id, node_id=excluded.node_id,
		   payload=excluded.payload, created_at=excluded.created_at`,
		out.Key, nullStr(out.ExecutionID), nullStr(out.NodeID), string(out.Payload), out.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetOutput(ctx context.Context, key string) (*StoredOutput, error) {
	out := &StoredOutput{}
	var execID, nodeID sql.NullString
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, execution_id, node_id, payload, created_at FROM stored_outputs WHERE key = ?`, key,
	).Scan(&out.Key, &execID, &nodeID, &payload, &out.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("output", key)
	}
	if err != nil {
		return nil, err
	}
	out.ExecutionID = execID.String
	out.NodeID = nodeID.String
	out.Payload = json.RawMessage(payload)
	return out, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	q := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalIDs(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := xjson.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal node ids: %w", err)
	}
	return string(b), nil
}

func unmarshalIDs(raw string) []string {
	ids := []string{}
	if raw != "" {
		_ = xjson.Unmarshal([]byte(raw), &ids)
	}
	return ids
}
