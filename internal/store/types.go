package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/mcpflow/pkg/schema"
)

// Workflow is a stored, user-owned workflow definition.
type Workflow struct {
	ID             string                    `json:"id"`
	UserID         string                    `json:"user_id"`
	Name           string                    `json:"name"`
	Slug           string                    `json:"slug"`
	Description    string                    `json:"description,omitempty"`
	Version        int                       `json:"version"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Status         schema.WorkflowStatus     `json:"status"`
	TotalRuns      int                       `json:"total_runs"`
	SuccessfulRuns int                       `json:"successful_runs"`
	TotalCostCents int                       `json:"total_cost_cents"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// WorkflowExecution is the persisted record of one run of a workflow.
type WorkflowExecution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	UserID         string                 `json:"user_id"`
	Status         schema.ExecutionStatus `json:"status"`
	InputData      json.RawMessage        `json:"input_data,omitempty"`
	OutputData     json.RawMessage        `json:"output_data,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	DurationMs     int64                  `json:"duration_ms"`
	TotalCostCents int                    `json:"total_cost_cents"`
	CurrentNodeID  string                 `json:"current_node_id,omitempty"`
	CompletedNodes []string               `json:"completed_nodes"`
	FailedNodes    []string               `json:"failed_nodes"`
}

// NodeExecution is the insert-only record of one node visit.
type NodeExecution struct {
	ID            string            `json:"id"`
	ExecutionID   string            `json:"execution_id"`
	NodeID        string            `json:"node_id"`
	Status        schema.NodeStatus `json:"status"`
	InputData     json.RawMessage   `json:"input_data,omitempty"`
	OutputData    json.RawMessage   `json:"output_data,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at"`
	DurationMs    int64             `json:"duration_ms"`
	MCPServerSlug string            `json:"mcp_server_slug,omitempty"`
	MCPCostCents  int               `json:"mcp_cost_cents"`
	RetryCount    int               `json:"retry_count"`
}

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// StoredOutput is an output-node payload persisted by the db storage backend.
type StoredOutput struct {
	Key         string          `json:"key"`
	ExecutionID string          `json:"execution_id,omitempty"`
	NodeID      string          `json:"node_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ExecutionStats aggregates a user's executions.
type ExecutionStats struct {
	TotalExecutions int     `json:"totalExecutions"`
	SuccessfulRuns  int     `json:"successfulRuns"`
	FailedRuns      int     `json:"failedRuns"`
	TotalCost       int     `json:"totalCost"`
	AvgDuration     float64 `json:"avgDuration"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	UserID string                 `json:"user_id,omitempty"`
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
// A non-nil Definition bumps the version.
type WorkflowUpdate struct {
	Name        *string                    `json:"name,omitempty"`
	Description *string                    `json:"description,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition,omitempty"`
	Status      *schema.WorkflowStatus     `json:"status,omitempty"`
}

// Empty reports whether the update carries no field.
func (u WorkflowUpdate) Empty() bool {
	return u.Name == nil && u.Description == nil && u.Definition == nil && u.Status == nil
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	OutputData     json.RawMessage         `json:"output_data,omitempty"`
	ErrorMessage   *string                 `json:"error_message,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	DurationMs     *int64                  `json:"duration_ms,omitempty"`
	TotalCostCents *int                    `json:"total_cost_cents,omitempty"`
	CurrentNodeID  *string                 `json:"current_node_id,omitempty"`
	CompletedNodes []string                `json:"completed_nodes,omitempty"`
	FailedNodes    []string                `json:"failed_nodes,omitempty"`

	// OnlyIfActive applies the update only while the execution is pending or
	// running. A terminal row is left alone and the update fails with CONFLICT.
	OnlyIfActive bool `json:"-"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	UserID     string                  `json:"user_id,omitempty"`
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}
