package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SlugExists(ctx context.Context, userID, slug string) (bool, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	CountWorkflows(ctx context.Context, filter WorkflowFilter) (int, error)
	DeleteWorkflow(ctx context.Context, id string) error
	// IncrementWorkflowRuns bumps the run counters without a read-modify-write.
	IncrementWorkflowRuns(ctx context.Context, id string, success bool, costCents int) error

	// Executions
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	// CancelExecution marks a pending or running execution cancelled.
	// Terminal executions yield a CONFLICT error.
	CancelExecution(ctx context.Context, id string, at time.Time) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)
	CountExecutions(ctx context.Context, filter ExecutionFilter) (int, error)
	ExecutionStats(ctx context.Context, userID string) (*ExecutionStats, error)

	// Node executions (insert-only)
	InsertNodeExecution(ctx context.Context, ne *NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Stored outputs
	PutOutput(ctx context.Context, out *StoredOutput) error
	GetOutput(ctx context.Context, key string) (*StoredOutput, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
