package engine

import (
	"log/slog"

	"github.com/rendis/mcpflow/internal/expressions"
)

// ExecutionContext is the mutable state of one run. It is owned by a single
// traversal; node executors only read it through Scope and Snapshot.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	Input       any

	// NodeOutputs is append-only: a key is written once per successful visit.
	NodeOutputs map[string]any
	Variables   map[string]any

	Logger *slog.Logger
}

// NewExecutionContext returns an empty context for a run.
func NewExecutionContext(executionID, workflowID, userID string, input any, logger *slog.Logger) *ExecutionContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		Input:       input,
		NodeOutputs: make(map[string]any),
		Variables:   make(map[string]any),
		Logger:      logger,
	}
}

// Scope exposes the run state to the reference resolver. Resolution never writes.
func (ec *ExecutionContext) Scope() *expressions.Scope {
	return &expressions.Scope{Input: ec.Input, Nodes: ec.NodeOutputs, Vars: ec.Variables}
}

// Snapshot deep-copies the node outputs recorded so far.
func (ec *ExecutionContext) Snapshot() map[string]any {
	return expressions.DeepCopyMap(ec.NodeOutputs)
}

// SetOutput records a node's output. Nil outputs are not stored.
func (ec *ExecutionContext) SetOutput(nodeID string, output any) {
	if output == nil {
		return
	}
	ec.NodeOutputs[nodeID] = output
}

// SetVariables merges mapped variables into the scope.
func (ec *ExecutionContext) SetVariables(vars map[string]any) {
	for k, v := range vars {
		ec.Variables[k] = v
	}
}
