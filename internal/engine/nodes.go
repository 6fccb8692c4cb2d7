package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rendis/mcpflow/internal/expressions"
	"github.com/rendis/mcpflow/pkg/schema"
)

// NodeResult is the uniform envelope returned by every node executor.
type NodeResult struct {
	Success     bool
	Output      any
	Error       string
	Err         error // typed cause when available, used for classification
	CostCents   int
	DurationMs  int64
	RetryCount  int
	Input       any // resolved-input snapshot for the record
	ServiceSlug string
}

func failure(err error) *NodeResult {
	return &NodeResult{Error: schema.Message(err), Err: err}
}

// NodeExecutor runs one node kind. Implementations report failure in the
// envelope and never return an error.
type NodeExecutor interface {
	Execute(ctx context.Context, node *Node, ec *ExecutionContext) *NodeResult
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, node *Node, ec *ExecutionContext) *NodeResult

func (f NodeExecutorFunc) Execute(ctx context.Context, node *Node, ec *ExecutionContext) *NodeResult {
	return f(ctx, node, ec)
}

// Registry maps node kinds to executors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]NodeExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.NodeType]NodeExecutor)}
}

// Register binds kind (after alias normalization) to e, replacing any previous binding.
func (r *Registry) Register(kind schema.NodeType, e NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind.Normalize()] = e
}

// Get returns the executor for kind.
func (r *Registry) Get(kind schema.NodeType) (NodeExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind.Normalize()]
	return e, ok
}

// Dispatch runs node through its executor. Unknown kinds and panics become
// failure envelopes; DurationMs is always filled in.
func (r *Registry) Dispatch(ctx context.Context, node *Node, ec *ExecutionContext) (res *NodeResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			ec.Logger.Error("node executor panicked",
				slog.String("node_id", node.ID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			res = failure(schema.NewErrorf(schema.ErrCodeExecution, "panic: %v", p).WithNode(node.ID))
		}
		if res == nil {
			res = failure(schema.NewError(schema.ErrCodeExecution, "executor returned no result").WithNode(node.ID))
		}
		if res.DurationMs == 0 {
			res.DurationMs = time.Since(start).Milliseconds()
		}
	}()

	exec, ok := r.Get(node.Type)
	if !ok {
		return failure(schema.NewErrorf(schema.ErrCodeConfiguration, "Unknown node type: %s", node.RawType).WithNode(node.ID))
	}
	return exec.Execute(ctx, node, ec)
}

// --- Trigger ---

// TriggerExecutor passes the run input through unchanged.
type TriggerExecutor struct{}

func (TriggerExecutor) Execute(_ context.Context, _ *Node, ec *ExecutionContext) *NodeResult {
	return &NodeResult{Success: true, Output: ec.Input}
}

// --- Condition ---

// ConditionEvaluator is the boolean evaluation contract condition nodes rely on.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expression, language string, scope *expressions.Scope) bool
}

// ConditionExecutor records the evaluated outcome of a condition node.
type ConditionExecutor struct {
	Evaluator ConditionEvaluator
}

func (c ConditionExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) *NodeResult {
	var result bool
	if node.Condition != nil {
		result = c.Evaluator.Evaluate(ctx, node.Condition.Condition, node.Condition.Language, ec.Scope())
	}
	return &NodeResult{Success: true, Output: map[string]any{"conditionResult": result}}
}

// --- Output ---

// OutputTarget identifies where a store-type output node persists its payload.
type OutputTarget struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Config      map[string]any
}

// WebhookSink delivers an output snapshot to a URL.
type WebhookSink interface {
	Post(ctx context.Context, url string, payload any) error
}

// StorageSink persists an output snapshot.
type StorageSink interface {
	Store(ctx context.Context, target OutputTarget, payload any) error
}

// OutputExecutor snapshots the node outputs recorded so far and hands them to a sink.
// Sink failures are logged and never fail the node.
type OutputExecutor struct {
	Webhook WebhookSink
	Storage StorageSink
}

func (o OutputExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) *NodeResult {
	snapshot := ec.Snapshot()

	var data schema.OutputNodeData
	if node.Output != nil {
		data = *node.Output
	}

	switch data.OutputType {
	case schema.OutputWebhook:
		url, _ := data.Config["url"].(string)
		switch {
		case url == "":
			ec.Logger.Warn("webhook output has no url", slog.String("node_id", node.ID))
		case o.Webhook == nil:
			ec.Logger.Warn("no webhook sink configured", slog.String("node_id", node.ID))
		default:
			if err := o.Webhook.Post(ctx, url, snapshot); err != nil {
				ec.Logger.Warn("webhook delivery failed",
					slog.String("node_id", node.ID), slog.String("url", url), slog.String("error", err.Error()))
			}
		}
	case schema.OutputStore:
		if o.Storage == nil {
			ec.Logger.Warn("no storage sink configured", slog.String("node_id", node.ID))
			break
		}
		target := OutputTarget{ExecutionID: ec.ExecutionID, WorkflowID: ec.WorkflowID, NodeID: node.ID, Config: data.Config}
		if err := o.Storage.Store(ctx, target, snapshot); err != nil {
			ec.Logger.Warn("output store failed",
				slog.String("node_id", node.ID), slog.String("error", err.Error()))
		}
	case schema.OutputReturn, "":
	default:
		ec.Logger.Warn(fmt.Sprintf("unknown output type %q treated as return", data.OutputType),
			slog.String("node_id", node.ID))
	}

	return &NodeResult{Success: true, Output: snapshot}
}
