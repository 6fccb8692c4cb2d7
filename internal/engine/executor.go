package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/mcpflow/internal/expressions"
	"github.com/rendis/mcpflow/internal/logging"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency for parallel waves.
const DefaultPoolSize = 10

// InlineWorkflowID is recorded for runs of a definition that is not stored.
const InlineWorkflowID = "inline"

// ExecutorConfig holds the executor's collaborators. Store is required.
type ExecutorConfig struct {
	Store          store.Store
	Events         EventAppender      // event log; nil logs through Store
	Hub            streaming.EventHub // nil disables live progress
	Client         ServiceClient
	Validator      InputValidator
	Webhook        WebhookSink
	Storage        StorageSink
	Evaluator      ConditionEvaluator // nil builds the default expr/cel evaluator
	PoolSize       int
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	Logger         *slog.Logger
}

// ExecuteRequest asks for one run. Set Workflow for a stored workflow or
// Definition for an inline one.
type ExecuteRequest struct {
	Workflow   *store.Workflow
	Definition *schema.WorkflowDefinition
	WorkflowID string // recorded for inline runs; defaults to InlineWorkflowID
	UserID     string
	Input      any
}

// ExecutionResult is the outcome of a run.
type ExecutionResult struct {
	Success        bool                   `json:"success"`
	ExecutionID    string                 `json:"executionId"`
	Status         schema.ExecutionStatus `json:"status"`
	Output         any                    `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	DurationMs     int64                  `json:"durationMs"`
	TotalCostCents int                    `json:"totalCostCents"`
}

// Executor runs workflow graphs.
type Executor struct {
	store     store.Store
	recorder  *Recorder
	registry  *Registry
	evaluator ConditionEvaluator
	mapper    *expressions.GoJQEngine
	pool      *WorkerPool
	breakers  *CircuitBreakerRegistry
	logger    *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor wires an executor and registers the built-in node kinds.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "executor requires a store")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	evaluator := cfg.Evaluator
	if evaluator == nil {
		ce, err := expressions.NewConditionEvaluator(logger)
		if err != nil {
			return nil, err
		}
		evaluator = ce
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	e := &Executor{
		store:     cfg.Store,
		recorder:  NewRecorder(cfg.Store, cfg.Events, cfg.Hub, logger),
		registry:  NewRegistry(),
		evaluator: evaluator,
		mapper:    expressions.NewGoJQEngine(),
		pool:      NewWorkerPool(cfg.PoolSize),
		breakers:  NewCircuitBreakerRegistry(cbConfig),
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}

	e.registry.Register(schema.NodeTypeTrigger, TriggerExecutor{})
	e.registry.Register(schema.NodeTypeCondition, ConditionExecutor{Evaluator: evaluator})
	e.registry.Register(schema.NodeTypeOutput, OutputExecutor{Webhook: cfg.Webhook, Storage: cfg.Storage})
	e.registry.Register(schema.NodeTypeService, &ServiceExecutor{
		Client:    cfg.Client,
		Breakers:  e.breakers,
		Validator: cfg.Validator,
		Notify:    e.circuitChanged,
	})
	return e, nil
}

// Registry exposes the node executor registry so callers can add kinds.
func (e *Executor) Registry() *Registry { return e.registry }

// Breakers exposes the shared circuit breaker registry.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Shutdown stops the worker pool after in-flight waves finish.
func (e *Executor) Shutdown() { e.pool.Shutdown() }

// Cancel marks a pending or running execution cancelled and interrupts it if it runs here.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	if err := e.store.CancelExecution(ctx, executionID, time.Now().UTC()); err != nil {
		return err
	}
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Running reports whether the execution is in flight in this process.
func (e *Executor) Running(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[executionID]
	return ok
}

// Execute runs a workflow to a terminal status. The error is non-nil only
// when the execution record could not be created; every other failure is
// reported in the result.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	def, workflowID, stored, err := req.resolve()
	if err != nil {
		return nil, err
	}

	exec, err := e.recorder.Begin(ctx, workflowID, req.UserID, req.Input)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	runCtx = logging.WithRun(runCtx, exec.ID, workflowID, req.UserID)
	logger := e.runLogger(def).With(
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", workflowID))

	r := &run{
		def:      def,
		ec:       NewExecutionContext(exec.ID, workflowID, req.UserID, req.Input, logger),
		started:  exec.StartedAt,
		visited:  make(map[string]bool),
		attempts: make(map[string]int),
		runCtx:   runCtx,
	}

	logger.Info("execution started")
	out := e.execute(runCtx, r)
	out.DurationMs = time.Since(r.started).Milliseconds()

	// The run context may be cancelled; the final writes must still land.
	finCtx := context.WithoutCancel(ctx)
	out = e.recorder.Finish(finCtx, exec.ID, out)
	if stored {
		e.recorder.CountRun(finCtx, workflowID, out.Status == schema.ExecutionCompleted, out.TotalCostCents)
	}

	logger.Info("execution finished",
		slog.String("status", string(out.Status)),
		slog.Int64("duration_ms", out.DurationMs),
		slog.Int("total_cost_cents", out.TotalCostCents))

	return &ExecutionResult{
		Success:        out.Status == schema.ExecutionCompleted,
		ExecutionID:    exec.ID,
		Status:         out.Status,
		Output:         out.Output,
		Error:          out.Error,
		DurationMs:     out.DurationMs,
		TotalCostCents: out.TotalCostCents,
	}, nil
}

func (req ExecuteRequest) resolve() (*schema.WorkflowDefinition, string, bool, error) {
	switch {
	case req.Workflow != nil:
		return &req.Workflow.Definition, req.Workflow.ID, true, nil
	case req.Definition != nil:
		id := req.WorkflowID
		if id == "" {
			id = InlineWorkflowID
		}
		return req.Definition, id, false, nil
	}
	return nil, "", false, schema.NewError(schema.ErrCodeValidation, "workflow or definition is required")
}

// runLogger applies settings.logLevel on top of the executor's handler.
func (e *Executor) runLogger(def *schema.WorkflowDefinition) *slog.Logger {
	level, ok := logging.ParseLevel(def.Settings.LogLevel)
	if !ok {
		return e.logger
	}
	return slog.New(logging.WithLevel(e.logger.Handler(), level))
}

// run is the traversal state of one execution. Only the traversal goroutine mutates it.
type run struct {
	def     *schema.WorkflowDefinition
	graph   *Graph
	ec      *ExecutionContext
	started time.Time
	runCtx  context.Context // cancelled by Cancel or the caller, never by the workflow timeout

	queue    []string
	visited  map[string]bool
	attempts map[string]int // retries already spent per node

	cost        int
	finalOutput any
	hasFinal    bool
	completed   []string
	failed      []string
}

// execute recovers anything the traversal throws into a failed outcome.
func (e *Executor) execute(ctx context.Context, r *run) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.ec.Logger.Error("traversal panicked", slog.Any("panic", p))
			out = Outcome{
				Status:         schema.ExecutionFailed,
				Error:          fmt.Sprintf("panic: %v", p),
				CompletedNodes: r.completed,
				FailedNodes:    r.failed,
			}
		}
	}()

	g, err := ParseGraph(r.def)
	if err != nil {
		return r.outcome(schema.ExecutionFailed, schema.Message(err))
	}
	r.graph = g

	if len(g.Triggers) == 0 {
		return r.outcome(schema.ExecutionFailed, "No trigger node found")
	}

	if ms := g.Settings.Timeout; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	return e.traverse(ctx, r)
}

func (e *Executor) traverse(ctx context.Context, r *run) Outcome {
	r.queue = append([]string(nil), r.graph.Triggers...)

	for len(r.queue) > 0 {
		if out, stop := e.interrupted(ctx, r); stop {
			return out
		}

		var fatal string
		if r.graph.Settings.ParallelExecution {
			fatal = e.runWave(ctx, r)
		} else {
			fatal = e.runNext(ctx, r)
		}
		if fatal != "" {
			// A timeout or cancel that broke the node takes precedence over its error.
			if out, stop := e.interrupted(ctx, r); stop {
				return out
			}
			return r.outcome(schema.ExecutionFailed, fatal)
		}
	}

	out := r.outcome(schema.ExecutionCompleted, "")
	if r.hasFinal {
		out.Output = r.finalOutput
	} else {
		out.Output = r.ec.Snapshot()
	}
	return out
}

func (r *run) outcome(status schema.ExecutionStatus, msg string) Outcome {
	return Outcome{
		Status:         status,
		Error:          msg,
		TotalCostCents: r.cost,
		CompletedNodes: r.completed,
		FailedNodes:    r.failed,
	}
}

// interrupted checks cancellation sources before a dispatch.
func (e *Executor) interrupted(ctx context.Context, r *run) (Outcome, bool) {
	if ctx.Err() != nil {
		if r.runCtx.Err() != nil {
			return r.outcome(schema.ExecutionCancelled, "Execution cancelled"), true
		}
		return r.outcome(schema.ExecutionFailed,
			fmt.Sprintf("Workflow timed out after %dms", r.graph.Settings.Timeout)), true
	}
	status, err := e.recorder.Status(ctx, r.ec.ExecutionID)
	if err == nil && status == schema.ExecutionCancelled {
		return r.outcome(schema.ExecutionCancelled, "Execution cancelled"), true
	}
	return Outcome{}, false
}

// runNext pops and settles one node. It returns the fatal error message, if any.
func (e *Executor) runNext(ctx context.Context, r *run) string {
	id := r.queue[0]
	r.queue = r.queue[1:]
	if r.visited[id] {
		return ""
	}
	node := r.graph.Nodes[id]

	if msg := e.checkCost(ctx, r, node, r.cost); msg != "" {
		return msg
	}
	res, started := e.dispatch(ctx, r, node)
	return e.settle(ctx, r, node, res, started)
}

// runWave takes the next wave off the queue, runs its nodes concurrently
// and settles their results in queue order. Every dispatched node is
// recorded, including those settled after another node of the wave aborted.
func (e *Executor) runWave(ctx context.Context, r *run) string {
	wave := r.nextWave()

	projected := r.cost
	for _, node := range wave {
		if msg := e.checkCost(ctx, r, node, projected); msg != "" {
			return msg
		}
		projected += serviceCost(node)
	}

	results := make([]*NodeResult, len(wave))
	starts := make([]time.Time, len(wave))
	tasks := make([]func(context.Context), len(wave))
	for i, node := range wave {
		i, node := i, node
		tasks[i] = func(taskCtx context.Context) {
			results[i], starts[i] = e.dispatch(taskCtx, r, node)
		}
	}
	if err := e.pool.RunAll(ctx, tasks); err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		return "worker pool: " + err.Error()
	}

	var fatal string
	for i, node := range wave {
		res := results[i]
		switch {
		case res == nil:
			// Never dispatched: the context ended first. Leave it for the interrupt check.
			r.queue = append(r.queue, node.ID)
		case fatal != "":
			e.recordOnly(ctx, r, node, res, starts[i])
		default:
			fatal = e.settle(ctx, r, node, res, starts[i])
		}
	}
	return fatal
}

// nextWave pops the longest queue prefix whose nodes can run side by side
// without changing what a one-at-a-time run would observe. It stops before
//   - an output node that is not first, since it snapshots earlier outputs;
//   - a node that reads an output of a node already in the wave;
//   - a node that reads $var once a wave node has edge mappings.
func (r *run) nextWave() []*Node {
	var (
		wave    []*Node
		mapping bool
	)
	inWave := make(map[string]bool, len(r.queue))
	rest := 0
	for ; rest < len(r.queue); rest++ {
		id := r.queue[rest]
		if r.visited[id] || inWave[id] {
			continue
		}
		node := r.graph.Nodes[id]
		if len(wave) > 0 && (node.Type == schema.NodeTypeOutput || r.dependsOn(node, inWave, mapping)) {
			break
		}
		wave = append(wave, node)
		inWave[id] = true
		mapping = mapping || r.mapsVariables(id)
	}
	r.queue = append([]string(nil), r.queue[rest:]...)
	return wave
}

func (r *run) dependsOn(node *Node, inWave map[string]bool, mapping bool) bool {
	for _, src := range node.Reads() {
		if inWave[src] || (src == expressions.SourceVar && mapping) {
			return true
		}
	}
	return false
}

func (r *run) mapsVariables(id string) bool {
	for _, edge := range r.graph.Outgoing[id] {
		if edge.Data != nil && len(edge.Data.Mapping) > 0 {
			return true
		}
	}
	return false
}

// recordOnly books a wave result that arrived after the run was already
// aborting: the visit is recorded and its charge counted, nothing downstream runs.
func (e *Executor) recordOnly(ctx context.Context, r *run, node *Node, res *NodeResult, started time.Time) {
	e.recorder.RecordNode(ctx, r.ec.ExecutionID, node, res, started)
	if res.Success {
		r.completed = append(r.completed, node.ID)
		r.cost += res.CostCents
		return
	}
	r.failed = append(r.failed, node.ID)
}

func serviceCost(node *Node) int {
	if node.Service == nil || node.Service.MCPServer == nil {
		return 0
	}
	return node.Service.MCPServer.CostPerCallCents
}

// checkCost fails a service node whose charge would push spent above settings.maxCostCents.
// The refused visit is recorded like any other failure.
func (e *Executor) checkCost(ctx context.Context, r *run, node *Node, spent int) string {
	ceiling := r.graph.Settings.MaxCostCents
	if ceiling <= 0 || node.Type != schema.NodeTypeService {
		return ""
	}
	cost := serviceCost(node)
	if cost == 0 || spent+cost <= ceiling {
		return ""
	}
	err := costCeilingError(node.ID, ceiling)
	res := failure(err)
	res.RetryCount = r.attempts[node.ID]
	e.recorder.RecordNode(ctx, r.ec.ExecutionID, node, res, time.Now().UTC())
	r.failed = append(r.failed, node.ID)
	return schema.Message(err)
}

func (e *Executor) dispatch(ctx context.Context, r *run, node *Node) (*NodeResult, time.Time) {
	e.recorder.SetCurrentNode(ctx, r.ec.ExecutionID, node.ID)
	e.recorder.Emit(ctx, r.ec.ExecutionID, node.ID, schema.EventNodeStarted, map[string]any{
		"type":    string(node.Type),
		"attempt": r.attempts[node.ID] + 1,
	})

	started := time.Now().UTC()
	res := e.registry.Dispatch(logging.WithNodeID(ctx, node.ID), node, r.ec)
	res.RetryCount = r.attempts[node.ID]
	return res, started
}

// settle records one visit, applies the error strategy and enqueues downstream nodes.
func (e *Executor) settle(ctx context.Context, r *run, node *Node, res *NodeResult, started time.Time) string {
	e.recorder.RecordNode(ctx, r.ec.ExecutionID, node, res, started)
	logger := r.ec.Logger.With(slog.String("node_id", node.ID))

	if res.Success {
		r.completed = append(r.completed, node.ID)
	} else {
		r.failed = append(r.failed, node.ID)
		h := HandleNodeError(node, r.attempts[node.ID], res)

		switch h.Action {
		case ActionAbort:
			logger.Warn("node failed", slog.String("error", res.Error))
			return fmt.Sprintf("Node \"%s\" failed: %s", node.DisplayName(), res.Error)

		case ActionRetry:
			r.attempts[node.ID]++
			e.recorder.Emit(ctx, r.ec.ExecutionID, node.ID, schema.EventNodeRetrying, map[string]any{
				"attempt":   r.attempts[node.ID],
				"delay_ms":  h.Delay.Milliseconds(),
				"retryable": h.Retryable,
				"error":     res.Error,
			})
			logger.Info("retrying node", slog.Int("attempt", r.attempts[node.ID]), slog.Duration("delay", h.Delay))
			r.queue = append([]string{node.ID}, r.queue...)
			// A cancelled wait surfaces at the next interrupt check.
			_ = WaitForBackoff(ctx, h.Delay)
			return ""

		case ActionContinue:
			if h.Strategy == schema.OnErrorSkip {
				e.recorder.Emit(ctx, r.ec.ExecutionID, node.ID, schema.EventNodeSkipped, map[string]any{"error": res.Error})
			}
			logger.Warn("node failed, continuing",
				slog.String("strategy", string(h.Strategy)),
				slog.Bool("retries_exhausted", h.Exhausted),
				slog.String("error", res.Error))
		}
	}

	r.visited[node.ID] = true
	r.cost += res.CostCents
	r.ec.SetOutput(node.ID, res.Output)
	if res.Success && node.Type == schema.NodeTypeOutput {
		r.finalOutput = res.Output
		r.hasFinal = true
		e.recorder.Emit(ctx, r.ec.ExecutionID, node.ID, schema.EventOutputDelivered, nil)
	}

	for _, edge := range r.graph.Outgoing[node.ID] {
		if res.Success && edge.Data != nil && len(edge.Data.Mapping) > 0 {
			e.applyMapping(ctx, r, edge, res.Output)
		}
		if !e.follow(ctx, r, node, res, edge) {
			e.recorder.Emit(ctx, r.ec.ExecutionID, node.ID, schema.EventEdgePruned, map[string]any{"target": edge.Target})
			continue
		}
		r.queue = append(r.queue, edge.Target)
	}
	return ""
}

// applyMapping runs an edge's jq mapping over the source output into the run variables.
func (e *Executor) applyMapping(ctx context.Context, r *run, edge schema.WorkflowEdge, output any) {
	vars, err := e.mapper.ApplyMapping(ctx, edge.Data.Mapping, output)
	if err != nil {
		r.ec.Logger.Warn("edge mapping failed",
			slog.String("source", edge.Source), slog.String("target", edge.Target), slog.String("error", err.Error()))
	}
	r.ec.SetVariables(vars)
}

// follow decides whether an edge is taken. Branch tags are "true" and "false".
// A tag on an edge into a condition is checked against that downstream
// condition, evaluated now. Otherwise a tag on an edge leaving a condition is
// checked against the source's result.
func (e *Executor) follow(ctx context.Context, r *run, src *Node, srcRes *NodeResult, edge schema.WorkflowEdge) bool {
	tag := branchTag(edge.SourceHandle)

	target := r.graph.Nodes[edge.Target]
	var (
		downstream    bool
		hasDownstream bool
	)
	if target.Type == schema.NodeTypeCondition && target.Condition != nil && !r.visited[target.ID] {
		downstream = e.evaluator.Evaluate(ctx, target.Condition.Condition, target.Condition.Language, r.ec.Scope())
		hasDownstream = true
		e.recorder.Emit(ctx, r.ec.ExecutionID, target.ID, schema.EventConditionEvaluated, map[string]any{
			"result": downstream,
			"source": src.ID,
		})
	}

	if tag == "" {
		return true
	}
	if hasDownstream {
		return tag == strconv.FormatBool(downstream)
	}
	if src.Type == schema.NodeTypeCondition {
		return tag == strconv.FormatBool(conditionResult(srcRes.Output))
	}
	return true
}

func branchTag(handle string) string {
	if handle == "true" || handle == "false" {
		return handle
	}
	return ""
}

func conditionResult(output any) bool {
	m, ok := output.(map[string]any)
	if !ok {
		return false
	}
	b, _ := m["conditionResult"].(bool)
	return b
}

// circuitChanged emits the breaker transition seen by a service node.
func (e *Executor) circuitChanged(ctx context.Context, ec *ExecutionContext, nodeID, slug string, state CircuitState) {
	var eventType string
	switch state {
	case CircuitOpen:
		eventType = schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		eventType = schema.EventCircuitBreakerHalfOpen
	default:
		eventType = schema.EventCircuitBreakerClosed
	}
	ec.Logger.Warn("circuit breaker state changed", slog.String("service", slug), slog.String("state", state.String()))
	e.recorder.Emit(ctx, ec.ExecutionID, nodeID, eventType, map[string]any{"service": slug})
}
