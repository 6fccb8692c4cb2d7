package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/internal/workflows"
)

// Runner executes and cancels workflow runs. Satisfied by *engine.Executor.
type Runner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) error
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Runner    Runner
	Store     store.Store
	Workflows *workflows.Manager
	Validator workflows.DefinitionValidator
	Hub       streaming.EventHub // nil disables completion notifications
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with the mcpflow tool handlers.
type FlowServer struct {
	runner    Runner
	store     store.Store
	workflows *workflows.Manager
	validator workflows.DefinitionValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all seven tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	manager := deps.Workflows
	if manager == nil && deps.Store != nil {
		manager = workflows.NewManager(deps.Store, deps.Validator)
	}

	s := &FlowServer{
		runner:    deps.Runner,
		store:     deps.Store,
		workflows: manager,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"mcpflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("mcpflow runs workflow graphs of MCP service calls. Use mcpflow.define to create or update a workflow, mcpflow.validate to check a definition, mcpflow.run to execute one, mcpflow.status and mcpflow.list_executions to inspect runs, mcpflow.cancel to stop a run, and mcpflow.diagram to draw a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// With a hub configured, callers are notified when their executions finish.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.hub != nil && s.store != nil {
		n := NewMCPNotifier(s.mcpServer, s.sessions, s.store, s.logger)
		if err := n.Start(ctx, s.hub); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user to session mapping filled by tool calls.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("mcpflow.run",
		mcp.WithDescription("Execute a stored workflow or an inline definition"),
		mcp.WithString("workflow_id", mcp.Description("ID of an active stored workflow")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (used when workflow_id is absent)")),
		mcp.WithObject("input", mcp.Description("Input exposed to nodes as $input")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user running the workflow")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("mcpflow.status",
		mcp.WithDescription("Get an execution and its node executions"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the owning user")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("mcpflow.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the owning user")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("mcpflow.list_executions",
		mcp.WithDescription("List a user's executions, newest first"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the owning user")),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "completed", "failed", "cancelled"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 200)")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("mcpflow.define",
		mcp.WithDescription("Create a workflow, or update one when workflow_id is given"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the owning user")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to update")),
		mcp.WithString("name", mcp.Description("Workflow name (required on create)")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("status",
			mcp.Enum("draft", "active", "archived"),
			mcp.Description("New status; activation validates the definition"),
		),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("mcpflow.validate",
		mcp.WithDescription("Validate a workflow definition and report errors and warnings"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("mcpflow.diagram",
		mcp.WithDescription("Draw a workflow as Mermaid flowchart syntax or a base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Stored workflow to draw")),
		mcp.WithObject("definition", mcp.Description("Inline definition to draw (used when workflow_id is absent)")),
		mcp.WithString("execution_id", mcp.Description("Overlay node statuses from this execution")),
		mcp.WithString("user_id", mcp.Description("Owner of the workflow or execution")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format (default mermaid)"),
		),
	)
}
