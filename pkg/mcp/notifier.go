package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/pkg/schema"
)

// ExecutionGetter loads executions to find their owner.
type ExecutionGetter interface {
	GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error)
}

// MCPNotifier pushes a message to the owner's MCP session whenever an
// execution finishes, including scheduled runs the user never called.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	execs     ExecutionGetter
	logger    *slog.Logger
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, execs ExecutionGetter, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, execs: execs, logger: logger}
}

// Start subscribes to terminal execution events and forwards them until ctx ends.
func (n *MCPNotifier) Start(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{
		schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled,
	}})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := n.Forward(ctx, ev); err != nil {
					n.logger.Warn("execution notification failed",
						slog.String("execution_id", ev.ExecutionID), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Forward sends one event to its execution owner's session.
// Best-effort: returns nil if the owner is not connected.
func (n *MCPNotifier) Forward(ctx context.Context, ev streaming.StreamEvent) error {
	exec, err := n.execs.GetExecution(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	sessionID, ok := n.sessions.SessionFor(exec.UserID)
	if !ok {
		return nil
	}
	err = n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "mcpflow",
		"data": map[string]any{
			"event":        ev.EventType,
			"execution_id": ev.ExecutionID,
			"workflow_id":  exec.WorkflowID,
			"status":       exec.Status,
			"error":        exec.ErrorMessage,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
