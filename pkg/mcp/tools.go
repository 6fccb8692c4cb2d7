package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mcpflow/internal/diagram"
	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/workflows"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// handleRun executes a stored workflow or an inline definition and returns the result.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	input := mcp.ParseStringMap(req, "input", nil)
	if input == nil {
		input = map[string]any{}
	}
	run := engine.ExecuteRequest{UserID: userID, Input: input}

	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		wf, getErr := s.workflows.Get(ctx, userID, workflowID)
		if getErr != nil {
			return toolError(getErr), nil
		}
		if wf.Status != schema.WorkflowActive {
			return mcp.NewToolResultError("Workflow is not active"), nil
		}
		run.Workflow = wf
	} else {
		def, defErr := parseDefinition(req)
		if defErr != nil {
			return toolError(defErr), nil
		}
		if s.validator != nil {
			if err := s.validator.Validate(def).ToError(); err != nil {
				return toolError(err), nil
			}
		}
		run.Definition = def
	}

	result, runErr := s.runner.Execute(ctx, run)
	if runErr != nil {
		return toolError(runErr), nil
	}
	return marshalResult(result)
}

// handleStatus returns an execution and its node executions.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exec, errResult := s.ownedExecution(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	nodes, err := s.store.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		return toolError(err), nil
	}
	if nodes == nil {
		nodes = []*store.NodeExecution{}
	}
	return marshalResult(map[string]any{
		"execution":      exec,
		"nodeExecutions": nodes,
	})
}

// handleCancel cancels a pending or running execution.
func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exec, errResult := s.ownedExecution(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.runner.Cancel(ctx, exec.ID); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"success":      true,
		"execution_id": exec.ID,
	})
}

// handleListExecutions pages through a user's executions.
func (s *FlowServer) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	limit, offset := workflows.ClampPage(req.GetInt("limit", workflows.DefaultPageSize), req.GetInt("offset", 0))
	filter := store.ExecutionFilter{
		UserID:     userID,
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      limit,
		Offset:     offset,
	}
	if status := req.GetString("status", ""); status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}

	execs, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	total, err := s.store.CountExecutions(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(workflows.NewPage(execs, total, limit, offset))
}

// handleDefine creates a workflow, or updates the given one.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	var def *schema.WorkflowDefinition
	if mcp.ParseStringMap(req, "definition", nil) != nil {
		if def, err = parseDefinition(req); err != nil {
			return toolError(err), nil
		}
	}
	update := store.WorkflowUpdate{Definition: def}
	if v := req.GetString("name", ""); v != "" {
		update.Name = &v
	}
	if v := req.GetString("description", ""); v != "" {
		update.Description = &v
	}
	if v := req.GetString("status", ""); v != "" {
		st := schema.WorkflowStatus(v)
		update.Status = &st
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		in := workflows.CreateInput{Definition: def}
		if update.Name != nil {
			in.Name = *update.Name
		}
		if update.Description != nil {
			in.Description = *update.Description
		}
		wf, createErr := s.workflows.Create(ctx, userID, in)
		if createErr != nil {
			return toolError(createErr), nil
		}
		if update.Status == nil || *update.Status == wf.Status {
			return marshalResult(map[string]any{"data": wf})
		}
		workflowID = wf.ID
		update = store.WorkflowUpdate{Status: update.Status}
	}

	wf, updateErr := s.workflows.Update(ctx, userID, workflowID, update)
	if updateErr != nil {
		return toolError(updateErr), nil
	}
	return marshalResult(map[string]any{"data": wf})
}

// handleValidate reports the validation result of a definition.
func (s *FlowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validation is not configured"), nil
	}
	def, err := parseDefinition(req)
	if err != nil {
		return toolError(err), nil
	}
	result := s.validator.Validate(def)
	errs, warnings := result.Errors, result.Warnings
	if errs == nil {
		errs = []schema.ValidationIssue{}
	}
	if warnings == nil {
		warnings = []schema.ValidationIssue{}
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   errs,
		"warnings": warnings,
	})
}

// handleDiagram draws a stored or inline workflow, optionally with an execution's status overlay.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}
	userID := req.GetString("user_id", "")

	var (
		def   *schema.WorkflowDefinition
		title string
	)
	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		wf, err := s.workflows.Get(ctx, userID, workflowID)
		if err != nil {
			return toolError(err), nil
		}
		def, title = &wf.Definition, wf.Name
	} else if mcp.ParseStringMap(req, "definition", nil) != nil {
		parsed, err := parseDefinition(req)
		if err != nil {
			return toolError(err), nil
		}
		def = parsed
	} else {
		return mcp.NewToolResultError("one of workflow_id or definition is required"), nil
	}

	var nodes []*store.NodeExecution
	if execID := req.GetString("execution_id", ""); execID != "" {
		exec, err := s.store.GetExecution(ctx, execID)
		if err != nil {
			return toolError(err), nil
		}
		if userID != "" && exec.UserID != userID {
			return mcp.NewToolResultError("Execution not found"), nil
		}
		if nodes, err = s.store.ListNodeExecutions(ctx, exec.ID); err != nil {
			return toolError(err), nil
		}
	}

	model, err := diagram.Build(def, nodes)
	if err != nil {
		return toolError(err), nil
	}
	if title != "" {
		model.Title = title
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	png, err := diagram.RenderImage(ctx, model)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}

// --- Internal helpers ---

// ownedExecution loads execution_id for user_id. Other users' executions are reported missing.
func (s *FlowServer) ownedExecution(ctx context.Context, req mcp.CallToolRequest) (*store.WorkflowExecution, *mcp.CallToolResult) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return nil, mcp.NewToolResultError("execution_id is required")
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return nil, mcp.NewToolResultError("user_id is required")
	}
	s.captureSession(ctx, userID)

	exec, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, toolError(err)
	}
	if exec.UserID != userID {
		return nil, mcp.NewToolResultError("Execution not found")
	}
	return exec, nil
}

// parseDefinition converts the "definition" object argument into a WorkflowDefinition.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is required")
	}
	data, err := xjson.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid definition: %v", err)
	}
	var def schema.WorkflowDefinition
	if err := xjson.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid definition: %v", err)
	}
	return &def, nil
}

// captureSession maps the user to the calling MCP session for completion notifications.
func (s *FlowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError renders an error as a tool error result, carrying validation details when present.
func toolError(err error) *mcp.CallToolResult {
	msg := schema.Message(err)
	if code := schema.ErrorCode(err); code != "" {
		msg = code + ": " + msg
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) && len(fe.Details) > 0 {
		if details, mErr := xjson.Marshal(fe.Details); mErr == nil {
			msg += "\n" + string(details)
		}
	}
	return mcp.NewToolResultError(msg)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(xjson.RawMessage(data))
}
