package api

import (
	"net/http"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/workflows"
	"github.com/rendis/mcpflow/pkg/schema"
)

// ownedExecution loads an execution of the calling user. Other users' executions are reported missing.
func (s *Server) ownedExecution(r *http.Request, id string) (*store.WorkflowExecution, error) {
	exec, err := s.deps.Store.GetExecution(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if exec.UserID != userFrom(r) {
		return nil, notFound("Execution")
	}
	return exec, nil
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := workflows.ClampPage(queryInt(r, "limit", workflows.DefaultPageSize), queryInt(r, "offset", 0))
	filter := store.ExecutionFilter{
		UserID:     userFrom(r),
		WorkflowID: r.URL.Query().Get("workflowId"),
		Limit:      limit,
		Offset:     offset,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := schema.ExecutionStatus(v)
		filter.Status = &st
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	total, err := s.deps.Store.CountExecutions(r.Context(), filter)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows.NewPage(execs, total, limit, offset))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r, r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	nodes, err := s.deps.Store.ListNodeExecutions(r.Context(), exec.ID)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []*store.NodeExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution":      exec,
		"nodeExecutions": nodes,
	})
}

// handleCancelExecution cancels a pending or running execution. Terminal ones yield 409.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r, r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if err := s.deps.Runner.Cancel(r.Context(), exec.ID); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleExecutionEvents replays the event log. since is the last sequence already seen.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r, r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	events, err := s.deps.Store.GetEvents(r.Context(), exec.ID, int64(queryInt(r, "since", 0)))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.ExecutionStats(r.Context(), userFrom(r))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
