package api

import (
	"net/http"

	"github.com/rendis/mcpflow/internal/diagram"
	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/workflows"
	"github.com/rendis/mcpflow/pkg/schema"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var status *schema.WorkflowStatus
	if v := r.URL.Query().Get("status"); v != "" {
		ws := schema.WorkflowStatus(v)
		status = &ws
	}
	page, err := s.deps.Workflows.List(r.Context(), userFrom(r), status,
		queryInt(r, "limit", workflows.DefaultPageSize), queryInt(r, "offset", 0))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body workflows.CreateInput
	if err := decodeJSON(r, &body); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	wf, err := s.deps.Workflows.Create(r.Context(), userFrom(r), body)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": wf})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": wf})
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body store.WorkflowUpdate
	if err := decodeJSON(r, &body); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	wf, err := s.deps.Workflows.Update(r.Context(), userFrom(r), r.PathValue("id"), body)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": wf})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workflows.Delete(r.Context(), userFrom(r), r.PathValue("id")); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleExecute runs an active workflow synchronously and returns its result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(r)

	wf, err := s.deps.Workflows.Get(ctx, userID, r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if wf.Status != schema.WorkflowActive {
		writeError(w, http.StatusBadRequest, "Workflow is not active")
		return
	}

	var body struct {
		Input any `json:"input"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	res, err := s.deps.Runner.Execute(ctx, engine.ExecuteRequest{Workflow: wf, UserID: userID, Input: body.Input})
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDiagram renders a workflow as Mermaid text (default) or a PNG image.
// executionId overlays the node outcomes of that run.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(r)

	wf, err := s.deps.Workflows.Get(ctx, userID, r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	var execs []*store.NodeExecution
	if execID := r.URL.Query().Get("executionId"); execID != "" {
		exec, err := s.ownedExecution(r, execID)
		if err != nil {
			s.writeFlowError(w, r, err)
			return
		}
		if exec.WorkflowID != wf.ID {
			s.writeFlowError(w, r, schema.NewError(schema.ErrCodeValidation, "execution belongs to another workflow"))
			return
		}
		if execs, err = s.deps.Store.ListNodeExecutions(ctx, execID); err != nil {
			s.writeFlowError(w, r, err)
			return
		}
	}

	model, err := diagram.Build(&wf.Definition, execs)
	if err != nil {
		s.writeFlowError(w, r, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err))
		return
	}
	model.Title = wf.Name

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "png", "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			s.writeFlowError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid or png")
	}
}
