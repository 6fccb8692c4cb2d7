// Package api serves the mcpflow HTTP API: workflow CRUD, execution,
// execution history, progress streaming, service discovery and diagrams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/logging"
	"github.com/rendis/mcpflow/internal/services"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/internal/workflows"
)

// UserHeader carries the id of the calling user.
const UserHeader = "X-User-ID"

// Runner executes and cancels workflow runs. Satisfied by *engine.Executor.
type Runner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) error
}

// Discovery searches the service catalogue. Satisfied by *services.DiscoveryClient.
type Discovery interface {
	Search(ctx context.Context, opts services.SearchOptions) (*services.SearchResult, error)
	GetBySlug(ctx context.Context, slug string) (*services.Server, error)
	Categories(ctx context.Context) ([]string, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Workflows *workflows.Manager
	Runner    Runner
	Hub       streaming.EventHub // nil disables live tailing; streams replay the log only
	Discovery Discovery          // nil answers /api/services with 503
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server. A nil Workflows manager is built over Store without validation.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Workflows == nil {
		deps.Workflows = workflows.NewManager(deps.Store, nil)
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflows.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/stats", s.handleExecutionStats)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("DELETE /api/executions/{id}", s.handleCancelExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/executions/{id}/stream", s.handleExecutionStream)

	// Service discovery.
	mux.HandleFunc("GET /api/services", s.handleSearchServices)
	mux.HandleFunc("GET /api/services/categories", s.handleServiceCategories)
	mux.HandleFunc("GET /api/services/{slug}", s.handleGetService)

	return s.requireUser(mux)
}

// requireUser rejects requests without a user id and puts it on the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.WithUserID(r.Context(), userID)))
	})
}
