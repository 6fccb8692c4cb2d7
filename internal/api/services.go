package api

import (
	"net/http"

	"github.com/rendis/mcpflow/internal/services"
)

func (s *Server) discoveryAvailable(w http.ResponseWriter) bool {
	if s.deps.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "service discovery is not configured")
		return false
	}
	return true
}

func (s *Server) handleSearchServices(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryAvailable(w) {
		return
	}
	q := r.URL.Query()
	res, err := s.deps.Discovery.Search(r.Context(), services.SearchOptions{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryAvailable(w) {
		return
	}
	srv, err := s.deps.Discovery.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": srv, "descriptor": srv.Descriptor()})
}

func (s *Server) handleServiceCategories(w http.ResponseWriter, r *http.Request) {
	if !s.discoveryAvailable(w) {
		return
	}
	cats, err := s.deps.Discovery.Categories(r.Context())
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": cats})
}
