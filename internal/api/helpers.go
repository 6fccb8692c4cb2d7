package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/mcpflow/internal/logging"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

const maxBodyBytes = 4 << 20

func userFrom(r *http.Request) string {
	return logging.UserID(r.Context())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := xjson.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps err's code to an HTTP status and writes it.
// Details ride along for validation errors.
func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := map[string]any{"error": schema.Message(err)}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		body["code"] = fe.Code
		if len(fe.Details) > 0 {
			body["details"] = fe.Details
		}
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeConfiguration:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "read body: %v", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(raw, v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "Invalid request body").WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func notFound(what string) error {
	return schema.NewError(schema.ErrCodeNotFound, fmt.Sprintf("%s not found", what))
}
