package sinks

import (
	"context"
	"strings"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/pkg/schema"
)

// Backend persists one snapshot for a store-type output node.
type Backend interface {
	Store(ctx context.Context, target engine.OutputTarget, payload any) error
}

// Storage picks a backend from config.backend. An empty backend means db.
type Storage struct {
	backends map[string]Backend
}

// NewStorage creates a router with no backends.
func NewStorage() *Storage {
	return &Storage{backends: make(map[string]Backend)}
}

// With registers b under name and returns s for chaining. A nil backend is ignored.
func (s *Storage) With(name string, b Backend) *Storage {
	if b != nil {
		s.backends[name] = b
	}
	return s
}

// Store satisfies engine.StorageSink.
func (s *Storage) Store(ctx context.Context, target engine.OutputTarget, payload any) error {
	name, _ := target.Config["backend"].(string)
	if name == "" {
		name = schema.StoreBackendDB
	}
	b, ok := s.backends[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeSink, "storage backend %q is not configured", name)
	}
	return b.Store(ctx, target, payload)
}

// outputKey is config.key when set, else "<execution>/<node>".
func outputKey(target engine.OutputTarget) string {
	if k, ok := target.Config["key"].(string); ok && strings.TrimSpace(k) != "" {
		return k
	}
	return target.ExecutionID + "/" + target.NodeID
}
