package services

import (
	"context"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/pkg/schema"
)

// Router sends calls for services that carry their own endpoint or command to
// the direct MCP client and everything else to the gateway.
type Router struct {
	Direct  engine.ServiceClient
	Gateway engine.ServiceClient
}

func (r *Router) Call(ctx context.Context, call engine.ServiceCall) (any, error) {
	if call.Service != nil && (call.Service.Endpoint != "" || call.Service.Command != "") {
		if r.Direct == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no MCP client for service %s", call.Service.Key())
		}
		return r.Direct.Call(ctx, call)
	}
	if r.Gateway == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "No MCP gateway URL configured")
	}
	return r.Gateway.Call(ctx, call)
}
