package services

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/pkg/schema"
)

// GatewayClient calls services through the hosted MCP gateway: one POST per call to <base>/call.
type GatewayClient struct {
	baseURL string
	http    *http.Client
	limit   int64
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL string, cfg HTTPConfig) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    cfg.client(),
		limit:   cfg.maxBody(),
	}
}

type gatewayRequest struct {
	Server string         `json:"server"`
	Inputs map[string]any `json:"inputs"`
	Config map[string]any `json:"config"`
}

// Call posts {server, inputs, config} and returns the decoded response body.
func (g *GatewayClient) Call(ctx context.Context, call engine.ServiceCall) (any, error) {
	if g.baseURL == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "No MCP gateway URL configured")
	}
	if call.Service == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "No MCP server configured")
	}

	inputs := call.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	config := call.Config
	if config == nil {
		config = map[string]any{}
	}

	var out any
	err := doJSON(ctx, g.http, g.limit, http.MethodPost, g.baseURL+"/call",
		gatewayRequest{Server: call.Service.Key(), Inputs: inputs, Config: config}, &out)
	if err == nil {
		return out, nil
	}

	var se *httpStatusError
	if errors.As(err, &se) {
		return nil, schema.NewErrorf(schema.ErrCodeService, "MCP server call failed: %s", se.Status).
			WithDetails(map[string]any{"status_code": se.StatusCode, "server": call.Service.Key()})
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if schema.ErrorCode(err) != "" {
		return nil, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeService, "MCP server call failed: %s", err.Error()).WithCause(err)
}
