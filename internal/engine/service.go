package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/rendis/mcpflow/internal/expressions"
	"github.com/rendis/mcpflow/pkg/schema"
)

// ServiceCall is one invocation of an MCP service on behalf of a service node.
type ServiceCall struct {
	Service *schema.ServiceDescriptor
	Tool    string
	Inputs  map[string]any
	Config  map[string]any
}

// ServiceClient invokes MCP services.
type ServiceClient interface {
	Call(ctx context.Context, call ServiceCall) (any, error)
}

// InputValidator checks resolved inputs against a service's JSON Schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// CircuitNotifier is told when a service's breaker changes state.
type CircuitNotifier func(ctx context.Context, ec *ExecutionContext, nodeID, slug string, state CircuitState)

// ServiceExecutor resolves a service node's inputs and calls its MCP service.
type ServiceExecutor struct {
	Client    ServiceClient
	Breakers  *CircuitBreakerRegistry // nil disables circuit breaking
	Validator InputValidator          // nil skips input_schema checks
	Notify    CircuitNotifier
}

func (s *ServiceExecutor) Execute(ctx context.Context, node *Node, ec *ExecutionContext) *NodeResult {
	data := node.Service
	if data == nil || data.MCPServer == nil || data.MCPServer.Key() == "" {
		return failure(schema.NewError(schema.ErrCodeConfiguration, "No MCP server configured").WithNode(node.ID))
	}
	if s.Client == nil {
		return failure(schema.NewError(schema.ErrCodeConfiguration, "No service client configured").WithNode(node.ID))
	}
	svc := data.MCPServer
	slug := svc.Key()

	inputs := expressions.ResolveInputs(data.Inputs, ec.Scope())
	res := &NodeResult{Input: inputs, ServiceSlug: slug}
	fail := func(err error) *NodeResult {
		res.Error = schema.Message(err)
		res.Err = err
		return res
	}

	config, err := MergeConfig(data.Config, svc.DefaultConfig)
	if err != nil {
		return fail(schema.NewErrorf(schema.ErrCodeConfiguration, "merge service config: %s", err.Error()).WithCause(err))
	}

	if s.Validator != nil && len(svc.InputSchema) > 0 {
		if err := s.Validator.ValidateInput(inputs, svc.InputSchema); err != nil {
			return fail(err)
		}
	}

	if s.Breakers != nil {
		if err := s.Breakers.AllowRequest(slug, node.ID, svc.CostPerCallCents); err != nil {
			return fail(err)
		}
	}

	callCtx := ctx
	if data.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(data.Timeout)*time.Millisecond)
		defer cancel()
	}

	out, err := s.Client.Call(callCtx, ServiceCall{
		Service: svc,
		Tool:    toolName(svc, config),
		Inputs:  inputs,
		Config:  config,
	})
	if err != nil {
		if data.Timeout > 0 && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "Node timed out after %dms", data.Timeout).
				WithNode(node.ID).WithCause(err)
		}
		if ctx.Err() == nil {
			s.recordFailure(ctx, ec, node.ID, slug)
		}
		return fail(err)
	}

	s.recordSuccess(ctx, ec, node.ID, slug)
	res.Success = true
	res.Output = out
	res.CostCents = svc.CostPerCallCents
	return res
}

func (s *ServiceExecutor) recordFailure(ctx context.Context, ec *ExecutionContext, nodeID, slug string) {
	if s.Breakers == nil {
		return
	}
	before := s.Breakers.GetState(slug)
	after := s.Breakers.RecordFailure(slug)
	if after != before && s.Notify != nil {
		s.Notify(ctx, ec, nodeID, slug, after)
	}
}

func (s *ServiceExecutor) recordSuccess(ctx context.Context, ec *ExecutionContext, nodeID, slug string) {
	if s.Breakers == nil {
		return
	}
	before := s.Breakers.GetState(slug)
	s.Breakers.RecordSuccess(slug)
	if before != CircuitClosed && s.Notify != nil {
		s.Notify(ctx, ec, nodeID, slug, CircuitClosed)
	}
}

// MergeConfig overlays node config on the service defaults. Keys set on the
// node win; nested maps are merged key by key. Neither argument is modified.
func MergeConfig(nodeConfig, defaults map[string]any) (map[string]any, error) {
	merged := expressions.DeepCopyMap(nodeConfig)
	if len(defaults) == 0 {
		return merged, nil
	}
	if err := mergo.Merge(&merged, expressions.DeepCopyMap(defaults)); err != nil {
		return nil, err
	}
	return merged, nil
}

// toolName picks the MCP tool to call: config "tool", then the descriptor's tool, then the slug.
func toolName(svc *schema.ServiceDescriptor, config map[string]any) string {
	if t, ok := config["tool"].(string); ok && t != "" {
		return t
	}
	if svc.Tool != "" {
		return svc.Tool
	}
	return svc.Key()
}

// costCeilingError is the fatal failure for a node that would exceed settings.maxCostCents.
func costCeilingError(nodeID string, ceiling int) error {
	return schema.NewError(schema.ErrCodeCostExceeded, fmt.Sprintf("Cost ceiling of %d cents exceeded", ceiling)).
		WithNode(nodeID)
}
