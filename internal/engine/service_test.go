package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/pkg/schema"
)

type rejectValidator struct{ err error }

func (v rejectValidator) ValidateInput(map[string]any, []byte) error { return v.err }

func newServiceNode(data *schema.ServiceNodeData) *Node {
	return &Node{ID: "S1", Type: schema.NodeTypeService, Service: data}
}

func TestServiceExecutor_ResolvesInputsAndMergesConfig(t *testing.T) {
	client := newMockServiceClient()
	exec := &ServiceExecutor{Client: client}

	node := newServiceNode(&schema.ServiceNodeData{
		MCPServer: &schema.ServiceDescriptor{
			Slug:             "search",
			CostPerCallCents: 4,
			DefaultConfig:    map[string]any{"limit": 10, "opts": map[string]any{"safe": true, "lang": "en"}},
		},
		Inputs: []schema.NodeInput{
			{Name: "query", Source: "$input.q"},
			{Name: "page", Default: 1},
			{Name: "missing", Source: "$input.nope"},
		},
		Config: map[string]any{"opts": map[string]any{"lang": "fr"}, "tool": "web_search"},
	})

	res := exec.Execute(context.Background(), node, newTestContext(map[string]any{"q": "go"}))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 4, res.CostCents)
	assert.Equal(t, "search", res.ServiceSlug)
	assert.Equal(t, map[string]any{"query": "go", "page": 1}, res.Input)

	require.Len(t, client.calls, 1)
	call := client.calls[0]
	assert.Equal(t, "web_search", call.Tool)
	assert.Equal(t, 10, call.Config["limit"])
	assert.Equal(t, map[string]any{"safe": true, "lang": "fr"}, call.Config["opts"])
}

func TestServiceExecutor_NoDescriptor(t *testing.T) {
	exec := &ServiceExecutor{Client: newMockServiceClient()}
	res := exec.Execute(context.Background(), newServiceNode(&schema.ServiceNodeData{}), newTestContext(nil))
	assert.False(t, res.Success)
	assert.Equal(t, "No MCP server configured", res.Error)
}

func TestServiceExecutor_ErrorChargesNothing(t *testing.T) {
	client := newMockServiceClient()
	client.on("pay", func(context.Context, ServiceCall) (any, error) { return nil, errors.New("declined") })
	exec := &ServiceExecutor{Client: client}

	res := exec.Execute(context.Background(), newServiceNode(&schema.ServiceNodeData{
		MCPServer: &schema.ServiceDescriptor{Slug: "pay", CostPerCallCents: 9},
	}), newTestContext(nil))
	assert.False(t, res.Success)
	assert.Equal(t, "declined", res.Error)
	assert.Zero(t, res.CostCents)
}

func TestServiceExecutor_InputSchemaRejection(t *testing.T) {
	client := newMockServiceClient()
	exec := &ServiceExecutor{
		Client:    client,
		Validator: rejectValidator{err: schema.NewError(schema.ErrCodeValidation, "query is required")},
	}

	res := exec.Execute(context.Background(), newServiceNode(&schema.ServiceNodeData{
		MCPServer: &schema.ServiceDescriptor{Slug: "search", InputSchema: []byte(`{"required":["query"]}`)},
	}), newTestContext(nil))
	assert.False(t, res.Success)
	assert.Equal(t, "query is required", res.Error)
	assert.Empty(t, client.calls)
}

func TestServiceExecutor_CircuitOpenSkipsCall(t *testing.T) {
	client := newMockServiceClient()
	client.on("down", func(context.Context, ServiceCall) (any, error) { return nil, errors.New("boom") })
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour, HalfOpenMax: 1})

	var states []CircuitState
	exec := &ServiceExecutor{
		Client:   client,
		Breakers: breakers,
		Notify: func(_ context.Context, _ *ExecutionContext, _, _ string, s CircuitState) {
			states = append(states, s)
		},
	}
	node := newServiceNode(&schema.ServiceNodeData{MCPServer: &schema.ServiceDescriptor{Slug: "down"}})

	exec.Execute(context.Background(), node, newTestContext(nil))
	res := exec.Execute(context.Background(), node, newTestContext(nil))

	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(res.Err))
	assert.Zero(t, res.CostCents)
	var fe *schema.FlowError
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, node.ID, fe.Details["node_id"])
	assert.Equal(t, 1, client.callCount("down"))
	assert.Equal(t, []CircuitState{CircuitOpen}, states)
}

func TestServiceExecutor_NodeTimeout(t *testing.T) {
	client := newMockServiceClient()
	client.on("slow", func(ctx context.Context, _ ServiceCall) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec := &ServiceExecutor{Client: client}

	res := exec.Execute(context.Background(), newServiceNode(&schema.ServiceNodeData{
		MCPServer: &schema.ServiceDescriptor{Slug: "slow"},
		Timeout:   10,
	}), newTestContext(nil))
	assert.Equal(t, "Node timed out after 10ms", res.Error)
	assert.Equal(t, schema.ErrCodeTimeout, schema.ErrorCode(res.Err))
}

func TestMergeConfig_DoesNotMutateArguments(t *testing.T) {
	node := map[string]any{"a": 1}
	defaults := map[string]any{"a": 0, "b": 2}

	merged, err := MergeConfig(node, defaults)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, merged)
	assert.NotContains(t, node, "b")

	merged, err = MergeConfig(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, merged)
}

func TestToolName(t *testing.T) {
	svc := &schema.ServiceDescriptor{Slug: "weather"}
	assert.Equal(t, "weather", toolName(svc, nil))
	svc.Tool = "forecast"
	assert.Equal(t, "forecast", toolName(svc, nil))
	assert.Equal(t, "alerts", toolName(svc, map[string]any{"tool": "alerts"}))
}
