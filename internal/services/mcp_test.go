package services

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/pkg/schema"
)

func newToolServer(t *testing.T) string {
	t.Helper()
	s := server.NewMCPServer("test-tools", "0.0.1", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo", mcp.WithString("msg")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(`{"echo":"` + req.GetString("msg", "") + `"}`), nil
		})
	s.AddTool(mcp.NewTool("plain"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("just words"), nil
		})
	s.AddTool(mcp.NewTool("broken"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("quota exhausted"), nil
		})

	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

func TestMCPClient_CallToolOverHTTP(t *testing.T) {
	endpoint := newToolServer(t)
	c := NewMCPClient(MCPClientConfig{})
	defer c.Close()

	svc := &schema.ServiceDescriptor{Slug: "tools", Endpoint: endpoint}

	out, err := c.Call(context.Background(), engine.ServiceCall{Service: svc, Tool: "echo", Inputs: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, out)

	out, err = c.Call(context.Background(), engine.ServiceCall{Service: svc, Tool: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "just words", out)

	// Both calls share one session.
	c.mu.Lock()
	assert.Len(t, c.sessions, 1)
	c.mu.Unlock()
}

func TestMCPClient_ToolErrorResult(t *testing.T) {
	endpoint := newToolServer(t)
	c := NewMCPClient(MCPClientConfig{})
	defer c.Close()

	_, err := c.Call(context.Background(), engine.ServiceCall{
		Service: &schema.ServiceDescriptor{Slug: "tools", Endpoint: endpoint},
		Tool:    "broken",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeService, schema.ErrorCode(err))
	assert.Contains(t, schema.Message(err), "quota exhausted")
}

func TestMCPClient_NoTransport(t *testing.T) {
	c := NewMCPClient(MCPClientConfig{})
	_, err := c.Call(context.Background(), engine.ServiceCall{Service: &schema.ServiceDescriptor{Slug: "nowhere"}})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestToolOutput(t *testing.T) {
	tests := []struct {
		name string
		res  *mcp.CallToolResult
		want any
	}{
		{"nil", nil, nil},
		{"json text", mcp.NewToolResultText(`[1,2]`), []any{float64(1), float64(2)}},
		{"plain text", mcp.NewToolResultText("ok"), "ok"},
		{"structured wins", &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.NewTextContent("ignored")},
			StructuredContent: map[string]any{"n": 1},
		}, map[string]any{"n": 1}},
		{"several blocks", &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(`{"a":1}`), mcp.NewTextContent("b")},
		}, []any{map[string]any{"a": float64(1)}, "b"}},
		{"no content", &mcp.CallToolResult{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toolOutput(tt.res)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToolOutput_Error(t *testing.T) {
	_, err := toolOutput(&mcp.CallToolResult{IsError: true})
	require.Error(t, err)
	assert.Contains(t, schema.Message(err), "tool reported an error")
}
