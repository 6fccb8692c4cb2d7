package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

const defaultInitTimeout = 30 * time.Second

// MCPClient calls tools on MCP servers directly. Sessions are opened lazily,
// one per service, and reused across runs until Close.
type MCPClient struct {
	name, version string
	initTimeout   time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*client.Client // service key -> initialized session
}

// MCPClientConfig configures an MCPClient.
type MCPClientConfig struct {
	ClientName    string
	ClientVersion string
	InitTimeout   time.Duration
	Logger        *slog.Logger
}

// NewMCPClient creates a client with no open sessions.
func NewMCPClient(cfg MCPClientConfig) *MCPClient {
	if cfg.ClientName == "" {
		cfg.ClientName = "mcpflow"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MCPClient{
		name:        cfg.ClientName,
		version:     cfg.ClientVersion,
		initTimeout: cfg.InitTimeout,
		logger:      cfg.Logger,
		sessions:    make(map[string]*client.Client),
	}
}

// Call invokes call.Tool on the service's MCP server with the inputs as arguments.
func (m *MCPClient) Call(ctx context.Context, call engine.ServiceCall) (any, error) {
	if call.Service == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "No MCP server configured")
	}
	tool := call.Tool
	if tool == "" {
		tool = call.Service.Key()
	}

	session, err := m.session(ctx, call.Service)
	if err != nil {
		return nil, err
	}

	args := make(map[string]any, len(call.Inputs))
	for k, v := range call.Inputs {
		args[k] = v
	}
	res, err := session.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The transport may be broken; reopen on the next call.
		m.drop(call.Service.Key(), session)
		return nil, schema.NewErrorf(schema.ErrCodeService, "MCP server call failed: %s", err.Error()).WithCause(err)
	}
	return toolOutput(res)
}

// session returns the open session for svc, starting and initializing one if needed.
func (m *MCPClient) session(ctx context.Context, svc *schema.ServiceDescriptor) (*client.Client, error) {
	key := svc.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[key]; ok {
		return c, nil
	}

	var (
		c   *client.Client
		err error
	)
	switch {
	case svc.Endpoint != "":
		c, err = client.NewStreamableHttpClient(svc.Endpoint)
	case svc.Command != "":
		c, err = client.NewStdioMCPClient(svc.Command, svc.Env, svc.Args...)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "service %s has neither endpoint nor command", key)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeService, "create MCP client for %s: %s", key, err.Error()).WithCause(err)
	}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeService, "start MCP client for %s: %s", key, err.Error()).WithCause(err)
	}

	initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()
	_, err = c.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: m.name, Version: m.version},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeService, "initialize MCP session for %s: %s", key, err.Error()).WithCause(err)
	}

	m.logger.Debug("mcp session opened", slog.String("service", key))
	m.sessions[key] = c
	return c, nil
}

func (m *MCPClient) drop(key string, c *client.Client) {
	m.mu.Lock()
	if m.sessions[key] == c {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	_ = c.Close()
}

// Close ends every open session.
func (m *MCPClient) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*client.Client)
	m.mu.Unlock()

	var firstErr error
	for key, c := range sessions {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close MCP session %s: %w", key, err)
		}
	}
	return firstErr
}

// toolOutput turns a tool result into a node output. Structured content wins;
// otherwise text blocks are JSON-decoded when they parse and kept as strings when not.
func toolOutput(res *mcp.CallToolResult) (any, error) {
	if res == nil {
		return nil, nil
	}
	texts := textBlocks(res.Content)

	if res.IsError {
		msg := strings.Join(texts, "\n")
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, schema.NewErrorf(schema.ErrCodeService, "MCP server call failed: %s", msg)
	}

	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}

	values := make([]any, 0, len(texts))
	for _, t := range texts {
		values = append(values, decodeText(t))
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	}
	return values, nil
}

func textBlocks(content []mcp.Content) []string {
	var out []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			out = append(out, tc.Text)
		case *mcp.TextContent:
			out = append(out, tc.Text)
		}
	}
	return out
}

func decodeText(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || !xjson.Valid([]byte(trimmed)) {
		return s
	}
	var v any
	if err := xjson.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}
