package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/mcpflow/pkg/mcp"
)

type MCPCmd struct{}

func (c *MCPCmd) Execute(_ []string) error {
	cfg, err := options.config()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Runner:    a.executor,
		Store:     a.store,
		Workflows: a.workflows,
		Validator: a.validator,
		Hub:       a.hub,
		Logger:    a.logger,
	})
	a.logger.Info("mcpflow MCP server on stdio", "version", version)
	return srv.Serve(ctx)
}
