package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/logging"
	"github.com/rendis/mcpflow/internal/services"
	"github.com/rendis/mcpflow/internal/sinks"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/internal/validation"
	"github.com/rendis/mcpflow/internal/workflows"
	"github.com/rendis/mcpflow/pkg/schema"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	validator *validation.WorkflowValidator
	mcpClient *services.MCPClient
	kv        *sinks.KVSink
	executor  *engine.Executor
	workflows *workflows.Manager
	discovery *services.DiscoveryClient // nil without discovery_url
}

// newLogger builds the process logger. Log output always goes to w so stdout
// stays free for results and the MCP protocol.
func newLogger(w io.Writer, levelName string) (*slog.Logger, *slog.LevelVar, error) {
	lvl, ok := logging.ParseLevel(levelName)
	if !ok {
		return nil, nil, fmt.Errorf("invalid log level %q", levelName)
	}
	level := new(slog.LevelVar)
	level.Set(lvl)
	return slog.New(logging.NewConsoleHandler(w, level)), level, nil
}

// newApp opens the database and wires the engine with every configured collaborator.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level, err := newLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, level: level, store: st, hub: streaming.NewMemoryHub()}

	if a.validator, err = validation.NewWorkflowValidator(); err != nil {
		a.close()
		return nil, err
	}
	if a.kv, err = sinks.OpenKVSink(cfg.KVDir); err != nil {
		a.close()
		return nil, err
	}

	a.mcpClient = services.NewMCPClient(services.MCPClientConfig{ClientVersion: version, Logger: logger})
	router := &services.Router{Direct: a.mcpClient}
	if cfg.GatewayURL != "" {
		router.Gateway = services.NewGatewayClient(cfg.GatewayURL, services.HTTPConfig{})
	}

	storage := sinks.NewStorage().
		With(schema.StoreBackendDB, sinks.NewDBSink(st)).
		With(schema.StoreBackendKV, a.kv).
		With(schema.StoreBackendURL, sinks.NewURLSink(nil))

	a.executor, err = engine.NewExecutor(engine.ExecutorConfig{
		Store:     st,
		Events:    store.NewEventLog(st),
		Hub:       a.hub,
		Client:    router,
		Validator: a.validator,
		Webhook:   sinks.NewWebhookSink(nil),
		Storage:   storage,
		PoolSize:  cfg.PoolSize,
		CircuitBreaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitFailureThreshold,
			Cooldown:         time.Duration(cfg.CircuitOpenTimeout),
			HalfOpenMax:      1,
		},
		Logger: logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.workflows = workflows.NewManager(st, a.validator)
	a.discovery = newDiscovery(cfg)
	return a, nil
}

func newDiscovery(cfg Config) *services.DiscoveryClient {
	if cfg.DiscoveryURL == "" {
		return nil
	}
	return services.NewDiscoveryClient(cfg.DiscoveryURL, services.HTTPConfig{})
}

// close releases everything newApp opened, in reverse order.
func (a *app) close() error {
	var errs []error
	if a.executor != nil {
		a.executor.Shutdown()
	}
	if a.mcpClient != nil {
		errs = append(errs, a.mcpClient.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
