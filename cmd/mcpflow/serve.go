package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/mcpflow/internal/api"
	"github.com/rendis/mcpflow/internal/logging"
	"github.com/rendis/mcpflow/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

type ServeCmd struct {
	Listen      string `short:"l" long:"listen" description:"override listen_addr"`
	NoScheduler bool   `long:"no-scheduler" description:"do not fire schedule triggers"`
}

func (c *ServeCmd) Execute(_ []string) error {
	cfg, err := options.config()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	handler := newHandlerSwapper(a.apiHandler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sched *scheduler.Scheduler
	if !c.NoScheduler {
		sched = scheduler.NewScheduler(a.store, a.executor, time.Duration(cfg.SchedulerInterval), a.logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	writePID(a.logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.reload(options.Config, handler)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("mcpflow listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// apiHandler builds the API handler around the app's current discovery client.
func (a *app) apiHandler() http.Handler {
	deps := api.Deps{
		Store:     a.store,
		Workflows: a.workflows,
		Runner:    a.executor,
		Hub:       a.hub,
		Logger:    a.logger,
	}
	if a.discovery != nil {
		deps.Discovery = a.discovery
	}
	return api.NewServer(deps).Handler()
}

// reload re-reads the configuration on SIGHUP. The log level and discovery
// URL apply live; everything else is reported as needing a restart.
func (a *app) reload(path string, handler *handlerSwapper) {
	next, err := loadConfig(path)
	if err != nil {
		a.logger.Error("config reload failed", slog.String("error", err.Error()))
		return
	}
	if options.LogLevel != "" {
		next.LogLevel = options.LogLevel
	}
	next.ListenAddr = a.cfg.ListenAddr

	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		if lvl, ok := logging.ParseLevel(next.LogLevel); ok {
			a.level.Set(lvl)
		} else {
			a.logger.Warn("ignoring invalid log level", slog.String("log_level", next.LogLevel))
			next.LogLevel = a.cfg.LogLevel
		}
	}
	if diff.DiscoveryChanged {
		a.discovery = newDiscovery(next)
		handler.Swap(a.apiHandler())
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.Warn("config changes need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	a.cfg = next
	a.logger.Info("configuration reloaded")
}

func writePID(logger *slog.Logger) {
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pid file", slog.String("error", err.Error()))
	}
}
