// Command lexagentd is the lexagent server daemon. It serves the REST API,
// the GraphQL proxy and the event stream, and hosts the simulated agent
// backend when enabled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/config"
	"github.com/GoCodeAlone/lexagent/internal/logging"
	"github.com/GoCodeAlone/lexagent/internal/version"
	"github.com/GoCodeAlone/lexagent/server"
	"github.com/GoCodeAlone/lexagent/sim"
	"github.com/GoCodeAlone/lexagent/task"
)

var configPath = flag.String("config", "", "path to a YAML or TOML config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lexagentd: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lexagentd: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lexagentd exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting lexagentd",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("addr", cfg.Server.Addr))

	srv := server.New(cfg, version.Version, logger)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Simulator.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasks.db"))
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer store.Close() //nolint:errcheck

		bus := comms.NewInMemoryBus()
		mgr := sim.NewManager(sim.Config{
			StepInterval:   cfg.Simulator.StepInterval.Std(),
			Steps:          cfg.Simulator.Steps,
			HealthInterval: cfg.Simulator.HealthInterval.Std(),
			QueueSize:      cfg.Simulator.QueueSize,
		}, store, bus, logger)

		srv.SetAgentManager(mgr)
		srv.SetBus(bus)
		srv.SetGraphQLBackend(mgr.GraphQLHandler())
		g.Go(func() error { return mgr.Run(gctx) })
		logger.Info("simulator enabled", zap.String("data_dir", cfg.DataDir))
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Std()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}
