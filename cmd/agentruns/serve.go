package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hirepilot/agentruns/internal/config"
	"github.com/hirepilot/agentruns/internal/db"
	"github.com/hirepilot/agentruns/internal/events"
	"github.com/hirepilot/agentruns/internal/executor"
	"github.com/hirepilot/agentruns/internal/queue"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/server"
	"github.com/hirepilot/agentruns/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the run API, the live progress stream and
the internal executor callbacks. Unless worker.embedded is false, executor
workers run in the same process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	serveCmd.Flags().String("store", "", "Run store driver: memory, sqlite or postgres")
	serveCmd.Flags().String("queue", "", "Job queue driver: memory or postgres")
	serveCmd.Flags().Bool("simulate", false, "Register simulated step runners for local development")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"server.addr":     "addr",
		"store.driver":    "store",
		"queue.driver":    "queue",
		"worker.simulate": "simulate",
	})
	if err != nil {
		return err
	}
	if err := cfg.RequireAuth(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	bus := events.NewBus(logger)
	svc := runs.NewService(b.store, bus, b.dispatcher, logger)

	var workerAuth *config.WorkerAuth
	if cfg.RequireWorkerToken() == nil {
		workerAuth, err = config.NewWorkerAuth(cfg.Worker)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("executor callbacks disabled: no worker token configured")
	}

	srv, err := server.New(server.Options{
		Runs:      svc,
		Events:    bus,
		JWT:       server.NewJWTService(cfg.Auth),
		Worker:    workerAuth,
		Health:    b.health,
		Logger:    logger,
		Server:    cfg.Server,
		Stream:    cfg.Stream,
		RateLimit: cfg.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gCtx)
	})

	if cfg.Worker.Embedded {
		registry := newRegistry(cfg.Worker, logger)
		pool := queue.NewPool(b.consumer, executor.New(registry, svc, logger), cfg.Worker.Concurrency, logger)
		logger.Info("embedded workers starting", "concurrency", cfg.Worker.Concurrency, "categories", registry.Categories())
		g.Go(func() error {
			return pool.Run(gCtx)
		})
	} else if cfg.Queue.Driver == config.DriverMemory {
		logger.Warn("memory queue without embedded workers: started runs will never execute")
	}

	return g.Wait()
}

// backends holds the storage side of the service, chosen by configuration.
type backends struct {
	store      store.Store
	dispatcher queue.Dispatcher
	consumer   queue.Consumer
	health     server.HealthChecker
	closers    []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var pg *db.DB
	if cfg.Store.Driver == config.DriverPostgres || cfg.Queue.Driver == config.DriverPostgres {
		pg, err = db.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if cfg.Store.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		b.store = pg
		b.health = pg.Ping
	case config.DriverSQLite:
		sq, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, sq.Close)
		b.store = sq
		b.health = sq.Ping
	default:
		b.store = store.NewMemory()
	}
	logger.Info("run store ready", "driver", cfg.Store.Driver)

	switch cfg.Queue.Driver {
	case config.DriverPostgres:
		q := db.NewJobQueue(pg, db.JobQueueOptions{
			MaxAttempts:  cfg.Queue.MaxAttempts,
			PollInterval: cfg.Queue.PollInterval,
			Lease:        cfg.Queue.LeaseDuration,
		})
		b.dispatcher, b.consumer = q, q
	default:
		q := queue.NewMemory(cfg.Queue.Capacity, cfg.Queue.MaxAttempts)
		b.closers = append(b.closers, func() error {
			q.Close()
			return nil
		})
		b.dispatcher, b.consumer = q, q
	}
	logger.Info("job queue ready", "driver", cfg.Queue.Driver)

	if pg != nil && b.health == nil {
		b.health = pg.Ping
	}
	return b, nil
}

// newRegistry builds the step runner registry of this process. Real runners
// are deployed with the worker binary of each integration; simulated runners
// stand in for them during development.
func newRegistry(cfg config.WorkerConfig, logger *slog.Logger) *executor.Registry {
	registry := executor.NewRegistry()
	if cfg.Simulate {
		runner := executor.Simulated(cfg.SimulateItems, cfg.SimulateDelay)
		for _, category := range cfg.SimulateCategories {
			registry.Register(category, runner)
		}
	}
	if len(registry.Categories()) == 0 {
		logger.Warn("no step runners registered: every step will be skipped")
	}
	return registry
}
