package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hirepilot/agentruns/internal/config"
	"github.com/hirepilot/agentruns/internal/db"
	"github.com/hirepilot/agentruns/internal/executor"
	"github.com/hirepilot/agentruns/internal/queue"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run executor workers against the Postgres job queue",
	Long: `Start executor workers in their own process. Jobs are leased from the
Postgres queue; every report goes back to the API through its internal
callback routes, which fan it out to live streams.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("api-url", "", "Base URL of the API server")
	workerCmd.Flags().Int("concurrency", 0, "Number of concurrent workers")
	workerCmd.Flags().Bool("simulate", false, "Register simulated step runners for local development")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"worker.api_url":     "api-url",
		"worker.concurrency": "concurrency",
		"worker.simulate":    "simulate",
	})
	if err != nil {
		return err
	}
	if cfg.Queue.Driver != config.DriverPostgres {
		return fmt.Errorf("standalone workers need queue.driver=postgres, got %q", cfg.Queue.Driver)
	}
	if cfg.Worker.Token == "" {
		return fmt.Errorf("%w: worker.token is required to call the API", config.ErrMissingSecret)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	q := db.NewJobQueue(pg, db.JobQueueOptions{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.LeaseDuration,
	})
	reporter := executor.NewHTTPReporter(cfg.Worker.APIURL, cfg.Worker.Token, nil)
	registry := newRegistry(cfg.Worker, logger)

	logger.Info("workers starting",
		"api_url", cfg.Worker.APIURL,
		"concurrency", cfg.Worker.Concurrency,
		"categories", registry.Categories(),
	)
	pool := queue.NewPool(q, executor.New(registry, reporter, logger), cfg.Worker.Concurrency, logger)
	return pool.Run(ctx)
}
