package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers that pull jobs from a Consumer.
type Pool struct {
	consumer Consumer
	handler  Handler
	workers  int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewPool creates a pool. workers below one are raised to one.
func NewPool(consumer Consumer, handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		consumer: consumer,
		handler:  handler,
		workers:  workers,
		backoff:  time.Second,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled or the consumer is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gCtx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := p.logger.With("worker", worker)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		job, err := p.consumer.Dequeue(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			log.Error("dequeue failed", "error", err)
			select {
			case <-time.After(p.backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		// Acks must land even when shutdown cancels ctx mid-job.
		settleCtx := context.WithoutCancel(ctx)
		log := log.With("job_id", job.ID, "run_id", job.RunID, "attempt", job.Attempt)
		if err := p.handle(ctx, job); err != nil {
			log.Warn("job failed", "error", err)
			if nackErr := p.consumer.Nack(settleCtx, job, err); nackErr != nil {
				log.Error("nack failed", "error", nackErr)
			}
			continue
		}
		if err := p.consumer.Ack(settleCtx, job); err != nil {
			log.Error("ack failed", "error", err)
		}
	}
}

func (p *Pool) handle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return p.handler.Handle(ctx, job)
}
