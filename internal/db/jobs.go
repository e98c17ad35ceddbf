package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirepilot/agentruns/internal/queue"
	"github.com/jackc/pgx/v5"
)

// JobQueue is an at-least-once queue stored in the rex_run_jobs table. Workers
// lease jobs with FOR UPDATE SKIP LOCKED; a lease that expires without an Ack
// or Nack makes the job available again.
type JobQueue struct {
	db           *DB
	maxAttempts  int
	pollInterval time.Duration
	lease        time.Duration
	retryDelay   time.Duration
}

var (
	_ queue.Dispatcher = (*JobQueue)(nil)
	_ queue.Consumer   = (*JobQueue)(nil)
)

// JobQueueOptions tunes a JobQueue. Zero values pick defaults.
type JobQueueOptions struct {
	MaxAttempts  int
	PollInterval time.Duration
	Lease        time.Duration
	RetryDelay   time.Duration
}

// NewJobQueue creates a queue on top of db.
func NewJobQueue(db *DB, opts JobQueueOptions) *JobQueue {
	q := &JobQueue{
		db:           db,
		maxAttempts:  opts.MaxAttempts,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
		retryDelay:   opts.RetryDelay,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = queue.DefaultMaxAttempts
	}
	if q.pollInterval <= 0 {
		q.pollInterval = time.Second
	}
	if q.lease <= 0 {
		q.lease = 10 * time.Minute
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 5 * time.Second
	}
	return q
}

// Enqueue inserts a queued job row
func (q *JobQueue) Enqueue(ctx context.Context, job queue.Job) error {
	_, err := q.db.pool.Exec(ctx,
		`INSERT INTO rex_run_jobs (id, run_id, user_id, max_attempts, available_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		job.ID, job.RunID, job.OwnerID, q.maxAttempts, job.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job for run %s: %w", job.RunID, err)
	}
	return nil
}

// Dequeue polls until a job can be leased or ctx is done.
func (q *JobQueue) Dequeue(ctx context.Context) (queue.Job, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		job, ok, err := q.lease1(ctx)
		if err != nil {
			return queue.Job{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return queue.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *JobQueue) lease1(ctx context.Context) (queue.Job, bool, error) {
	var job queue.Job
	err := q.db.pool.QueryRow(ctx,
		`UPDATE rex_run_jobs
		 SET status = 'leased', attempts = attempts + 1,
		     leased_until = NOW() + make_interval(secs => $1), updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM rex_run_jobs
		     WHERE (status = 'queued' AND available_at <= NOW())
		        OR (status = 'leased' AND leased_until < NOW())
		     ORDER BY available_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, run_id, user_id, created_at, attempts`,
		q.lease.Seconds(),
	).Scan(&job.ID, &job.RunID, &job.OwnerID, &job.EnqueuedAt, &job.Attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Job{}, false, nil
		}
		return queue.Job{}, false, fmt.Errorf("failed to lease job: %w", err)
	}
	job.EnqueuedAt = job.EnqueuedAt.UTC()
	return job, true, nil
}

// Ack marks the job done
func (q *JobQueue) Ack(ctx context.Context, job queue.Job) error {
	_, err := q.db.pool.Exec(ctx,
		`UPDATE rex_run_jobs SET status = 'done', leased_until = NULL, updated_at = NOW() WHERE id = $1`,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	return nil
}

// Nack releases the job for another attempt, or buries it once max_attempts is reached
func (q *JobQueue) Nack(ctx context.Context, job queue.Job, cause error) error {
	var lastError *string
	if cause != nil {
		msg := truncate(cause.Error(), 2000)
		lastError = &msg
	}

	_, err := q.db.pool.Exec(ctx,
		`UPDATE rex_run_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'queued' END,
		     available_at = NOW() + make_interval(secs => $2),
		     leased_until = NULL, last_error = $3, updated_at = NOW()
		 WHERE id = $1`,
		job.ID, q.retryDelay.Seconds(), lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to nack job %s: %w", job.ID, err)
	}
	return nil
}

// JobStatus returns the status column of a job; used by tests and the health check.
func (q *JobQueue) JobStatus(ctx context.Context, job queue.Job) (string, error) {
	var status string
	err := q.db.pool.QueryRow(ctx, `SELECT status FROM rex_run_jobs WHERE id = $1`, job.ID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}
