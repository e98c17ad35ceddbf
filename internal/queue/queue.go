// Package queue hands run execution off to workers. Enqueue performs no retries;
// redelivery after a Nack is a transport policy and handlers must tolerate a job
// whose run has already finished.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by a queue that no longer accepts or yields jobs.
var ErrClosed = errors.New("queue closed")

// DefaultMaxAttempts bounds how often a nacked job is redelivered.
const DefaultMaxAttempts = 3

// Job asks a worker to execute one run.
type Job struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// NewJob builds a job for runID.
func NewJob(runID, ownerID uuid.UUID) Job {
	return Job{
		ID:         uuid.New(),
		RunID:      runID,
		OwnerID:    ownerID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Dispatcher is the producer side.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// Consumer is the worker side. Dequeue blocks until a job is available or ctx
// is done.
type Consumer interface {
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Nack(ctx context.Context, job Job, cause error) error
}

// Handler executes one job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}
