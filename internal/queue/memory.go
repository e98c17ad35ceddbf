package queue

import (
	"context"
	"sync"
)

// Memory is an in-process queue backed by a buffered channel. It serves the
// single-process deployment and tests.
type Memory struct {
	jobs        chan Job
	maxAttempts int

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a queue holding up to capacity pending jobs.
func NewMemory(capacity, maxAttempts int) *Memory {
	if capacity <= 0 {
		capacity = 128
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Memory{
		jobs:        make(chan Job, capacity),
		maxAttempts: maxAttempts,
	}
}

// Enqueue adds a job, blocking while the buffer is full.
func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	select {
	case m.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue waits for the next job.
func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-m.jobs:
		if !ok {
			return Job{}, ErrClosed
		}
		job.Attempt++
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Ack is a no-op: a dequeued job is already gone from the channel.
func (m *Memory) Ack(context.Context, Job) error { return nil }

// Nack requeues the job until it has been attempted maxAttempts times.
func (m *Memory) Nack(ctx context.Context, job Job, _ error) error {
	if job.Attempt >= m.maxAttempts {
		return nil
	}
	return m.Enqueue(ctx, job)
}

// Len returns the number of pending jobs.
func (m *Memory) Len() int {
	return len(m.jobs)
}

// Close stops accepting jobs. Pending jobs can still be dequeued.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
}
