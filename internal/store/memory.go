package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// Memory is a Store backed by a map. Runs are deep-copied on the way in and out
// so callers never share state with the store.
type Memory struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*types.Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[uuid.UUID]*types.Run)}
}

// CreateRun stores a copy of run.
func (m *Memory) CreateRun(_ context.Context, run *types.Run) error {
	c, err := run.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = c
	return nil
}

// GetRun returns a copy of the run or ErrNotFound.
func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone()
}

// ListRuns returns matching runs, newest first.
func (m *Memory) ListRuns(_ context.Context, filter ListFilter) ([]*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Run, 0)
	for _, run := range m.runs {
		if !filter.Matches(run) {
			continue
		}
		c, err := run.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateRun applies fn to a copy of the run under the store lock and keeps the
// result only if fn succeeds.
func (m *Memory) UpdateRun(_ context.Context, id uuid.UUID, fn UpdateFunc) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := cur.Clone()
	if err != nil {
		return nil, err
	}
	if err := fn(next); err != nil {
		current, cloneErr := cur.Clone()
		if cloneErr != nil {
			return nil, cloneErr
		}
		return current, err
	}
	next.ID = id
	next.UpdatedAt = time.Now().UTC()

	stored, err := next.Clone()
	if err != nil {
		return nil, err
	}
	m.runs[id] = stored
	return next, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
