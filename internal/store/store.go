// Package store defines the persistence contract for runs and ships the
// in-memory and embedded SQLite implementations. The Postgres implementation
// lives in internal/db.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// ErrNoChange may be returned by an UpdateFunc to abort the update without
// writing. UpdateRun then returns the current run together with ErrNoChange.
var ErrNoChange = errors.New("run unchanged")

// UpdateFunc mutates a run in place. Returning an error aborts the update.
type UpdateFunc func(run *types.Run) error

// Default and maximum page sizes for ListRuns.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListFilter selects the runs visible to a caller: runs they own plus runs in
// any of their workspaces.
type ListFilter struct {
	OwnerID      uuid.UUID
	WorkspaceIDs []uuid.UUID
	Status       types.RunStatus
	Limit        int
}

// EffectiveLimit clamps Limit into [1, MaxListLimit], defaulting to DefaultListLimit.
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Matches reports whether run passes the filter.
func (f ListFilter) Matches(run *types.Run) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if run.OwnerID == f.OwnerID {
		return true
	}
	if run.WorkspaceID == nil {
		return false
	}
	for _, ws := range f.WorkspaceIDs {
		if ws == *run.WorkspaceID {
			return true
		}
	}
	return false
}

// Store persists runs. Every implementation applies UpdateRun atomically per run
// id: concurrent updates of the same run are serialized and each UpdateFunc sees
// the result of the previous one.
type Store interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]*types.Run, error)
	UpdateRun(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*types.Run, error)
	Close() error
}
