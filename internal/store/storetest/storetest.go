// Package storetest holds the behavioural test suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/plan"
	"github.com/hirepilot/agentruns/internal/progress"
	"github.com/hirepilot/agentruns/internal/store"
	"github.com/hirepilot/agentruns/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// NewRun builds a queued run with a three step plan. createdAt is truncated to
// the microsecond precision every backend can store.
func NewRun(ownerID uuid.UUID, workspaceID *uuid.UUID, createdAt time.Time) *types.Run {
	id := uuid.New()
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	p := plan.Normalize(map[string]any{
		"steps": []any{
			map[string]any{"step_id": "search"},
			map[string]any{"step_id": "enrich"},
			map[string]any{"step_id": "outreach"},
		},
	}, plan.Source{})
	return &types.Run{
		ID:          id,
		OwnerID:     ownerID,
		WorkspaceID: workspaceID,
		Status:      types.RunStatusQueued,
		Plan:        p,
		Progress:    progress.Initial(p, id, createdAt),
		Artifacts:   types.NewArtifacts(),
		Stats:       types.NewStats(),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func assertSameRun(t *testing.T, want, got *types.Run) {
	t.Helper()
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		conv := "conv-1"
		run := NewRun(uuid.New(), nil, time.Now().UTC())
		run.ConversationID = &conv

		require.NoError(t, s.CreateRun(ctx, run))
		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assertSameRun(t, run, got)
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.GetRun(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update applies mutation", func(t *testing.T) {
		s := open(t)
		run := NewRun(uuid.New(), nil, time.Now().UTC().Add(-time.Minute))
		require.NoError(t, s.CreateRun(ctx, run))

		updated, err := s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			r.Status = types.RunStatusRunning
			r.Progress.Status = types.RunStatusRunning
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusRunning, updated.Status)
		assert.True(t, updated.UpdatedAt.After(run.UpdatedAt))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusRunning, got.Status)
		assert.Equal(t, types.RunStatusRunning, got.Progress.Status)
	})

	t.Run("update aborted by error", func(t *testing.T) {
		s := open(t)
		run := NewRun(uuid.New(), nil, time.Now().UTC())
		require.NoError(t, s.CreateRun(ctx, run))

		boom := errors.New("boom")
		current, err := s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			r.Status = types.RunStatusFailure
			return boom
		})
		assert.ErrorIs(t, err, boom)
		require.NotNil(t, current)
		assert.Equal(t, types.RunStatusQueued, current.Status)

		current, err = s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			r.Status = types.RunStatusSuccess
			return store.ErrNoChange
		})
		assert.ErrorIs(t, err, store.ErrNoChange)
		assert.Equal(t, types.RunStatusQueued, current.Status)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusQueued, got.Status)
	})

	t.Run("update missing", func(t *testing.T) {
		s := open(t)
		_, err := s.UpdateRun(ctx, uuid.New(), func(*types.Run) error { return nil })
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		s := open(t)
		run := NewRun(uuid.New(), nil, time.Now().UTC())
		require.NoError(t, s.CreateRun(ctx, run))

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
					r.Stats.Counts.LeadsCreated++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, writers, got.Stats.Counts.LeadsCreated)
	})

	t.Run("list visibility, order and limit", func(t *testing.T) {
		s := open(t)
		owner, other := uuid.New(), uuid.New()
		ws, otherWS := uuid.New(), uuid.New()
		base := time.Now().UTC().Add(-time.Hour)

		own1 := NewRun(owner, nil, base)
		own2 := NewRun(owner, nil, base.Add(time.Minute))
		shared := NewRun(other, &ws, base.Add(2*time.Minute))
		hidden := NewRun(other, &otherWS, base.Add(3*time.Minute))
		private := NewRun(other, nil, base.Add(4*time.Minute))
		for _, r := range []*types.Run{own1, own2, shared, hidden, private} {
			require.NoError(t, s.CreateRun(ctx, r))
		}

		runs, err := s.ListRuns(ctx, store.ListFilter{OwnerID: owner, WorkspaceIDs: []uuid.UUID{ws}})
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, shared.ID, runs[0].ID)
		assert.Equal(t, own2.ID, runs[1].ID)
		assert.Equal(t, own1.ID, runs[2].ID)

		runs, err = s.ListRuns(ctx, store.ListFilter{OwnerID: owner, Limit: 1})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, own2.ID, runs[0].ID)

		_, err = s.UpdateRun(ctx, own1.ID, func(r *types.Run) error {
			r.Status = types.RunStatusCancelled
			return nil
		})
		require.NoError(t, err)
		runs, err = s.ListRuns(ctx, store.ListFilter{OwnerID: owner, Status: types.RunStatusCancelled})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, own1.ID, runs[0].ID)

		runs, err = s.ListRuns(ctx, store.ListFilter{OwnerID: uuid.New()})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}
