package db

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/queue"
	"github.com/hirepilot/agentruns/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow stands in for pgx.Row, copying values into the scan targets.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func rowFor(t *testing.T, run *types.Run) fakeRow {
	t.Helper()
	docs, err := marshalDocuments(run)
	require.NoError(t, err)
	return fakeRow{values: []any{
		run.ID, run.OwnerID, run.WorkspaceID, run.ConversationID, run.CampaignID,
		string(run.Status), docs.plan, docs.progress, docs.artifacts, docs.stats,
		run.CreatedAt, run.UpdatedAt,
	}}
}

func TestScanRun(t *testing.T) {
	ws := uuid.New()
	conv := "conv-1"
	loc := time.FixedZone("CET", 3600)
	run := &types.Run{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		WorkspaceID:    &ws,
		ConversationID: &conv,
		Status:         types.RunStatusRunning,
		Plan:           types.Plan{PlanID: "p1", Steps: []types.PlanStep{{StepID: "s1"}}},
		Progress:       types.Progress{Steps: []types.StepProgress{{StepID: "s1", Status: types.StepStatusRunning}}},
		Artifacts:      types.NewArtifacts(),
		Stats:          types.NewStats(),
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, loc),
		UpdatedAt:      time.Date(2026, 3, 1, 10, 5, 0, 0, loc),
	}

	got, err := scanRun(rowFor(t, run))
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, ws, *got.WorkspaceID)
	assert.Equal(t, "conv-1", *got.ConversationID)
	assert.Nil(t, got.CampaignID)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	assert.Equal(t, "p1", got.Plan.PlanID)
	assert.Equal(t, types.StepStatusRunning, got.Progress.Steps[0].Status)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.True(t, run.UpdatedAt.Equal(got.UpdatedAt))
}

func TestScanRun_BadDocument(t *testing.T) {
	run := &types.Run{ID: uuid.New(), Status: types.RunStatusQueued}
	row := rowFor(t, run)
	row.values[7] = []byte("{not json")

	_, err := scanRun(row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode progress")
}

func TestScanRun_ScanError(t *testing.T) {
	_, err := scanRun(fakeRow{err: errors.New("no rows")})
	assert.EqualError(t, err, "no rows")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "boom", truncate("  boom \n", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Len(t, truncate(strings.Repeat("x", 5000), 1024), 1024)
}

func TestNewJobQueue_Defaults(t *testing.T) {
	q := NewJobQueue(nil, JobQueueOptions{})
	assert.Equal(t, queue.DefaultMaxAttempts, q.maxAttempts)
	assert.Equal(t, time.Second, q.pollInterval)
	assert.Equal(t, 10*time.Minute, q.lease)
	assert.Equal(t, 5*time.Second, q.retryDelay)

	q = NewJobQueue(nil, JobQueueOptions{MaxAttempts: 7, PollInterval: 50 * time.Millisecond})
	assert.Equal(t, 7, q.maxAttempts)
	assert.Equal(t, 50*time.Millisecond, q.pollInterval)
}
