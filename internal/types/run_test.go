package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusQueued, false},
		{RunStatusRunning, false},
		{RunStatusSuccess, true},
		{RunStatusFailure, true},
		{RunStatusCancelled, true},
	}
	for _, tt := range tests {
		assert.True(t, tt.status.Valid(), tt.status)
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), tt.status)
	}
	assert.False(t, RunStatus("paused").Valid())
}

func TestStepStatus(t *testing.T) {
	assert.True(t, StepStatusSkipped.Completed())
	assert.True(t, StepStatusSuccess.Completed())
	assert.False(t, StepStatusFailure.Completed())
	assert.True(t, StepStatusFailure.IsTerminal())
	assert.False(t, StepStatusRunning.IsTerminal())

	assert.Less(t, StepStatusQueued.Rank(), StepStatusRunning.Rank())
	assert.Less(t, StepStatusRunning.Rank(), StepStatusSkipped.Rank())
	assert.Equal(t, StepStatusSuccess.Rank(), StepStatusFailure.Rank())
	assert.False(t, StepStatus("done").Valid())
}

func TestRunClone_IsDeep(t *testing.T) {
	ws := uuid.New()
	run := &Run{
		ID:          uuid.New(),
		WorkspaceID: &ws,
		Status:      RunStatusRunning,
		Progress: Progress{Steps: []StepProgress{
			{StepID: "s1", Results: StepResults{Metrics: map[string]any{"n": 1.0}}},
		}},
		Artifacts: NewArtifacts(),
		Stats:     NewStats(),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	clone, err := run.Clone()
	require.NoError(t, err)
	assert.Equal(t, run.ID, clone.ID)
	assert.Equal(t, ws, *clone.WorkspaceID)
	assert.True(t, run.CreatedAt.Equal(clone.CreatedAt))

	clone.Progress.Steps[0].Results.Metrics["n"] = 2.0
	clone.Progress.Steps[0].StepID = "changed"
	assert.Equal(t, 1.0, run.Progress.Steps[0].Results.Metrics["n"])
	assert.Equal(t, "s1", run.Progress.Steps[0].StepID)
}

func TestArtifactsUpsert(t *testing.T) {
	a := NewArtifacts()
	a.Upsert(Artifact{ArtifactID: "a1", Status: "pending"})
	a.Upsert(Artifact{ArtifactID: "a2"})
	a.Upsert(Artifact{ArtifactID: "a1", Status: "ready"})

	require.Len(t, a.Items, 2)
	assert.Equal(t, "a1", a.Items[0].ArtifactID)
	assert.Equal(t, "ready", a.Items[0].Status)
}

func TestStatsUpsertToolCall(t *testing.T) {
	s := NewStats()
	s.UpsertToolCall(ToolCall{ToolCallID: "t1", Status: "running"})
	s.UpsertToolCall(ToolCall{ToolCallID: "t1", Status: "success"})

	require.Len(t, s.ToolCalls, 1)
	assert.Equal(t, "success", s.ToolCalls[0].Status)
}

func TestFinalStatsApply(t *testing.T) {
	s := NewStats()
	s.Timing.ETASeconds = 60
	s.Counts.LeadsCreated = 3

	FinalStats{
		Credits: &CreditStats{Used: 12},
		Counts:  &CountStats{LeadsCreated: 7},
	}.Apply(&s)

	assert.Equal(t, 12.0, s.Credits.Used)
	assert.Equal(t, 7, s.Counts.LeadsCreated)
	assert.Equal(t, 60, s.Timing.ETASeconds, "nil sections are kept")
}

func TestPlanLookup(t *testing.T) {
	p := Plan{Steps: []PlanStep{{StepID: "a"}, {StepID: "b"}}}
	assert.Equal(t, []string{"a", "b"}, p.StepIDs())
	require.NotNil(t, p.Step("b"))
	assert.Nil(t, p.Step("c"))
}
