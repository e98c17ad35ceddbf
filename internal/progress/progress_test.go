package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/plan"
	"github.com/hirepilot/agentruns/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStepPlan() types.Plan {
	return plan.Normalize(map[string]any{
		"steps": []any{
			map[string]any{"step_id": "search"},
			map[string]any{"step_id": "enrich", "depends_on": []any{"search"}},
			map[string]any{"step_id": "outreach", "depends_on": []any{"enrich"}},
		},
	}, plan.Source{})
}

func assertCountersConsistent(t *testing.T, p types.Progress) {
	t.Helper()
	completed := 0
	for _, s := range p.Steps {
		if s.Status == types.StepStatusSuccess || s.Status == types.StepStatusSkipped {
			completed++
		}
	}
	assert.Equal(t, completed, p.Counters.StepsCompleted)
	assert.LessOrEqual(t, p.Counters.StepsCompleted, p.Counters.StepsTotal)
}

func TestInitial(t *testing.T) {
	runID := uuid.New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p := Initial(threeStepPlan(), runID, now)

	assert.Equal(t, types.ProgressSchemaVersion, p.SchemaVersion)
	assert.Equal(t, runID, p.RunID)
	assert.Equal(t, types.RunStatusQueued, p.Status)
	assert.Equal(t, now, p.UpdatedAt)
	assert.Nil(t, p.StartedAt)
	assert.Nil(t, p.CurrentStepID)
	assert.Equal(t, 3, p.Counters.StepsTotal)
	assert.Equal(t, 0, p.Counters.StepsCompleted)
	require.Len(t, p.Steps, 3)
	for _, s := range p.Steps {
		assert.Equal(t, types.StepStatusQueued, s.Status)
		assert.NotNil(t, s.Results.Metrics)
		assert.NotNil(t, s.Errors)
	}
}

func TestMerge_ScenarioSuccessThenFailure(t *testing.T) {
	p := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())
	p.Status = types.RunStatusRunning

	p = Merge(p, types.StepUpdate{StepID: "search", Status: types.StepStatusSuccess})
	assert.Equal(t, 1, p.Counters.StepsCompleted)
	require.NotNil(t, p.CurrentStepID)
	assert.Equal(t, "search", *p.CurrentStepID)
	assert.Equal(t, types.RunStatusRunning, p.Status)

	p = Merge(p, types.StepUpdate{
		StepID: "enrich",
		Status: types.StepStatusFailure,
		Errors: []types.StepError{{Code: "provider_down", Message: "enrichment provider unavailable"}},
	})
	assert.Equal(t, types.RunStatusFailure, p.Status)
	assert.Equal(t, 1, p.Counters.StepsCompleted)
	assert.Equal(t, 3, p.Counters.StepsTotal)
	assert.Equal(t, "enrich", *p.CurrentStepID)
	assertCountersConsistent(t, p)
}

func TestMerge_Idempotent(t *testing.T) {
	base := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())
	updates := []types.StepUpdate{
		{StepID: "search", Status: types.StepStatusRunning, Progress: &types.StepMeterPatch{
			Percent: types.Ptr(40.0), Label: types.Ptr("Searching"), Current: types.Ptr(4), Total: types.Ptr(10),
		}},
		{StepID: "search", Status: types.StepStatusSuccess, Results: &types.StepResultsPatch{
			Summary: types.Ptr("Found 10 profiles"),
			Metrics: map[string]any{"profiles": 10.0},
			Quality: &types.QualityPatch{ScorePercent: types.Ptr(88.0)},
		}},
		{StepID: "dynamic", Status: types.StepStatusSkipped},
		{StepID: "enrich", Status: types.StepStatusFailure, Errors: []types.StepError{{Code: "x", Message: "y"}}},
	}

	for _, u := range updates {
		once := Merge(base, u)
		twice := Merge(once, u)
		assert.Equal(t, once, twice, "update %s/%s", u.StepID, u.Status)
		assertCountersConsistent(t, twice)
		base = once
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	cur := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())
	before := Clone(cur)

	_ = Merge(cur, types.StepUpdate{
		StepID:  "search",
		Status:  types.StepStatusRunning,
		Results: &types.StepResultsPatch{Metrics: map[string]any{"k": "v"}},
	})

	assert.Equal(t, before, cur)
	assert.Empty(t, cur.Steps[0].Results.Metrics)
}

func TestMerge_StatusIsMonotone(t *testing.T) {
	p := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())

	p = Merge(p, types.StepUpdate{StepID: "search", Status: types.StepStatusSuccess})
	p = Merge(p, types.StepUpdate{StepID: "search", Status: types.StepStatusRunning, Progress: &types.StepMeterPatch{Label: types.Ptr("late")}})
	assert.Equal(t, types.StepStatusSuccess, p.Step("search").Status)
	assert.Equal(t, "late", p.Step("search").Progress.Label, "other fields still overlay")

	p = Merge(p, types.StepUpdate{StepID: "search", Status: types.StepStatusFailure})
	assert.Equal(t, types.StepStatusSuccess, p.Step("search").Status)
	assert.NotEqual(t, types.RunStatusFailure, p.Status)
	assert.Equal(t, 1, p.Counters.StepsCompleted)
}

func TestMerge_OverlayPreservesAbsentFields(t *testing.T) {
	p := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())
	p = Merge(p, types.StepUpdate{StepID: "search", Progress: &types.StepMeterPatch{
		Percent: types.Ptr(150.0), Label: types.Ptr("Searching"), Total: types.Ptr(20),
	}, Results: &types.StepResultsPatch{Metrics: map[string]any{"a": 1.0}}})
	p = Merge(p, types.StepUpdate{StepID: "search", Progress: &types.StepMeterPatch{
		Current: types.Ptr(5),
	}, Results: &types.StepResultsPatch{Metrics: map[string]any{"b": 2.0}}})

	s := p.Step("search")
	require.NotNil(t, s)
	assert.Equal(t, types.StepStatusQueued, s.Status)
	assert.Equal(t, 100.0, s.Progress.Percent)
	assert.Equal(t, "Searching", s.Progress.Label)
	assert.Equal(t, 5, s.Progress.Current)
	assert.Equal(t, 20, s.Progress.Total)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, s.Results.Metrics)
	assert.Equal(t, 20, p.Counters.ItemsTotal)
	assert.Equal(t, 5, p.Counters.ItemsProcessed)
}

func TestMerge_UnknownStepIsAppended(t *testing.T) {
	p := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())
	p = Merge(p, types.StepUpdate{StepID: "expanded_1", Status: types.StepStatusSuccess})

	require.Len(t, p.Steps, 4)
	assert.Equal(t, "expanded_1", p.Steps[3].StepID)
	assert.Equal(t, 4, p.Counters.StepsTotal)
	assert.Equal(t, 1, p.Counters.StepsCompleted)
	assertCountersConsistent(t, p)
}

func TestMerge_FailureDoesNotOverrideTerminalRun(t *testing.T) {
	p := Initial(threeStepPlan(), uuid.New(), time.Now().UTC())
	p.Status = types.RunStatusCancelled

	p = Merge(p, types.StepUpdate{StepID: "search", Status: types.StepStatusFailure})
	assert.Equal(t, types.RunStatusCancelled, p.Status)
}

func TestRecount_KeepsLargerTotal(t *testing.T) {
	p := types.Progress{
		Counters: types.Counters{StepsTotal: 5, StepsCompleted: 4},
		Steps: []types.StepProgress{
			{StepID: "a", Status: types.StepStatusSuccess},
			{StepID: "b", Status: types.StepStatusRunning},
		},
	}
	Recount(&p)

	assert.Equal(t, 5, p.Counters.StepsTotal)
	assert.Equal(t, 1, p.Counters.StepsCompleted)
	assert.Equal(t, 0, p.Counters.ItemsTotal)
}
