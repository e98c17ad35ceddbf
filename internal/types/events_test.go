package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_DecodesPayloadByType(t *testing.T) {
	runID := uuid.New()
	in := NewEvent(runID, StepUpdated{
		StepProgress: StepProgress{StepID: "search", Status: StepStatusRunning, Progress: StepMeter{Percent: 40}},
		RunStatus:    RunStatusRunning,
		Counters:     Counters{StepsTotal: 3},
	})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, EventStepUpdated, out.Type)
	assert.Equal(t, runID, out.RunID)

	p, ok := out.Payload.(StepUpdated)
	require.True(t, ok, "payload is %T", out.Payload)
	assert.Equal(t, "search", p.StepID)
	assert.Equal(t, 40.0, p.Progress.Percent)
	assert.Equal(t, 3, p.Counters.StepsTotal)
}

func TestEvent_StepUpdatedFlattensStep(t *testing.T) {
	data, err := json.Marshal(NewEvent(uuid.New(), StepUpdated{StepProgress: StepProgress{StepID: "s1"}}))
	require.NoError(t, err)

	var raw struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "s1", raw.Payload["step_id"])
	assert.Contains(t, raw.Payload, "run_status")
}

func TestEvent_UnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"run.exploded","payload":{}}`), &e)
	assert.ErrorContains(t, err, "unknown event type")
}

func TestEvent_NullPayload(t *testing.T) {
	var e Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"run.cancelled","ts":"2026-01-02T03:04:05Z","payload":null}`), &e))
	assert.Equal(t, RunCancelled{}, e.Payload)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), e.TS)
}

func TestEventTypes(t *testing.T) {
	for _, et := range EventTypes {
		p, err := NewPayload(et)
		require.NoError(t, err)
		assert.Equal(t, et, p.EventType())
	}
	assert.True(t, EventRunFailed.IsTerminal())
	assert.False(t, EventStepUpdated.IsTerminal())
	assert.False(t, EventRunSnapshot.IsTerminal())
}
