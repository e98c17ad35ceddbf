package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
	"github.com/stretchr/testify/assert"
)

func syncedView() *RunView {
	current := "enrich"
	v := &RunView{}
	v.Apply(types.Event{
		ID:    uuid.New(),
		Type:  types.EventRunSnapshot,
		RunID: uuid.New(),
		TS:    time.Now(),
		Payload: types.RunSnapshot{
			Status: types.RunStatusRunning,
			Progress: types.Progress{
				Status:        types.RunStatusRunning,
				CurrentStepID: &current,
				Counters:      types.Counters{StepsTotal: 2, StepsCompleted: 1, ItemsTotal: 10, ItemsProcessed: 4},
				Steps: []types.StepProgress{
					{StepID: "search", Status: types.StepStatusSuccess, Progress: types.StepMeter{Percent: 100}},
					{StepID: "enrich", Status: types.StepStatusRunning, Progress: types.StepMeter{Percent: 40, Label: "4 of 10"}},
				},
			},
			Artifacts: types.Artifacts{Items: []types.Artifact{{ArtifactID: "a1", Type: "report", Title: "Lead list"}}},
			Stats:     types.Stats{ToolCalls: []types.ToolCall{{ToolCallID: "tc1"}}},
		},
	})
	return v
}

func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	v := syncedView()
	p.PrintRun(v)
	output := buf.String()

	assert.Contains(t, output, "RUN "+v.RunID.String())
	assert.Contains(t, output, "Status:   running")
	assert.Contains(t, output, "Steps:    1/2 completed")
	assert.Contains(t, output, "Items:    4/10 processed")
	assert.Contains(t, output, "✓ search")
	assert.Contains(t, output, "> ▶ enrich")
	assert.Contains(t, output, "4 of 10")
	assert.Contains(t, output, "Lead list (report)")
	assert.Contains(t, output, "Tool calls: 1")
}

func TestPrintRun_NotSynced(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.PrintRun(nil)
	p.PrintRun(&RunView{})

	assert.Empty(t, buf.String())
}

func TestPrintRun_BoxLinesHaveEqualWidth(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	v := syncedView()
	v.Error = strings.Repeat("very long failure message ", 10)
	p.PrintRun(v)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "┌"))
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "└"))
	for _, line := range lines {
		assert.Equal(t, boxWidth, len([]rune(line)), line)
	}
}

func TestPrintEvent(t *testing.T) {
	runID := uuid.New()
	tests := []struct {
		name    string
		payload types.Payload
		want    []string
	}{
		{
			name: "step update",
			payload: types.StepUpdated{StepProgress: types.StepProgress{
				StepID:   "search",
				Status:   types.StepStatusFailure,
				Progress: types.StepMeter{Percent: 50, Label: "half"},
				Errors:   []types.StepError{{Code: "boom", Message: "provider down"}},
			}},
			want: []string{"step.updated", "search ✗ 50% half", "provider down"},
		},
		{
			name:    "tool call",
			payload: types.ToolCallLogged{ToolCall: types.ToolCall{Tool: types.ToolRef{ToolID: "search_api"}, Status: "success", OutputSummary: "12 profiles"}},
			want:    []string{"toolcall.logged", "search_api success: 12 profiles"},
		},
		{
			name:    "artifact",
			payload: types.ArtifactCreated{Artifact: types.Artifact{ArtifactID: "a1", Type: "csv", Status: "ready"}},
			want:    []string{"artifact.created", "a1 (csv) ready"},
		},
		{
			name:    "failure",
			payload: types.RunFailed{Status: types.RunStatusFailure, Error: "step search failed"},
			want:    []string{"run.failed", "failure step search failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewPrinter(&buf, false).PrintEvent(types.NewEvent(runID, tt.payload))
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintError("not_found", "Run not found")
	assert.Equal(t, "error: not_found Run not found\n", buf.String())
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", clip("abcdef", 2))
	assert.Equal(t, "✓✓✓✓✓", clip("✓✓✓✓✓", 5))
}
