package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRunRequest(t *testing.T) {
	req := CreateRunRequest{
		Plan:              map[string]any{"plan_id": "a"},
		PlanJSON:          map[string]any{"plan_id": "b"},
		ConversationIDAlt: "conv-camel",
		CampaignID:        "camp-snake",
		CampaignIDAlt:     "camp-camel",
	}
	require.NoError(t, req.Validate())

	assert.Equal(t, "b", req.PlanDocument()["plan_id"])
	require.NotNil(t, req.Conversation())
	assert.Equal(t, "conv-camel", *req.Conversation())
	assert.Equal(t, "camp-snake", *req.Campaign())

	empty := CreateRunRequest{}
	assert.Nil(t, empty.PlanDocument())
	assert.Nil(t, empty.Conversation())
}

func TestCreateRunRequest_RejectsLongIDs(t *testing.T) {
	req := CreateRunRequest{ConversationID: strings.Repeat("x", 129)}
	assert.Error(t, req.Validate())
}

func TestStepUpdateValidate(t *testing.T) {
	tests := []struct {
		name    string
		update  StepUpdate
		wantErr bool
	}{
		{"valid", StepUpdate{StepID: "s1", Status: StepStatusRunning}, false},
		{"status optional", StepUpdate{StepID: "s1"}, false},
		{"missing step id", StepUpdate{Status: StepStatusRunning}, true},
		{"unknown status", StepUpdate{StepID: "s1", Status: "done"}, true},
		{"negative current", StepUpdate{StepID: "s1", Progress: &StepMeterPatch{Current: Ptr(-1)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReportRequestsValidate(t *testing.T) {
	assert.Error(t, (&ToolCallRequest{}).Validate())
	assert.NoError(t, (&ToolCallRequest{ToolCall: ToolCall{
		ToolCallID: "t1", Status: "running", Tool: ToolRef{ToolID: "search"},
	}}).Validate())
	assert.Error(t, (&ToolCallRequest{ToolCall: ToolCall{
		ToolCallID: "t1", Status: "exploded", Tool: ToolRef{ToolID: "search"},
	}}).Validate())

	assert.Error(t, (&ArtifactRequest{Artifact: Artifact{ArtifactID: "a1"}}).Validate())
	assert.Error(t, (&ArtifactRequest{Artifact: Artifact{ArtifactID: "a1", Type: "csv", URL: "not a url"}}).Validate())
	assert.NoError(t, (&ArtifactRequest{Artifact: Artifact{ArtifactID: "a1", Type: "csv", URL: "https://cdn.example.com/a1.csv"}}).Validate())

	assert.Error(t, (&FailureRequest{}).Validate())
	assert.NoError(t, (&FailureRequest{FailureSummary{Message: "provider down"}}).Validate())
}
