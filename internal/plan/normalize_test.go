package plan

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/hirepilot/agentruns/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_EmptyDocumentGetsDefaults(t *testing.T) {
	p := Normalize(nil, Source{})

	assert.Equal(t, types.PlanSchemaVersion, p.SchemaVersion)
	assert.NotEmpty(t, p.PlanID)
	assert.False(t, p.CreatedAt.IsZero())
	assert.Equal(t, DefaultGenerator, p.Source.Generator)
	assert.Equal(t, DefaultGoalTitle, p.Goal.Title)
	assert.NotNil(t, p.Goal.Constraints.Skills)
	assert.NotNil(t, p.Goal.Constraints.Location)
	assert.NotNil(t, p.Assumptions)
	assert.Equal(t, DefaultCreditUnit, p.Estimates.Credits.Unit)
	assert.Equal(t, types.RiskLow, p.Estimates.Risk.Level)
	assert.True(t, p.Approval.Required)
	assert.Equal(t, DefaultApprovalReason, p.Approval.Reason)

	require.Len(t, p.Steps, 1)
	assert.Equal(t, "step_1", p.Steps[0].StepID)
	assert.Equal(t, PlaceholderStepTitle, p.Steps[0].Title)
	assert.Equal(t, DefaultCategory, p.Steps[0].Category)
	assert.Equal(t, types.DependencySkip, p.Steps[0].Policy.OnDependencyFailure)
}

func TestNormalize_CoercesMalformedFields(t *testing.T) {
	doc := map[string]any{
		"plan_id": 42.0,
		"goal": map[string]any{
			"title": "  Hire a staff engineer ",
			"constraints": map[string]any{
				"skills":      []any{"Go", 7.0, map[string]any{"nested": true}, "", true},
				"location":    "Berlin",
				"time_window": "Q3",
			},
		},
		"assumptions": "not a list",
		"estimates": map[string]any{
			"credits": map[string]any{"min": 50.0, "max": 10.0},
			"risk":    map[string]any{"level": "EXTREME"},
		},
		"approval": map[string]any{"required": "false"},
	}

	p := Normalize(doc, Source{})

	assert.Equal(t, "42", p.PlanID)
	assert.Equal(t, "Hire a staff engineer", p.Goal.Title)
	assert.Equal(t, []string{"Go", "7", "true"}, p.Goal.Constraints.Skills)
	assert.Empty(t, p.Goal.Constraints.Location)
	require.NotNil(t, p.Goal.Constraints.TimeWindow)
	assert.Equal(t, "Q3", p.Goal.Constraints.TimeWindow.Label)
	assert.Empty(t, p.Assumptions)
	assert.Equal(t, 50.0, p.Estimates.Credits.Min)
	assert.Equal(t, 50.0, p.Estimates.Credits.Max)
	assert.Equal(t, types.RiskLow, p.Estimates.Risk.Level)
	assert.False(t, p.Approval.Required)
}

func TestNormalize_NonFiniteNumbersFallBack(t *testing.T) {
	tests := []struct {
		name string
		min  any
		max  any
		want types.CreditEstimate
	}{
		{"infinite max", 5.0, "Infinity", types.CreditEstimate{Min: 5, Max: 5}},
		{"nan min", "NaN", 8.0, types.CreditEstimate{Min: 0, Max: 8}},
		{"negative inf", "-Inf", "+Inf", types.CreditEstimate{Min: 0, Max: 0}},
		{"float nan", math.NaN(), math.Inf(1), types.CreditEstimate{Min: 0, Max: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := map[string]any{
				"estimates": map[string]any{
					"credits": map[string]any{"min": tt.min, "max": tt.max},
					"time":    map[string]any{"min_minutes": "NaN", "max_minutes": "Infinity"},
				},
			}
			p := Normalize(doc, Source{})

			assert.Equal(t, tt.want.Min, p.Estimates.Credits.Min)
			assert.Equal(t, tt.want.Max, p.Estimates.Credits.Max)
			assert.Zero(t, p.Estimates.Time.MinMinutes)
			assert.Zero(t, p.Estimates.Time.MaxMinutes)

			_, err := json.Marshal(p)
			require.NoError(t, err)
		})
	}
}

func TestNormalize_StepDefaultsAndDuplicateIDs(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{"step_id": "source", "title": "Source candidates", "category": "sourcing"},
			map[string]any{"step_id": "source", "depends_on": []any{"source", "source"}},
			map[string]any{"title": "Enrich"},
			"Write outreach",
			42.0,
			map[string]any{
				"step_id":    "source",
				"depends_on": []any{"step_3"},
				"policy":     map[string]any{"on_dependency_failure": "fail_run", "required": true},
			},
			map[string]any{"policy": map[string]any{"on_dependency_failure": "explode"}},
		},
	}

	p := Normalize(doc, Source{})

	require.Len(t, p.Steps, 6)
	assert.Equal(t, []string{"source", "source_2", "step_3", "step_4", "source_3", "step_7"}, p.StepIDs())

	assert.Equal(t, "sourcing", p.Steps[0].Category)
	assert.Equal(t, DefaultCategory, p.Steps[1].Category)
	assert.Equal(t, "source_2", p.Steps[1].Title)
	assert.Equal(t, []string{"source"}, p.Steps[1].DependsOn)
	assert.Equal(t, "Write outreach", p.Steps[3].Title)
	assert.Equal(t, types.DependencyFailRun, p.Steps[4].Policy.OnDependencyFailure)
	assert.True(t, p.Steps[4].Policy.Required)
	assert.Equal(t, types.DependencySkip, p.Steps[5].Policy.OnDependencyFailure)
	assert.NotNil(t, p.Steps[5].DependsOn)
}

func TestNormalize_SourceOverridesDocument(t *testing.T) {
	doc := map[string]any{
		"source": map[string]any{"generator": "planner-v2", "model": "m1", "conversation_id": "c-doc"},
	}
	conv := "c-req"
	campaign := "camp-1"

	p := Normalize(doc, Source{ConversationID: &conv, CampaignID: &campaign})

	assert.Equal(t, "planner-v2", p.Source.Generator)
	require.NotNil(t, p.Source.Model)
	assert.Equal(t, "m1", *p.Source.Model)
	assert.Equal(t, &conv, p.Source.ConversationID)
	assert.Equal(t, &campaign, p.Source.CampaignID)
}

func TestNormalize_KeepsValidCreatedAt(t *testing.T) {
	p := Normalize(map[string]any{"created_at": "2026-03-01T10:00:00Z"}, Source{})
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), p.CreatedAt)

	before := time.Now().UTC().Add(-time.Second)
	p = Normalize(map[string]any{"created_at": "yesterday"}, Source{})
	assert.True(t, p.CreatedAt.After(before))
}

func TestNormalize_Idempotent(t *testing.T) {
	docs := map[string]map[string]any{
		"empty": nil,
		"non-finite": {
			"estimates": map[string]any{
				"credits": map[string]any{"min": "NaN", "max": "Infinity"},
				"time":    map[string]any{"min_minutes": "-Inf", "max_minutes": 3.0},
			},
		},
		"partial": {
			"goal":  map[string]any{"title": "Find designers"},
			"steps": []any{map[string]any{"title": "a"}, map[string]any{"step_id": "step_1"}},
		},
		"full": {
			"plan_id":    "plan-1",
			"created_at": "2026-01-02T03:04:05.123456789Z",
			"source":     map[string]any{"generator": "rex2", "campaign_id": "camp"},
			"goal": map[string]any{
				"title":       "Hire",
				"description": "Two backend engineers",
				"constraints": map[string]any{
					"skills":      []any{"Go", "Postgres"},
					"time_window": map[string]any{"from": "2026-01-01", "to": "2026-03-01"},
				},
			},
			"assumptions": []any{"remote ok"},
			"estimates": map[string]any{
				"credits": map[string]any{"min": 10.0, "max": 20.0, "unit": "credits"},
				"time":    map[string]any{"min_minutes": 5.0, "max_minutes": 15.0},
				"risk":    map[string]any{"level": "medium", "notes": "tight market"},
			},
			"steps": []any{
				map[string]any{"step_id": "search", "category": "sourcing"},
				map[string]any{"step_id": "enrich", "depends_on": []any{"search"},
					"policy": map[string]any{"on_dependency_failure": "continue_with_partial"}},
			},
			"approval": map[string]any{
				"required":    false,
				"approved_at": "2026-01-02T04:00:00Z",
				"approved_by": "lead@example.com",
			},
		},
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			once := Normalize(doc, Source{})
			twice := Normalize(ToMap(once), Source{})

			a, err := json.Marshal(once)
			require.NoError(t, err)
			b, err := json.Marshal(twice)
			require.NoError(t, err)
			assert.JSONEq(t, string(a), string(b))
		})
	}
}

func TestToMap_RoundTripsFields(t *testing.T) {
	p := Normalize(map[string]any{"plan_id": "p1"}, Source{})
	m := ToMap(p)

	assert.Equal(t, "p1", m["plan_id"])
	assert.Equal(t, types.PlanSchemaVersion, m["schema_version"])
	steps, ok := m["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 1)
}
