package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema version tags for the documents embedded in a run record.
const (
	ProgressSchemaVersion  = "rex.runprogress.v1"
	ArtifactsSchemaVersion = "rex.artifacts.v1"
	StatsSchemaVersion     = "rex.stats.v1"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// RunStatus constants
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailure   RunStatus = "failure"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure || s == RunStatusCancelled
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSuccess, RunStatusFailure, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the state of one step within a run's progress.
type StepStatus string

// StepStatus constants
const (
	StepStatusQueued  StepStatus = "queued"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailure || s == StepStatusSkipped
}

// Completed reports whether the step counts towards steps_completed.
func (s StepStatus) Completed() bool {
	return s == StepStatusSuccess || s == StepStatusSkipped
}

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusQueued, StepStatusRunning, StepStatusSuccess, StepStatusFailure, StepStatusSkipped:
		return true
	}
	return false
}

// Rank orders step statuses along queued -> running -> terminal.
func (s StepStatus) Rank() int {
	switch s {
	case StepStatusRunning:
		return 1
	case StepStatusSuccess, StepStatusFailure, StepStatusSkipped:
		return 2
	default:
		return 0
	}
}

// Run is one execution of a plan, owned by one user and optionally scoped to a workspace.
type Run struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        uuid.UUID  `json:"user_id"`
	WorkspaceID    *uuid.UUID `json:"workspace_id"`
	ConversationID *string    `json:"conversation_id"`
	CampaignID     *string    `json:"campaign_id"`
	Status         RunStatus  `json:"status"`
	Plan           Plan       `json:"plan_json"`
	Progress       Progress   `json:"progress_json"`
	Artifacts      Artifacts  `json:"artifacts_json"`
	Stats          Stats      `json:"stats_json"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() (*Run, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to clone run %s: %w", r.ID, err)
	}
	var out Run
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to clone run %s: %w", r.ID, err)
	}
	return &out, nil
}

// Progress is the cumulative snapshot of a run's step events.
type Progress struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         uuid.UUID      `json:"run_id"`
	Status        RunStatus      `json:"status"`
	CurrentStepID *string        `json:"current_step_id"`
	StartedAt     *time.Time     `json:"started_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	Counters      Counters       `json:"counters"`
	Steps         []StepProgress `json:"steps"`
}

// Counters summarize the step list.
type Counters struct {
	StepsTotal     int `json:"steps_total"`
	StepsCompleted int `json:"steps_completed"`
	ItemsTotal     int `json:"items_total"`
	ItemsProcessed int `json:"items_processed"`
}

// StepProgress is the progress entry for one step.
type StepProgress struct {
	StepID   string      `json:"step_id"`
	Status   StepStatus  `json:"status"`
	Progress StepMeter   `json:"progress"`
	Results  StepResults `json:"results"`
	Errors   []StepError `json:"errors"`
}

// StepMeter is the progress bar of a step.
type StepMeter struct {
	Percent float64 `json:"percent"`
	Label   string  `json:"label"`
	Current int     `json:"current"`
	Total   int     `json:"total"`
}

// StepResults is what a step reports back once it has something to say.
type StepResults struct {
	Summary string         `json:"summary"`
	Metrics map[string]any `json:"metrics"`
	Quality Quality        `json:"quality"`
}

// Quality is a step's self-assessed quality score.
type Quality struct {
	ScorePercent float64 `json:"score_percent"`
	Notes        string  `json:"notes"`
}

// StepError describes why a step failed or was skipped.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Step returns the progress entry for stepID, or nil.
func (p *Progress) Step(stepID string) *StepProgress {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i]
		}
	}
	return nil
}

// Artifacts is the ordered list of artifacts a run produced.
type Artifacts struct {
	SchemaVersion string     `json:"schema_version"`
	Items         []Artifact `json:"items"`
}

// Artifact describes one produced artifact.
type Artifact struct {
	ArtifactID  string         `json:"artifact_id" validate:"required,max=256"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"type" validate:"required,max=64"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	URL         string         `json:"url,omitempty" validate:"omitempty,url"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Upsert replaces the artifact with the same id in place, or appends it.
func (a *Artifacts) Upsert(artifact Artifact) {
	for i := range a.Items {
		if a.Items[i].ArtifactID == artifact.ArtifactID {
			a.Items[i] = artifact
			return
		}
	}
	a.Items = append(a.Items, artifact)
}

// NewArtifacts returns an empty artifact list.
func NewArtifacts() Artifacts {
	return Artifacts{SchemaVersion: ArtifactsSchemaVersion, Items: []Artifact{}}
}

// Stats holds credit, timing, count and quality counters plus the tool call log.
type Stats struct {
	SchemaVersion string       `json:"schema_version"`
	Credits       CreditStats  `json:"credits"`
	Timing        TimingStats  `json:"timing"`
	Counts        CountStats   `json:"counts"`
	Quality       QualityStats `json:"quality"`
	ToolCalls     []ToolCall   `json:"toolcalls"`
}

// CreditStats tracks credit usage.
type CreditStats struct {
	Estimated float64 `json:"estimated"`
	Used      float64 `json:"used"`
	Remaining float64 `json:"remaining"`
	Notes     string  `json:"notes"`
}

// TimingStats tracks wall-clock estimates.
type TimingStats struct {
	ETASeconds     int `json:"eta_seconds"`
	ElapsedSeconds int `json:"elapsed_seconds"`
}

// CountStats tracks domain counters.
type CountStats struct {
	ProfilesFound     int `json:"profiles_found"`
	ProfilesEnriched  int `json:"profiles_enriched"`
	LeadsCreated      int `json:"leads_created"`
	MessagesScheduled int `json:"messages_scheduled"`
}

// QualityStats is the aggregate quality of a run.
type QualityStats struct {
	AvgScorePercent float64 `json:"avg_score_percent"`
	Notes           string  `json:"notes"`
}

// ToolCall is one logged tool invocation.
type ToolCall struct {
	ToolCallID    string         `json:"toolcall_id" validate:"required,max=256"`
	StepID        string         `json:"step_id,omitempty"`
	Tool          ToolRef        `json:"tool"`
	Status        string         `json:"status" validate:"required,oneof=queued running success failure"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
}

// ToolRef identifies the invoked tool.
type ToolRef struct {
	ToolID string `json:"tool_id" validate:"required"`
	Name   string `json:"name"`
}

// UpsertToolCall replaces the tool call with the same id in place, or appends it.
func (s *Stats) UpsertToolCall(tc ToolCall) {
	for i := range s.ToolCalls {
		if s.ToolCalls[i].ToolCallID == tc.ToolCallID {
			s.ToolCalls[i] = tc
			return
		}
	}
	s.ToolCalls = append(s.ToolCalls, tc)
}

// NewStats returns zeroed stats with an empty tool call log.
func NewStats() Stats {
	return Stats{SchemaVersion: StatsSchemaVersion, ToolCalls: []ToolCall{}}
}
