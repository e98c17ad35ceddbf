// Package types provides type definitions for the structured documents exchanged by the run
// orchestration subsystem: plans, runs, progress snapshots, artifacts, stats and events.
package types

import "time"

// PlanSchemaVersion tags every normalized plan document.
const PlanSchemaVersion = "rex.plan.v1"

// RiskLevel is the coarse risk estimate attached to a plan.
type RiskLevel string

// RiskLevel constants
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the level is one of the known levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// DependencyPolicy decides what happens to a step when one of its dependencies
// ends in failure or is skipped.
type DependencyPolicy string

// DependencyPolicy constants
const (
	DependencySkip                DependencyPolicy = "skip"
	DependencyFailRun             DependencyPolicy = "fail_run"
	DependencyContinueWithPartial DependencyPolicy = "continue_with_partial"
)

// Valid reports whether the policy is one of the known policies.
func (p DependencyPolicy) Valid() bool {
	switch p {
	case DependencySkip, DependencyFailRun, DependencyContinueWithPartial:
		return true
	}
	return false
}

// Plan is the immutable, normalized description of the work a run performs.
type Plan struct {
	SchemaVersion string     `json:"schema_version"`
	PlanID        string     `json:"plan_id"`
	CreatedAt     time.Time  `json:"created_at"`
	Source        PlanSource `json:"source"`
	Goal          Goal       `json:"goal"`
	Assumptions   []string   `json:"assumptions"`
	Estimates     Estimates  `json:"estimates"`
	Steps         []PlanStep `json:"steps"`
	Approval      Approval   `json:"approval"`
}

// PlanSource records where a plan came from.
type PlanSource struct {
	Generator      string  `json:"generator"`
	Model          *string `json:"model"`
	ConversationID *string `json:"conversation_id"`
	CampaignID     *string `json:"campaign_id"`
}

// Goal is the human-facing objective of a plan.
type Goal struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Constraints Constraints `json:"constraints"`
}

// Constraints narrow the search space of a recruiting goal. Every list is non-nil
// after normalization.
type Constraints struct {
	Location   []string    `json:"location"`
	Seniority  []string    `json:"seniority"`
	Skills     []string    `json:"skills"`
	MustHave   []string    `json:"must_have"`
	NiceToHave []string    `json:"nice_to_have"`
	Exclude    []string    `json:"exclude"`
	TimeWindow *TimeWindow `json:"time_window"`
}

// TimeWindow is an optional window the goal should be achieved in.
type TimeWindow struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Label string `json:"label,omitempty"`
}

// Estimates holds the planner's credit, time and risk estimates.
type Estimates struct {
	Credits CreditEstimate `json:"credits"`
	Time    TimeEstimate   `json:"time"`
	Risk    RiskEstimate   `json:"risk"`
}

// CreditEstimate is a credit range.
type CreditEstimate struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Unit  string  `json:"unit"`
	Notes string  `json:"notes"`
}

// TimeEstimate is a duration range in minutes.
type TimeEstimate struct {
	MinMinutes float64 `json:"min_minutes"`
	MaxMinutes float64 `json:"max_minutes"`
	Notes      string  `json:"notes"`
}

// RiskEstimate is the planner's risk assessment.
type RiskEstimate struct {
	Level RiskLevel `json:"level"`
	Notes string    `json:"notes"`
}

// PlanStep is one unit of intended work.
type PlanStep struct {
	StepID      string     `json:"step_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	DependsOn   []string   `json:"depends_on"`
	Policy      StepPolicy `json:"policy"`
}

// StepPolicy tunes how the executor treats a step.
type StepPolicy struct {
	StopOnFailure       bool             `json:"stop_on_failure"`
	OnDependencyFailure DependencyPolicy `json:"on_dependency_failure"`
	Required            bool             `json:"required"`
}

// Approval captures whether a plan needs explicit sign-off before it runs.
type Approval struct {
	Required   bool       `json:"required"`
	Reason     string     `json:"reason"`
	ApprovedAt *time.Time `json:"approved_at"`
	ApprovedBy *string    `json:"approved_by"`
}

// StepIDs returns the plan's step ids in order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.StepID)
	}
	return ids
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(stepID string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i]
		}
	}
	return nil
}
