// Package progress builds and merges the cumulative progress snapshot of a run.
//
// Merge is a pure function over value snapshots. Applying the same update twice
// yields the same snapshot as applying it once, so executors may deliver updates
// at least once and stream clients may fold a duplicate event without harm.
package progress

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// Initial returns the queued progress snapshot for a freshly created run: one
// queued entry per plan step, in plan order.
func Initial(plan types.Plan, runID uuid.UUID, now time.Time) types.Progress {
	steps := make([]types.StepProgress, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, newStep(s.StepID))
	}
	p := types.Progress{
		SchemaVersion: types.ProgressSchemaVersion,
		RunID:         runID,
		Status:        types.RunStatusQueued,
		UpdatedAt:     now,
		Steps:         steps,
	}
	Recount(&p)
	return p
}

func newStep(stepID string) types.StepProgress {
	return types.StepProgress{
		StepID: stepID,
		Status: types.StepStatusQueued,
		Results: types.StepResults{
			Metrics: map[string]any{},
		},
		Errors: []types.StepError{},
	}
}

// Merge folds one step update into cur and returns the next snapshot. cur is not
// modified. Fields absent from the update are preserved. Step statuses only move
// forward along queued -> running -> terminal, and a terminal step status is
// never replaced. An update for an unknown step appends a new entry.
func Merge(cur types.Progress, u types.StepUpdate) types.Progress {
	next := Clone(cur)

	step := next.Step(u.StepID)
	if step == nil {
		next.Steps = append(next.Steps, newStep(u.StepID))
		step = &next.Steps[len(next.Steps)-1]
	}

	if advances(step.Status, u.Status) {
		step.Status = u.Status
	}
	if u.Progress != nil {
		applyMeter(&step.Progress, *u.Progress)
	}
	if u.Results != nil {
		applyResults(&step.Results, *u.Results)
	}
	if u.Errors != nil {
		step.Errors = append([]types.StepError{}, u.Errors...)
	}

	stepID := u.StepID
	next.CurrentStepID = &stepID

	if u.Status == types.StepStatusFailure && step.Status == types.StepStatusFailure {
		switch next.Status {
		case types.RunStatusSuccess, types.RunStatusCancelled:
		default:
			next.Status = types.RunStatusFailure
		}
	}

	total := next.Counters.StepsTotal
	Recount(&next)
	next.Counters.StepsTotal = max(total, next.Counters.StepsTotal)
	return next
}

// advances reports whether a step may move from cur to incoming.
func advances(cur, incoming types.StepStatus) bool {
	if incoming == "" || !incoming.Valid() || incoming == cur {
		return false
	}
	if cur.IsTerminal() {
		return false
	}
	return incoming.Rank() >= cur.Rank()
}

func applyMeter(m *types.StepMeter, patch types.StepMeterPatch) {
	if patch.Percent != nil {
		m.Percent = clampPercent(*patch.Percent)
	}
	if patch.Label != nil {
		m.Label = *patch.Label
	}
	if patch.Current != nil {
		m.Current = max(0, *patch.Current)
	}
	if patch.Total != nil {
		m.Total = max(0, *patch.Total)
	}
}

func applyResults(r *types.StepResults, patch types.StepResultsPatch) {
	if patch.Summary != nil {
		r.Summary = *patch.Summary
	}
	if len(patch.Metrics) > 0 {
		if r.Metrics == nil {
			r.Metrics = make(map[string]any, len(patch.Metrics))
		}
		maps.Copy(r.Metrics, patch.Metrics)
	}
	if patch.Quality != nil {
		if patch.Quality.ScorePercent != nil {
			r.Quality.ScorePercent = clampPercent(*patch.Quality.ScorePercent)
		}
		if patch.Quality.Notes != nil {
			r.Quality.Notes = *patch.Quality.Notes
		}
	}
}

func clampPercent(v float64) float64 {
	return min(100, max(0, v))
}

// Recount recomputes the counters from the step list. steps_total never drops
// below the number of entries; item counters are summed from step meters once
// any step reports a total.
func Recount(p *types.Progress) {
	completed := 0
	itemsTotal, itemsProcessed := 0, 0
	metered := false
	for _, s := range p.Steps {
		if s.Status.Completed() {
			completed++
		}
		if s.Progress.Total > 0 {
			metered = true
		}
		itemsTotal += s.Progress.Total
		itemsProcessed += s.Progress.Current
	}

	p.Counters.StepsCompleted = completed
	p.Counters.StepsTotal = max(p.Counters.StepsTotal, len(p.Steps))
	if metered {
		p.Counters.ItemsTotal = itemsTotal
		p.Counters.ItemsProcessed = itemsProcessed
	}
}

// Clone returns a copy of p that shares no mutable state with it.
func Clone(p types.Progress) types.Progress {
	out := p
	if p.CurrentStepID != nil {
		id := *p.CurrentStepID
		out.CurrentStepID = &id
	}
	out.StartedAt = clonePtr(p.StartedAt)
	out.CompletedAt = clonePtr(p.CompletedAt)

	if p.Steps != nil {
		out.Steps = make([]types.StepProgress, len(p.Steps))
		for i, s := range p.Steps {
			s.Results.Metrics = maps.Clone(s.Results.Metrics)
			if s.Errors != nil {
				s.Errors = append([]types.StepError{}, s.Errors...)
			}
			out.Steps[i] = s
		}
	}
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
