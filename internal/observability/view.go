package observability

import (
	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// RunView is a client-side picture of a run, rebuilt from its event stream.
// A snapshot replaces everything; every other event patches the part it
// describes. Applying the same event twice leaves the view unchanged.
type RunView struct {
	RunID     uuid.UUID
	Status    types.RunStatus
	Progress  types.Progress
	Artifacts types.Artifacts
	Stats     types.Stats
	// Error is the failure message of a failed run.
	Error string

	synced bool
}

// Synced reports whether a snapshot has been applied.
func (v *RunView) Synced() bool { return v.synced }

// Done reports whether the run reached a terminal state.
func (v *RunView) Done() bool { return v.Status.IsTerminal() }

// Apply folds e into the view. Events that arrive before the first snapshot
// are ignored, since the snapshot that follows covers them.
func (v *RunView) Apply(e types.Event) {
	if snap, ok := e.Payload.(types.RunSnapshot); ok {
		v.RunID = e.RunID
		v.Status = snap.Status
		v.Progress = snap.Progress
		v.Artifacts = snap.Artifacts
		v.Stats = snap.Stats
		v.synced = true
		return
	}
	if !v.synced {
		return
	}

	switch p := e.Payload.(type) {
	case types.RunStarted:
		v.setStatus(p.Status)
		started := p.StartedAt
		v.Progress.StartedAt = &started
	case types.StepUpdated:
		if step := v.Progress.Step(p.StepID); step != nil {
			*step = p.StepProgress
		} else {
			v.Progress.Steps = append(v.Progress.Steps, p.StepProgress)
		}
		v.Progress.CurrentStepID = p.CurrentStepID
		v.Progress.Counters = p.Counters
		v.setStatus(p.RunStatus)
	case types.ToolCallLogged:
		v.Stats.UpsertToolCall(p.ToolCall)
	case types.ArtifactCreated:
		v.Artifacts.Upsert(p.Artifact)
	case types.RunCompleted:
		v.setStatus(p.Status)
		v.Stats = p.Stats
		completed := p.CompletedAt
		v.Progress.CompletedAt = &completed
	case types.RunFailed:
		v.setStatus(p.Status)
		v.Error = p.Error
		completed := p.CompletedAt
		v.Progress.CompletedAt = &completed
	case types.RunCancelled:
		v.setStatus(p.Status)
		completed := p.CompletedAt
		v.Progress.CompletedAt = &completed
	}
}

func (v *RunView) setStatus(s types.RunStatus) {
	if s == "" {
		return
	}
	v.Status = s
	v.Progress.Status = s
}
