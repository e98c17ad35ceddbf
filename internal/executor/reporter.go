package executor

import (
	"context"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/types"
)

// Reporter is the executor's view of the run lifecycle. *runs.Service satisfies
// it directly for embedded workers; HTTPReporter satisfies it for workers
// running in their own process.
type Reporter interface {
	Load(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	ReportStepUpdate(ctx context.Context, runID uuid.UUID, u types.StepUpdate) (runs.Report, error)
	ReportToolCall(ctx context.Context, runID uuid.UUID, tc types.ToolCall) (runs.Report, error)
	ReportArtifact(ctx context.Context, runID uuid.UUID, a types.Artifact) (runs.Report, error)
	ReportCompletion(ctx context.Context, runID uuid.UUID, final types.FinalStats) (runs.Report, error)
	ReportFailure(ctx context.Context, runID uuid.UUID, summary types.FailureSummary) (runs.Report, error)
}

var _ Reporter = (*runs.Service)(nil)

// StepContext is handed to a runner for the duration of one step.
type StepContext struct {
	Run  *types.Run
	Step types.PlanStep
	// Partial is set when at least one dependency did not succeed and the
	// step's policy is continue_with_partial.
	Partial bool

	reporter Reporter
	stopped  bool
}

// Progress reports intermediate progress of the step.
func (sc *StepContext) Progress(ctx context.Context, current, total int, label string) error {
	meter := &types.StepMeterPatch{Current: &current, Total: &total}
	if label != "" {
		meter.Label = &label
	}
	if total > 0 {
		pct := float64(current) / float64(total) * 100
		meter.Percent = &pct
	}
	return sc.report(func() (runs.Report, error) {
		return sc.reporter.ReportStepUpdate(ctx, sc.Run.ID, types.StepUpdate{StepID: sc.Step.StepID, Progress: meter})
	})
}

// ToolCall logs a tool invocation against the step.
func (sc *StepContext) ToolCall(ctx context.Context, tc types.ToolCall) error {
	if tc.StepID == "" {
		tc.StepID = sc.Step.StepID
	}
	return sc.report(func() (runs.Report, error) {
		return sc.reporter.ReportToolCall(ctx, sc.Run.ID, tc)
	})
}

// Artifact records an artifact produced by the step.
func (sc *StepContext) Artifact(ctx context.Context, a types.Artifact) error {
	if a.StepID == "" {
		a.StepID = sc.Step.StepID
	}
	return sc.report(func() (runs.Report, error) {
		return sc.reporter.ReportArtifact(ctx, sc.Run.ID, a)
	})
}

// Stopped reports whether the run has ended while the step was working, for
// example because its owner cancelled it. Runners should return promptly.
func (sc *StepContext) Stopped() bool {
	return sc.stopped
}

func (sc *StepContext) report(fn func() (runs.Report, error)) error {
	rep, err := fn()
	if err != nil {
		return err
	}
	if !rep.Applied {
		sc.stopped = true
	}
	return nil
}
