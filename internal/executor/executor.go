// Package executor hosts plan execution on the worker side of the queue. It
// orders a run's steps by their dependencies, hands each step to the runner
// registered for its category and reports every transition back to the run
// lifecycle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/queue"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/types"
)

// Error codes attached to step errors and failure summaries.
const (
	CodeInvalidPlan      = "invalid_plan"
	CodeStepFailed       = "step_failed"
	CodeDependencyFailed = "dependency_failed"
	CodeNoRunner         = "no_runner"
)

// Executor runs plans. It implements queue.Handler.
type Executor struct {
	registry *Registry
	reporter Reporter
	logger   *slog.Logger
}

var _ queue.Handler = (*Executor)(nil)

// New creates an Executor.
func New(registry *Registry, reporter Reporter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, reporter: reporter, logger: logger}
}

// errStopped ends execution once the run has left the running state.
var errStopped = errors.New("run is no longer running")

// Handle executes the run referenced by job. Jobs for missing, terminal or
// not-yet-started runs are acknowledged without doing any work. An error is
// returned only for infrastructure failures, so the job can be retried.
func (e *Executor) Handle(ctx context.Context, job queue.Job) error {
	log := e.logger.With("run_id", job.RunID, "job_id", job.ID, "attempt", job.Attempt)

	run, err := e.reporter.Load(ctx, job.RunID)
	if err != nil {
		var notFound *runs.ErrRunNotFound
		if errors.As(err, &notFound) {
			log.Warn("dropping job for unknown run")
			return nil
		}
		return fmt.Errorf("failed to load run %s: %w", job.RunID, err)
	}
	if run.Status != types.RunStatusRunning {
		log.Info("skipping run that is not running", "status", run.Status)
		return nil
	}

	err = e.execute(ctx, run, log)
	if errors.Is(err, errStopped) {
		log.Info("run ended while executing")
		return nil
	}
	return err
}

type execution struct {
	run      *types.Run
	outcomes map[string]types.StepStatus
	credits  float64
	counts   types.CountStats
}

func (e *Executor) execute(ctx context.Context, run *types.Run, log *slog.Logger) error {
	ordered, err := Order(run.Plan)
	if err != nil {
		log.Warn("plan cannot be executed", "error", err)
		_, ferr := e.reporter.ReportFailure(ctx, run.ID, types.FailureSummary{
			Code:    CodeInvalidPlan,
			Message: clip(err.Error()),
		})
		return ferr
	}

	ex := &execution{run: run, outcomes: make(map[string]types.StepStatus, len(ordered))}
	// A redelivered job resumes after the steps an earlier attempt finished.
	for _, sp := range run.Progress.Steps {
		if sp.Status.IsTerminal() {
			ex.outcomes[sp.StepID] = sp.Status
		}
	}

	for _, step := range ordered {
		if _, finished := ex.outcomes[step.StepID]; finished {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.checkRunning(ctx, run.ID); err != nil {
			return err
		}

		status, err := e.runStep(ctx, ex, step, log)
		if err != nil {
			return err
		}
		ex.outcomes[step.StepID] = status
	}

	_, err = e.reporter.ReportCompletion(ctx, run.ID, ex.finalStats())
	if err == nil {
		log.Info("run execution finished", "steps", len(ordered))
	}
	return err
}

// checkRunning reloads the run so cancellations between steps are observed.
func (e *Executor) checkRunning(ctx context.Context, runID uuid.UUID) error {
	current, err := e.reporter.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to reload run %s: %w", runID, err)
	}
	if current.Status != types.RunStatusRunning {
		return errStopped
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, ex *execution, step types.PlanStep, log *slog.Logger) (types.StepStatus, error) {
	log = log.With("step_id", step.StepID, "category", step.Category)

	blocked := ex.blockedBy(step)
	partial := false
	if len(blocked) > 0 {
		msg := fmt.Sprintf("dependencies did not succeed: %v", blocked)
		switch step.Policy.OnDependencyFailure {
		case types.DependencyFailRun:
			log.Info("failing run on dependency failure", "blocked_by", blocked)
			if err := e.finishStep(ctx, ex.run.ID, step.StepID, types.StepStatusFailure, nil, CodeDependencyFailed, msg); err != nil {
				return "", err
			}
			if err := e.fail(ctx, ex.run.ID, step.StepID, CodeDependencyFailed, msg); err != nil {
				return "", err
			}
			return "", errStopped
		case types.DependencyContinueWithPartial:
			partial = true
		default:
			log.Info("skipping step on dependency failure", "blocked_by", blocked)
			return types.StepStatusSkipped, e.finishStep(ctx, ex.run.ID, step.StepID, types.StepStatusSkipped, nil, CodeDependencyFailed, msg)
		}
	}

	runner, ok := e.registry.Lookup(step.Category)
	if !ok {
		log.Info("no runner registered for category, skipping step")
		msg := fmt.Sprintf("no runner registered for category %q", step.Category)
		return types.StepStatusSkipped, e.finishStep(ctx, ex.run.ID, step.StepID, types.StepStatusSkipped, nil, CodeNoRunner, msg)
	}

	if err := e.step(ctx, ex.run.ID, types.StepUpdate{StepID: step.StepID, Status: types.StepStatusRunning}); err != nil {
		return "", err
	}

	sc := &StepContext{Run: ex.run, Step: step, Partial: partial, reporter: e.reporter}
	result, runErr := e.safeRun(ctx, runner, sc, log)
	if sc.stopped {
		return "", errStopped
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("step failed", "error", runErr)
		if err := e.finishStep(ctx, ex.run.ID, step.StepID, types.StepStatusFailure, nil, CodeStepFailed, runErr.Error()); err != nil {
			return "", err
		}
		if step.Policy.StopOnFailure {
			if err := e.fail(ctx, ex.run.ID, step.StepID, CodeStepFailed, runErr.Error()); err != nil {
				return "", err
			}
			return "", errStopped
		}
		return types.StepStatusFailure, nil
	}

	ex.credits += result.CreditsUsed
	ex.counts.ProfilesFound += result.Counts.ProfilesFound
	ex.counts.ProfilesEnriched += result.Counts.ProfilesEnriched
	ex.counts.LeadsCreated += result.Counts.LeadsCreated
	ex.counts.MessagesScheduled += result.Counts.MessagesScheduled

	log.Debug("step succeeded")
	return types.StepStatusSuccess, e.finishStep(ctx, ex.run.ID, step.StepID, types.StepStatusSuccess, &result, "", "")
}

func (e *Executor) finishStep(ctx context.Context, runID uuid.UUID, stepID string, status types.StepStatus, result *StepResult, code, message string) error {
	u := types.StepUpdate{StepID: stepID, Status: status}
	if result != nil {
		u.Results = &types.StepResultsPatch{Metrics: result.Metrics}
		if result.Summary != "" {
			u.Results.Summary = &result.Summary
		}
		if result.ScorePercent != nil {
			u.Results.Quality = &types.QualityPatch{ScorePercent: result.ScorePercent}
		}
		u.Progress = &types.StepMeterPatch{Percent: types.Ptr(100.0)}
	}
	if message != "" {
		u.Errors = []types.StepError{{Code: code, Message: message}}
	}
	return e.step(ctx, runID, u)
}

func (e *Executor) step(ctx context.Context, runID uuid.UUID, u types.StepUpdate) error {
	rep, err := e.reporter.ReportStepUpdate(ctx, runID, u)
	if err != nil {
		return fmt.Errorf("failed to report step %s: %w", u.StepID, err)
	}
	if !rep.Applied {
		return errStopped
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, runID uuid.UUID, stepID, code, message string) error {
	_, err := e.reporter.ReportFailure(ctx, runID, types.FailureSummary{Code: code, Message: clip(message), StepID: stepID})
	if err != nil {
		return fmt.Errorf("failed to report run failure: %w", err)
	}
	return nil
}

// blockedBy returns the dependencies of step that did not succeed.
func (ex *execution) blockedBy(step types.PlanStep) []string {
	var blocked []string
	for _, dep := range step.DependsOn {
		if ex.outcomes[dep] != types.StepStatusSuccess {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}

func (ex *execution) finalStats() types.FinalStats {
	credits := ex.run.Stats.Credits
	credits.Used += ex.credits
	credits.Remaining = max(credits.Estimated-credits.Used, 0)

	counts := ex.run.Stats.Counts
	counts.ProfilesFound += ex.counts.ProfilesFound
	counts.ProfilesEnriched += ex.counts.ProfilesEnriched
	counts.LeadsCreated += ex.counts.LeadsCreated
	counts.MessagesScheduled += ex.counts.MessagesScheduled

	return types.FinalStats{Credits: &credits, Counts: &counts}
}

func (e *Executor) safeRun(ctx context.Context, runner StepRunner, sc *StepContext, log *slog.Logger) (result StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("step runner panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("step runner panicked: %v", r)
		}
	}()
	return runner.Run(ctx, sc)
}

// maxMessage matches the length limit on failure summaries.
const maxMessage = 4096

func clip(msg string) string {
	if len(msg) <= maxMessage {
		return msg
	}
	return msg[:maxMessage]
}
