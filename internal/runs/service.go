// Package runs owns the run lifecycle: creation from a plan document, start and
// cancel transitions, and the reports an executor sends while it works. Every
// mutation goes through the store's atomic update and is published on the
// event bus only after it has been committed.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/events"
	"github.com/hirepilot/agentruns/internal/plan"
	"github.com/hirepilot/agentruns/internal/progress"
	"github.com/hirepilot/agentruns/internal/queue"
	"github.com/hirepilot/agentruns/internal/schemas"
	"github.com/hirepilot/agentruns/internal/store"
	"github.com/hirepilot/agentruns/internal/types"
)

// CreateInput is everything needed to create a run.
type CreateInput struct {
	Plan           map[string]any
	ConversationID *string
	CampaignID     *string
	WorkspaceID    *uuid.UUID
}

// ListOptions narrows List.
type ListOptions struct {
	Status types.RunStatus
	Limit  int
}

// Report is the outcome of an executor report. Applied is false when the run
// was already terminal and the report was ignored.
type Report struct {
	Run     *types.Run `json:"run"`
	Applied bool       `json:"applied"`
}

// Service implements the run lifecycle.
type Service struct {
	store  store.Store
	bus    events.Publisher
	queue  queue.Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a Service.
func NewService(st store.Store, bus events.Publisher, dispatcher queue.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		bus:    bus,
		queue:  dispatcher,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create normalizes the plan and persists a queued run owned by the caller.
func (s *Service) Create(ctx context.Context, p Principal, in CreateInput) (*types.Run, error) {
	if in.WorkspaceID != nil && !p.IsMember(*in.WorkspaceID) {
		return nil, &ErrValidation{Field: "workspace_id", Message: "caller is not a member of the workspace"}
	}

	normalized := plan.Normalize(in.Plan, plan.Source{
		ConversationID: in.ConversationID,
		CampaignID:     in.CampaignID,
	})
	if err := schemas.ValidatePlan(normalized); err != nil {
		return nil, fmt.Errorf("normalized plan is invalid: %w", err)
	}

	now := s.now()
	id := uuid.New()
	stats := types.NewStats()
	stats.Credits.Estimated = normalized.Estimates.Credits.Max
	stats.Credits.Remaining = normalized.Estimates.Credits.Max

	run := &types.Run{
		ID:             id,
		OwnerID:        p.UserID,
		WorkspaceID:    in.WorkspaceID,
		ConversationID: in.ConversationID,
		CampaignID:     in.CampaignID,
		Status:         types.RunStatusQueued,
		Plan:           normalized,
		Progress:       progress.Initial(normalized, id, now),
		Artifacts:      types.NewArtifacts(),
		Stats:          stats,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("run created", "run_id", run.ID, "user_id", p.UserID, "steps", len(normalized.Steps))
	return run, nil
}

// Get returns a run the caller may see.
func (s *Service) Get(ctx context.Context, p Principal, id uuid.UUID) (*types.Run, error) {
	run, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(run) {
		return nil, &ErrForbidden{RunID: id}
	}
	return run, nil
}

// Load returns a run without an access check. It serves the executor.
func (s *Service) Load(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	return s.load(ctx, id)
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ErrRunNotFound{RunID: id}
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns the caller's runs and the runs of their workspaces, newest first.
func (s *Service) List(ctx context.Context, p Principal, opts ListOptions) ([]*types.Run, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, &ErrValidation{Field: "status", Message: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	return s.store.ListRuns(ctx, store.ListFilter{
		OwnerID:      p.UserID,
		WorkspaceIDs: p.WorkspaceIDs,
		Status:       opts.Status,
		Limit:        opts.Limit,
	})
}

// Start moves a queued run to running and enqueues its execution. Starting a
// run that is running or terminal is a conflict and changes nothing.
func (s *Service) Start(ctx context.Context, p Principal, id uuid.UUID) (*types.Run, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}

	now := s.now()
	var reason string
	run, err := s.update(ctx, id, func(r *types.Run) error {
		switch {
		case r.Status.IsTerminal():
			reason = ReasonAlreadyTerminal
			return store.ErrNoChange
		case r.Status == types.RunStatusRunning:
			reason = ReasonAlreadyRunning
			return store.ErrNoChange
		}
		r.Status = types.RunStatusRunning
		r.Progress.Status = keepFailure(r.Progress.Status, types.RunStatusRunning)
		if r.Progress.StartedAt == nil {
			r.Progress.StartedAt = &now
		}
		r.Progress.UpdatedAt = now
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return nil, &ErrConflict{Run: run, Reason: reason}
	}
	if err != nil {
		return nil, err
	}

	s.publish(run.ID, types.RunStarted{Status: run.Status, StartedAt: *run.Progress.StartedAt})

	if err := s.queue.Enqueue(ctx, queue.NewJob(run.ID, run.OwnerID)); err != nil {
		s.logger.Error("enqueue failed, returning run to queued", "run_id", run.ID, "error", err)
		s.revertStart(context.WithoutCancel(ctx), run.ID)
		return nil, fmt.Errorf("failed to enqueue run %s: %w", run.ID, err)
	}

	s.logger.Info("run started", "run_id", run.ID)
	return run, nil
}

// revertStart undoes a start whose job could not be enqueued, provided no
// executor has touched the run yet, and tells subscribers via a fresh snapshot.
func (s *Service) revertStart(ctx context.Context, id uuid.UUID) {
	run, err := s.update(ctx, id, func(r *types.Run) error {
		if r.Status != types.RunStatusRunning || r.Progress.CurrentStepID != nil {
			return store.ErrNoChange
		}
		r.Status = types.RunStatusQueued
		r.Progress.Status = keepFailure(r.Progress.Status, types.RunStatusQueued)
		r.Progress.StartedAt = nil
		r.Progress.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNoChange) {
			s.logger.Error("failed to revert start", "run_id", id, "error", err)
		}
		return
	}
	s.bus.Publish(SnapshotEvent(run))
}

// Cancel stops a run that has not finished yet. Executors notice the
// cancellation the next time they read or report on the run.
func (s *Service) Cancel(ctx context.Context, p Principal, id uuid.UUID) (*types.Run, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}

	now := s.now()
	run, err := s.update(ctx, id, func(r *types.Run) error {
		if r.Status.IsTerminal() {
			return store.ErrNoChange
		}
		r.Status = types.RunStatusCancelled
		r.Progress.Status = keepFailure(r.Progress.Status, types.RunStatusCancelled)
		r.Progress.CompletedAt = &now
		r.Progress.UpdatedAt = now
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return nil, &ErrConflict{Run: run, Reason: ReasonAlreadyTerminal}
	}
	if err != nil {
		return nil, err
	}

	s.publish(run.ID, types.RunCancelled{Status: run.Status, CompletedAt: now})
	s.logger.Info("run cancelled", "run_id", run.ID)
	return run, nil
}

// ReportStepUpdate merges one step event into the run's progress.
func (s *Service) ReportStepUpdate(ctx context.Context, runID uuid.UUID, u types.StepUpdate) (Report, error) {
	if err := u.Validate(); err != nil {
		return Report{}, &ErrValidation{Field: "step", Message: err.Error()}
	}

	return s.report(ctx, runID, func(r *types.Run, now time.Time) ([]types.Payload, error) {
		r.Progress = progress.Merge(r.Progress, u)
		r.Progress.UpdatedAt = now
		refreshDerivedStats(r, now)

		step := r.Progress.Step(u.StepID)
		return []types.Payload{types.StepUpdated{
			StepProgress:  *step,
			CurrentStepID: r.Progress.CurrentStepID,
			RunStatus:     r.Progress.Status,
			Counters:      r.Progress.Counters,
		}}, nil
	})
}

// ReportToolCall records or updates a tool call in the run's stats.
func (s *Service) ReportToolCall(ctx context.Context, runID uuid.UUID, tc types.ToolCall) (Report, error) {
	req := types.ToolCallRequest{ToolCall: tc}
	if err := req.Validate(); err != nil {
		return Report{}, &ErrValidation{Field: "toolcall", Message: err.Error()}
	}

	return s.report(ctx, runID, func(r *types.Run, now time.Time) ([]types.Payload, error) {
		r.Stats.UpsertToolCall(tc)
		r.Progress.UpdatedAt = now
		return []types.Payload{types.ToolCallLogged{ToolCall: tc}}, nil
	})
}

// ReportArtifact records or updates an artifact. An artifact keeps the
// created_at of its first report.
func (s *Service) ReportArtifact(ctx context.Context, runID uuid.UUID, a types.Artifact) (Report, error) {
	req := types.ArtifactRequest{Artifact: a}
	if err := req.Validate(); err != nil {
		return Report{}, &ErrValidation{Field: "artifact", Message: err.Error()}
	}

	return s.report(ctx, runID, func(r *types.Run, now time.Time) ([]types.Payload, error) {
		for _, existing := range r.Artifacts.Items {
			if existing.ArtifactID == a.ArtifactID && !existing.CreatedAt.IsZero() {
				a.CreatedAt = existing.CreatedAt
			}
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		r.Artifacts.Upsert(a)
		r.Progress.UpdatedAt = now
		return []types.Payload{types.ArtifactCreated{Artifact: a}}, nil
	})
}

// ReportCompletion finishes the run. The run ends in failure when a step
// failure was already recorded, and in success otherwise.
func (s *Service) ReportCompletion(ctx context.Context, runID uuid.UUID, final types.FinalStats) (Report, error) {
	return s.report(ctx, runID, func(r *types.Run, now time.Time) ([]types.Payload, error) {
		final.Apply(&r.Stats)
		status := types.RunStatusSuccess
		if r.Progress.Status == types.RunStatusFailure {
			status = types.RunStatusFailure
		}
		finish(r, status, now)

		if status == types.RunStatusSuccess {
			return []types.Payload{types.RunCompleted{Status: status, CompletedAt: now, Stats: r.Stats}}, nil
		}
		msg, stepID := firstStepError(r.Progress)
		return []types.Payload{types.RunFailed{Status: status, CompletedAt: now, Error: msg, StepID: stepID}}, nil
	})
}

// ReportFailure ends the run in failure with the executor's error summary.
func (s *Service) ReportFailure(ctx context.Context, runID uuid.UUID, summary types.FailureSummary) (Report, error) {
	req := types.FailureRequest{FailureSummary: summary}
	if err := req.Validate(); err != nil {
		return Report{}, &ErrValidation{Field: "error", Message: err.Error()}
	}

	return s.report(ctx, runID, func(r *types.Run, now time.Time) ([]types.Payload, error) {
		if summary.StepID != "" {
			if step := r.Progress.Step(summary.StepID); step != nil {
				code := summary.Code
				if code == "" {
					code = "run_failed"
				}
				step.Errors = append(step.Errors, types.StepError{Code: code, Message: summary.Message})
			}
		}
		r.Stats.Quality.Notes = summary.Message
		finish(r, types.RunStatusFailure, now)

		return []types.Payload{types.RunFailed{
			Status:      types.RunStatusFailure,
			CompletedAt: now,
			Error:       summary.Message,
			StepID:      summary.StepID,
		}}, nil
	})
}

// keepFailure returns next unless a failed step already marked the progress as
// failed; lifecycle transitions never clear that.
func keepFailure(cur, next types.RunStatus) types.RunStatus {
	if cur == types.RunStatusFailure {
		return cur
	}
	return next
}

type reportFunc func(r *types.Run, now time.Time) ([]types.Payload, error)

// report applies an executor report unless the run is already terminal, then
// publishes the resulting events.
func (s *Service) report(ctx context.Context, runID uuid.UUID, apply reportFunc) (Report, error) {
	now := s.now()
	var payloads []types.Payload
	run, err := s.update(ctx, runID, func(r *types.Run) error {
		if r.Status.IsTerminal() {
			return store.ErrNoChange
		}
		var err error
		payloads, err = apply(r, now)
		return err
	})
	if errors.Is(err, store.ErrNoChange) {
		s.logger.Debug("ignoring report for terminal run", "run_id", runID, "status", run.Status)
		return Report{Run: run, Applied: false}, nil
	}
	if err != nil {
		return Report{}, err
	}

	for _, p := range payloads {
		s.publish(run.ID, p)
	}
	return Report{Run: run, Applied: true}, nil
}

func (s *Service) update(ctx context.Context, id uuid.UUID, fn store.UpdateFunc) (*types.Run, error) {
	run, err := s.store.UpdateRun(ctx, id, fn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ErrRunNotFound{RunID: id}
	}
	return run, err
}

func (s *Service) publish(runID uuid.UUID, p types.Payload) {
	s.bus.Publish(types.NewEvent(runID, p))
}

// SnapshotEvent builds the run.snapshot event for run's current state.
func SnapshotEvent(run *types.Run) types.Event {
	return types.NewEvent(run.ID, types.RunSnapshot{
		Status:    run.Status,
		Progress:  run.Progress,
		Artifacts: run.Artifacts,
		Stats:     run.Stats,
	})
}

func finish(r *types.Run, status types.RunStatus, now time.Time) {
	r.Status = status
	r.Progress.Status = status
	r.Progress.CompletedAt = &now
	r.Progress.UpdatedAt = now
	refreshDerivedStats(r, now)
}

// refreshDerivedStats recomputes the stats that follow from progress: elapsed
// time and the average step quality.
func refreshDerivedStats(r *types.Run, now time.Time) {
	if r.Progress.StartedAt != nil {
		end := now
		if r.Progress.CompletedAt != nil {
			end = *r.Progress.CompletedAt
		}
		r.Stats.Timing.ElapsedSeconds = int(end.Sub(*r.Progress.StartedAt).Seconds())
	}

	var sum float64
	var n int
	for _, step := range r.Progress.Steps {
		if step.Results.Quality.ScorePercent > 0 {
			sum += step.Results.Quality.ScorePercent
			n++
		}
	}
	if n > 0 {
		r.Stats.Quality.AvgScorePercent = sum / float64(n)
	}
}

func firstStepError(p types.Progress) (message, stepID string) {
	for _, step := range p.Steps {
		if step.Status != types.StepStatusFailure {
			continue
		}
		if len(step.Errors) > 0 {
			return step.Errors[0].Message, step.StepID
		}
		return fmt.Sprintf("step %s failed", step.StepID), step.StepID
	}
	return "run failed", ""
}
