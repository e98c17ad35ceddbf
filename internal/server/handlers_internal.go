package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/executor"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/types"
)

// requireWorker admits only requests carrying the executor's shared token.
func (s *Server) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.worker == nil || !s.worker.Verify(r.Header.Get(executor.WorkerTokenHeader)) {
			s.logger.Warn("rejected executor callback", "path", r.URL.Path, "remote", clientID(r))
			s.writeError(w, r, &ErrInvalidWorkerToken{})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWorkerGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.runs.Load(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleWorkerStep(w http.ResponseWriter, r *http.Request) {
	var u types.StepUpdate
	s.handleReport(w, r, &u, func(ctx context.Context, id uuid.UUID) (runs.Report, error) {
		return s.runs.ReportStepUpdate(ctx, id, u)
	})
}

func (s *Server) handleWorkerToolCall(w http.ResponseWriter, r *http.Request) {
	var req types.ToolCallRequest
	s.handleReport(w, r, &req, func(ctx context.Context, id uuid.UUID) (runs.Report, error) {
		return s.runs.ReportToolCall(ctx, id, req.ToolCall)
	})
}

func (s *Server) handleWorkerArtifact(w http.ResponseWriter, r *http.Request) {
	var req types.ArtifactRequest
	s.handleReport(w, r, &req, func(ctx context.Context, id uuid.UUID) (runs.Report, error) {
		return s.runs.ReportArtifact(ctx, id, req.Artifact)
	})
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	s.handleReport(w, r, &req, func(ctx context.Context, id uuid.UUID) (runs.Report, error) {
		return s.runs.ReportCompletion(ctx, id, req.Stats)
	})
}

func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	var req types.FailureRequest
	s.handleReport(w, r, &req, func(ctx context.Context, id uuid.UUID) (runs.Report, error) {
		return s.runs.ReportFailure(ctx, id, req.FailureSummary)
	})
}

// handleReport decodes body and applies an executor report. A report against a
// terminal run still answers 200 with applied=false.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, body any, apply func(context.Context, uuid.UUID) (runs.Report, error)) {
	id, err := pathRunID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := decodeJSON(w, r, body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := apply(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rep)
}
