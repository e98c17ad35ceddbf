package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/types"
)

// WorkspaceHeader selects the workspace a new run belongs to.
const WorkspaceHeader = "X-Workspace-ID"

// RunResponse wraps a single run.
type RunResponse struct {
	Run *types.Run `json:"run"`
}

// StartRunResponse is returned when a run was queued for execution.
type StartRunResponse struct {
	Run    *types.Run `json:"run"`
	Queued bool       `json:"queued"`
}

// ListRunsResponse wraps a page of runs.
type ListRunsResponse struct {
	Runs []*types.Run `json:"runs"`
}

// handleCreateRun normalizes the submitted plan and stores a queued run.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.CreateRunRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, &runs.ErrValidation{Field: "body", Message: err.Error()})
		return
	}

	in := runs.CreateInput{
		Plan:           req.PlanDocument(),
		ConversationID: req.Conversation(),
		CampaignID:     req.Campaign(),
	}
	if raw := r.Header.Get(WorkspaceHeader); raw != "" {
		workspaceID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, &runs.ErrValidation{Field: "workspace_id", Message: "workspace id must be a UUID"})
			return
		}
		in.WorkspaceID = &workspaceID
	}

	run, err := s.runs.Create(r.Context(), p, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, RunResponse{Run: run})
}

// handleListRuns lists the caller's runs, optionally filtered by status.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	opts := runs.ListOptions{Status: types.RunStatus(q.Get("status"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, r, &runs.ErrValidation{Field: "limit", Message: "limit must be a positive integer"})
			return
		}
		opts.Limit = limit
	}

	list, err := s.runs.List(r.Context(), p, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Run{}
	}
	s.jsonResponse(w, http.StatusOK, ListRunsResponse{Runs: list})
}

// handleGetRun returns one run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	p, id, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	run, err := s.runs.Get(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, RunResponse{Run: run})
}

// handleStartRun queues a run for execution. A conflict carries the current run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	p, id, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	run, err := s.runs.Start(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, StartRunResponse{Run: run, Queued: true})
}

// handleCancelRun cancels a run that has not finished.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	p, id, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	run, err := s.runs.Cancel(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, RunResponse{Run: run})
}

// runRequest extracts the caller and run id, writing the error response when
// either is missing.
func (s *Server) runRequest(w http.ResponseWriter, r *http.Request) (runs.Principal, uuid.UUID, bool) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return runs.Principal{}, uuid.Nil, false
	}
	id, err := pathRunID(r)
	if err != nil {
		s.writeError(w, r, err)
		return runs.Principal{}, uuid.Nil, false
	}
	return p, id, true
}
