package server

import (
	"errors"
	"net/http"

	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/server/middleware"
)

// Error codes carried in the "error" field of JSON error bodies.
const (
	CodeValidation      = "validation_error"
	CodeUnauthorized    = "unauthorized"
	CodeRunNotFound     = "run_not_found"
	CodeRateLimited     = "rate_limit_exceeded"
	CodeInternal        = "internal_error"
	CodeWorkerForbidden = "invalid_worker_token"
)

// ErrInvalidWorkerToken indicates an executor callback without a valid worker token.
type ErrInvalidWorkerToken struct{}

func (e *ErrInvalidWorkerToken) Error() string {
	return "invalid worker token"
}

// HTTPStatus returns the appropriate HTTP status code for an error. A caller
// who may not see a run gets the same answer as for a run that does not exist.
func HTTPStatus(err error) int {
	var (
		validation *runs.ErrValidation
		notFound   *runs.ErrRunNotFound
		forbidden  *runs.ErrForbidden
		conflict   *runs.ErrConflict
		worker     *ErrInvalidWorkerToken
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, middleware.ErrUnauthenticated), errors.As(err, &worker):
		return http.StatusUnauthorized
	case errors.As(err, &notFound), errors.As(err, &forbidden):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err as the JSON error body clients see.
func errorBody(err error) map[string]any {
	var (
		validation *runs.ErrValidation
		forbidden  *runs.ErrForbidden
		conflict   *runs.ErrConflict
		worker     *ErrInvalidWorkerToken
	)
	switch {
	case errors.As(err, &conflict):
		return map[string]any{"error": conflict.Reason, "run": conflict.Run}
	case errors.As(err, &validation):
		return map[string]any{"error": CodeValidation, "field": validation.Field, "message": validation.Message}
	case errors.As(err, &forbidden):
		return map[string]any{"error": CodeRunNotFound, "message": (&runs.ErrRunNotFound{RunID: forbidden.RunID}).Error()}
	case errors.As(err, &worker):
		return map[string]any{"error": CodeWorkerForbidden}
	}

	switch HTTPStatus(err) {
	case http.StatusUnauthorized:
		return map[string]any{"error": CodeUnauthorized}
	case http.StatusNotFound:
		return map[string]any{"error": CodeRunNotFound, "message": err.Error()}
	default:
		return map[string]any{"error": CodeInternal}
	}
}
