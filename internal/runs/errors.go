package runs

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// Conflict reasons reported to clients.
const (
	ReasonAlreadyTerminal = "run_already_terminal"
	ReasonAlreadyRunning  = "run_already_running"
)

// ErrValidation indicates a malformed request; nothing was changed.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrRunNotFound indicates no run has the id.
type ErrRunNotFound struct {
	RunID uuid.UUID
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

// ErrForbidden indicates the caller may not see the run. Callers surface it the
// same way as ErrRunNotFound so that existence is not revealed.
type ErrForbidden struct {
	RunID uuid.UUID
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("access to run %s denied", e.RunID)
}

// ErrConflict indicates the run is in a state that does not allow the
// transition. Run holds the current state so callers can render it directly.
type ErrConflict struct {
	Run    *types.Run
	Reason string
}

func (e *ErrConflict) Error() string {
	if e.Run != nil {
		return fmt.Sprintf("%s: run %s is %s", e.Reason, e.Run.ID, e.Run.Status)
	}
	return e.Reason
}
