package runs

import (
	"slices"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// Principal is the authenticated end user acting on runs.
type Principal struct {
	UserID       uuid.UUID
	WorkspaceIDs []uuid.UUID
}

// CanAccess reports whether p owns run or is a member of the run's workspace.
func (p Principal) CanAccess(run *types.Run) bool {
	if run.OwnerID == p.UserID {
		return true
	}
	return run.WorkspaceID != nil && p.IsMember(*run.WorkspaceID)
}

// IsMember reports whether p belongs to workspaceID.
func (p Principal) IsMember(workspaceID uuid.UUID) bool {
	return slices.Contains(p.WorkspaceIDs, workspaceID)
}
