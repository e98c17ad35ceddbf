package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/store"
	"github.com/hirepilot/agentruns/internal/types"
	"github.com/jackc/pgx/v5"
)

const runColumns = `id, user_id, workspace_id, conversation_id, campaign_id, status,
	plan_json, progress_json, artifacts_json, stats_json, created_at, updated_at`

var _ store.Store = (*DB)(nil)

// CreateRun inserts a new run record
func (db *DB) CreateRun(ctx context.Context, run *types.Run) error {
	docs, err := marshalDocuments(run)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO rex_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.OwnerID, run.WorkspaceID, run.ConversationID, run.CampaignID, string(run.Status),
		docs.plan, docs.progress, docs.artifacts, docs.stats, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rex_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the runs visible under filter, newest first
func (db *DB) ListRuns(ctx context.Context, filter store.ListFilter) ([]*types.Run, error) {
	workspaceIDs := make([]string, 0, len(filter.WorkspaceIDs))
	for _, ws := range filter.WorkspaceIDs {
		workspaceIDs = append(workspaceIDs, ws.String())
	}

	query := `SELECT ` + runColumns + ` FROM rex_runs
		WHERE (user_id = $1 OR workspace_id = ANY($2::uuid[]))`
	args := []any{filter.OwnerID, workspaceIDs}
	argNum := 3

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, filter.EffectiveLimit())

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*types.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun locks the run row, applies fn and writes the result back in one
// transaction.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, fn store.UpdateFunc) (*types.Run, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin run update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rex_runs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}

	current, err := run.Clone()
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return current, err
	}
	run.ID = id
	run.UpdatedAt = time.Now().UTC()

	docs, err := marshalDocuments(run)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE rex_runs
		 SET status = $1, plan_json = $2, progress_json = $3, artifacts_json = $4,
		     stats_json = $5, updated_at = $6
		 WHERE id = $7`,
		string(run.Status), docs.plan, docs.progress, docs.artifacts, docs.stats, run.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit run update: %w", err)
	}
	return run, nil
}

type runDocuments struct {
	plan, progress, artifacts, stats []byte
}

func marshalDocuments(run *types.Run) (runDocuments, error) {
	var (
		docs runDocuments
		err  error
	)
	if docs.plan, err = json.Marshal(run.Plan); err != nil {
		return docs, fmt.Errorf("failed to marshal plan: %w", err)
	}
	if docs.progress, err = json.Marshal(run.Progress); err != nil {
		return docs, fmt.Errorf("failed to marshal progress: %w", err)
	}
	if docs.artifacts, err = json.Marshal(run.Artifacts); err != nil {
		return docs, fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	if docs.stats, err = json.Marshal(run.Stats); err != nil {
		return docs, fmt.Errorf("failed to marshal stats: %w", err)
	}
	return docs, nil
}

func scanRun(row pgx.Row) (*types.Run, error) {
	var (
		run                              types.Run
		status                           string
		plan, progress, artifacts, stats []byte
	)
	if err := row.Scan(&run.ID, &run.OwnerID, &run.WorkspaceID, &run.ConversationID, &run.CampaignID,
		&status, &plan, &progress, &artifacts, &stats, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = types.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	for _, doc := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"plan", plan, &run.Plan},
		{"progress", progress, &run.Progress},
		{"artifacts", artifacts, &run.Artifacts},
		{"stats", stats, &run.Stats},
	} {
		if err := json.Unmarshal(doc.data, doc.dst); err != nil {
			return nil, fmt.Errorf("failed to decode %s of run %s: %w", doc.name, run.ID, err)
		}
	}
	return &run, nil
}

// truncate keeps error strings stored on jobs bounded.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
