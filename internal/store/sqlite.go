package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rex_runs (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	workspace_id    TEXT,
	conversation_id TEXT,
	campaign_id     TEXT,
	status          TEXT NOT NULL,
	plan_json       TEXT NOT NULL,
	progress_json   TEXT NOT NULL,
	artifacts_json  TEXT NOT NULL,
	stats_json      TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS rex_runs_user_created ON rex_runs (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS rex_runs_workspace_created ON rex_runs (workspace_id, created_at DESC);
`

// sqliteTime has a fixed width so timestamps sort correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteColumns = `id, user_id, workspace_id, conversation_id, campaign_id, status,
	plan_json, progress_json, artifacts_json, stats_json, created_at, updated_at`

// SQLite is a Store backed by an embedded SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, applies WAL mode and a
// busy timeout, and creates the runs table if it does not exist.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers, which is what UpdateRun relies on.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema on %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

// Ping checks that the database file is still usable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run row.
func (s *SQLite) CreateRun(ctx context.Context, run *types.Run) error {
	row, err := encodeRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rex_runs (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.id, row.userID, row.workspaceID, row.conversationID, row.campaignID, row.status,
		row.plan, row.progress, row.artifacts, row.stats, row.createdAt, row.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun loads one run or returns ErrNotFound.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	return getRun(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q querier, id uuid.UUID) (*types.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM rex_runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the runs visible under filter, newest first.
func (s *SQLite) ListRuns(ctx context.Context, filter ListFilter) ([]*types.Run, error) {
	var (
		where []string
		args  []any
	)
	visible := []string{"user_id = ?"}
	args = append(args, filter.OwnerID.String())
	if len(filter.WorkspaceIDs) > 0 {
		placeholders := make([]string, len(filter.WorkspaceIDs))
		for i, ws := range filter.WorkspaceIDs {
			placeholders[i] = "?"
			args = append(args, ws.String())
		}
		visible = append(visible, "workspace_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	where = append(where, "("+strings.Join(visible, " OR ")+")")
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM rex_runs WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC LIMIT ?`,
		args...,
	)
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

// UpdateRun reads, mutates and writes the run inside one transaction.
func (s *SQLite) UpdateRun(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*types.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := getRun(ctx, tx, id)
	if err != nil {
		return nil, err
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

	row, err := encodeRow(run)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE rex_runs
		 SET status = ?, plan_json = ?, progress_json = ?, artifacts_json = ?, stats_json = ?, updated_at = ?
		 WHERE id = ?`,
		row.status, row.plan, row.progress, row.artifacts, row.stats, row.updatedAt, row.id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run update: %w", err)
	}
	return run, nil
}

type encodedRow struct {
	id, userID                              string
	workspaceID, conversationID, campaignID *string
	status                                  string
	plan, progress, artifacts, stats        string
	createdAt, updatedAt                    string
}

func encodeRow(run *types.Run) (encodedRow, error) {
	row := encodedRow{
		id:             run.ID.String(),
		userID:         run.OwnerID.String(),
		conversationID: run.ConversationID,
		campaignID:     run.CampaignID,
		status:         string(run.Status),
		createdAt:      run.CreatedAt.UTC().Format(sqliteTime),
		updatedAt:      run.UpdatedAt.UTC().Format(sqliteTime),
	}
	if run.WorkspaceID != nil {
		ws := run.WorkspaceID.String()
		row.workspaceID = &ws
	}

	docs := []struct {
		dst  *string
		name string
		v    any
	}{
		{&row.plan, "plan", run.Plan},
		{&row.progress, "progress", run.Progress},
		{&row.artifacts, "artifacts", run.Artifacts},
		{&row.stats, "stats", run.Stats},
	}
	for _, d := range docs {
		b, err := json.Marshal(d.v)
		if err != nil {
			return encodedRow{}, fmt.Errorf("failed to marshal %s: %w", d.name, err)
		}
		*d.dst = string(b)
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*types.Run, error) {
	var (
		run                                   types.Run
		id, userID, status                    string
		workspaceID, conversationID, campaign sql.NullString
		plan, progress, artifacts, stats      string
		createdAt, updatedAt                  string
	)
	if err := s.Scan(&id, &userID, &workspaceID, &conversationID, &campaign, &status,
		&plan, &progress, &artifacts, &stats, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if run.OwnerID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	if workspaceID.Valid {
		ws, err := uuid.Parse(workspaceID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid workspace id %q: %w", workspaceID.String, err)
		}
		run.WorkspaceID = &ws
	}
	if conversationID.Valid {
		run.ConversationID = &conversationID.String
	}
	if campaign.Valid {
		run.CampaignID = &campaign.String
	}
	run.Status = types.RunStatus(status)

	if err := json.Unmarshal([]byte(plan), &run.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if err := json.Unmarshal([]byte(progress), &run.Progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &run.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	return &run, nil
}
