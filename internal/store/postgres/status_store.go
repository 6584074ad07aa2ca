package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"reportpipe/internal/models"
	"reportpipe/internal/store"
)

type StatusStore struct {
	db *sql.DB
}

func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// EnsureSchema creates the status tables if they do not exist yet.
func (s *StatusStore) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS report_generation_status (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			progress   DOUBLE PRECISION,
			report_id  TEXT NOT NULL DEFAULT '',
			took_ms    BIGINT,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS report_activity (
			id            TEXT PRIMARY KEY,
			generation_id TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			message       TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure status schema: %w", err)
	}
	return nil
}

func (s *StatusStore) UpsertStatus(ctx context.Context, ev models.GenerationEvent) error {
	query := `
		INSERT INTO report_generation_status (id, task_id, status, progress, report_id, took_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = $3,
			progress = $4,
			report_id = $5,
			took_ms = $6,
			updated_at = $7
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.TaskID, ev.Status.String(), ev.Progress, ev.ReportID, ev.Took, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert generation status: %w", err)
	}
	return nil
}

func (s *StatusStore) WriteActivity(ctx context.Context, entry store.ActivityEntry) error {
	query := `
		INSERT INTO report_activity (id, generation_id, task_id, kind, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.GenerationID, entry.TaskID, entry.Kind, entry.Message, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity entry: %w", err)
	}
	return nil
}
