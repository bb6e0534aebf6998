package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// migrations are applied in order; each runs once per database.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		problem_type TEXT NOT NULL,
		solver       TEXT NOT NULL,
		seed         BIGINT,
		params       JSONB NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL,
		progress     INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
		external_id  TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		started_at   TIMESTAMPTZ,
		finished_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS results (
		job_id     TEXT PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
		metrics    JSONB NOT NULL DEFAULT '{}',
		routes     JSONB NOT NULL DEFAULT '[]',
		waypoints  JSONB NOT NULL DEFAULT '[]',
		duration   DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate brings the schema up to date. It is safe to run concurrently
// from several processes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", LockID("schema")); err != nil {
			return struct{}{}, fmt.Errorf("failed to lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return struct{}{}, fmt.Errorf("failed to create schema_migrations: %w", err)
		}

		var current int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
			return struct{}{}, fmt.Errorf("failed to read schema version: %w", err)
		}
		for i := current; i < len(migrations); i++ {
			version := i + 1
			if _, err := tx.Exec(ctx, migrations[i]); err != nil {
				return struct{}{}, fmt.Errorf("migration %d failed: %w", version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
				return struct{}{}, fmt.Errorf("failed to record migration %d: %w", version, err)
			}
			slog.Info("Applied migration", "version", version)
		}
		return struct{}{}, nil
	})
	return err
}
