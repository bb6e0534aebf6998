// Package postgres implements job.Store and job.Locker on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/config"
	"vrp-orchestrator/internal/job"
)

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Config holds connection settings.
type Config struct {
	URL             string        // postgres connection string
	MaxConns        int32         // pool size (default: 10)
	ConnectTimeout  time.Duration // initial connect and ping (default: 10s)
	MaxConnLifetime time.Duration // recycle connections after (default: 30m)
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		URL:             config.GetEnv("DATABASE_URL", ""),
		MaxConns:        int32(config.GetIntEnv("DATABASE_MAX_CONNS", 10)),
		ConnectTimeout:  config.GetDurationEnv("DATABASE_CONNECT_TIMEOUT", 10*time.Second),
		MaxConnLifetime: config.GetDurationEnv("DATABASE_MAX_CONN_LIFETIME", 30*time.Minute),
	}
}

// Connect opens a connection pool and checks it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Store is a job.Store backed by the jobs and results tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on an open pool. Call Migrate before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, owner_id, problem_type, solver, seed, params, status, progress,
	external_id, attempts, last_error, created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var status string
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.ProblemType, &j.Solver, &j.Seed, &j.Params, &status, &j.Progress,
		&j.ExternalID, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if j.Params == nil {
		j.Params = map[string]any{}
	}
	return &j, nil
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.ID, j.OwnerID, j.ProblemType, j.Solver, j.Seed, params(j.Params), string(j.Status), j.Progress,
		j.ExternalID, j.Attempts, j.LastError, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
		}
		return apperrors.Internal("store.create", err)
	}
	return nil
}

// Get returns the job or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return j, nil
}

// List returns matching jobs, most recently created first.
func (s *Store) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	var where []string
	var args []any
	if opts.OwnerID != "" {
		args = append(args, opts.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, opts.EffectiveLimit())
	order := "DESC"
	if opts.OldestFirst {
		order = "ASC"
	}
	query += fmt.Sprintf(` ORDER BY created_at %s, id ASC LIMIT $%d`, order, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*job.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return jobs, nil
}

// Update locks the job row, applies fn and saves the result.
func (s *Store) Update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (*job.Job, error) {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(j); err != nil {
			return nil, err
		}
		if err := saveJob(ctx, tx, j); err != nil {
			return nil, err
		}
		return j, nil
	})
}

// Complete locks the job row, applies fn and inserts the result it returns
// in the same transaction.
func (s *Store) Complete(ctx context.Context, id string, fn func(*job.Job) (*job.Result, error)) (*job.Job, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (*job.Job, error) {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM results WHERE job_id = $1)`, id).Scan(&exists); err != nil {
			return nil, apperrors.Internal("store.complete", err)
		}
		if exists {
			return nil, apperrors.Conflict("result", id, "result for job "+id+" already exists")
		}

		res, err := fn(j)
		if err != nil {
			return nil, err
		}
		if err := saveJob(ctx, tx, j); err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO results (job_id, metrics, routes, waypoints, duration, cost, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, params(res.Metrics), list(res.Routes), list(res.Waypoints), res.Duration, res.Cost, res.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Internal("store.complete", err)
		}
		return j, nil
	})
}

// Result returns the stored result or ErrNotFound.
func (s *Store) Result(ctx context.Context, id string) (*job.Result, error) {
	var r job.Result
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, metrics, routes, waypoints, duration, cost, created_at
		FROM results WHERE job_id = $1`, id,
	).Scan(&r.JobID, &r.Metrics, &r.Routes, &r.Waypoints, &r.Duration, &r.Cost, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("result", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.result", err)
	}
	return &r, nil
}

// Counts returns the number of jobs per status.
func (s *Store) Counts(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperrors.Internal("store.counts", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Internal("store.counts", err)
		}
		counts[job.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.counts", err)
	}
	return counts, nil
}

// Delete removes a job and its result.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return apperrors.Internal("store.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func lockJob(ctx context.Context, tx pgx.Tx, id string) (*job.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.lock", err)
	}
	return j, nil
}

func saveJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = $2, progress = $3, external_id = $4, attempts = $5, last_error = $6,
			updated_at = $7, started_at = $8, finished_at = $9
		WHERE id = $1`,
		j.ID, string(j.Status), j.Progress, j.ExternalID, j.Attempts, j.LastError,
		j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return apperrors.Internal("store.save", err)
	}
	return nil
}

// params and list keep empty JSONB columns as {} and [] rather than null.
func params(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func list(l []any) []any {
	if l == nil {
		return []any{}
	}
	return l
}

var (
	_ job.Store  = (*Store)(nil)
	_ job.Locker = (*Locker)(nil)
)
