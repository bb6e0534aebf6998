package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"
)

// lockNamespace keeps job lock keys apart from other advisory lock users.
const lockNamespace = "vrp-orchestrator/job/"

// reservedConns is the part of the pool lock holders may never occupy, so
// the store reads and writes of a locked drive and API requests can always
// get a connection.
const reservedConns = 2

// Locker is a job.Locker built on session-level advisory locks, so drives
// of one job are serialized across processes sharing the database. Each
// held lock pins one pool connection until it is released; at most
// LockSlots(MaxConns) locks are held at once and further callers wait in
// Lock without taking a connection.
type Locker struct {
	pool  *pgxpool.Pool
	slots *semaphore.Weighted
}

// NewLocker creates a locker on an open pool.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{
		pool:  pool,
		slots: semaphore.NewWeighted(LockSlots(pool.Config().MaxConns)),
	}
}

// LockSlots returns how many advisory locks a pool of maxConns connections
// can hold while keeping reservedConns free. It is at least 1.
func LockSlots(maxConns int32) int64 {
	return max(int64(maxConns)-reservedConns, 1)
}

// LockID derives the advisory lock key for a job id.
func LockID(id string) int64 {
	sum := sha256.Sum256([]byte(lockNamespace + id))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Lock blocks until the job's advisory lock is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire lock slot: %w", err)
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		l.slots.Release(1)
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	key := LockID(id)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		// A cancelled wait leaves the connection in an unknown state.
		conn.Conn().Close(context.Background())
		conn.Release()
		l.slots.Release(1)
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	return func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Warn("Failed to release advisory lock, dropping connection", "jobId", id, "error", err)
			conn.Conn().Close(context.Background())
		}
		conn.Release()
		l.slots.Release(1)
	}, nil
}
