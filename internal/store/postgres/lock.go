package postgres

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProjectLocker serializes batch application per project with Postgres
// advisory locks, so the exclusion holds across every instance sharing the
// database. Advisory locks are session-scoped: each held lock pins one
// pooled connection until Release.
type ProjectLocker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[uuid.UUID]*pgxpool.Conn
}

func NewProjectLocker(pool *pgxpool.Pool) *ProjectLocker {
	return &ProjectLocker{
		pool: pool,
		held: make(map[uuid.UUID]*pgxpool.Conn),
	}
}

// TryAcquire attempts to take the project lock without waiting. It returns
// false when another holder, local or remote, already has it.
func (l *ProjectLocker) TryAcquire(ctx context.Context, projectID uuid.UUID) (bool, error) {
	l.mu.Lock()
	_, taken := l.held[projectID]
	l.mu.Unlock()
	if taken {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("projectLocker.TryAcquire: %w", err)
	}

	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(projectID)).Scan(&locked)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("projectLocker.TryAcquire: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	if _, taken := l.held[projectID]; taken {
		// Lost a local race after winning the database lock; back out.
		l.mu.Unlock()
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(projectID))
		conn.Release()
		return false, nil
	}
	l.held[projectID] = conn
	l.mu.Unlock()

	return true, nil
}

// Release unlocks the project and returns its connection to the pool. The
// connection is released even when the unlock statement fails, since a
// broken session drops its advisory locks anyway.
func (l *ProjectLocker) Release(ctx context.Context, projectID uuid.UUID) error {
	l.mu.Lock()
	conn, taken := l.held[projectID]
	delete(l.held, projectID)
	l.mu.Unlock()

	if !taken {
		return fmt.Errorf("projectLocker.Release: no lock held for project %s", projectID)
	}
	defer conn.Release()

	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(projectID))
	if err != nil {
		return fmt.Errorf("projectLocker.Release: %w", err)
	}

	return nil
}

// lockKey folds a project id into the signed 64-bit advisory lock keyspace.
func lockKey(projectID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(projectID[:8]) ^ binary.BigEndian.Uint64(projectID[8:]))
}
