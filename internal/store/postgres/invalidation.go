package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
)

type DeferredInvalidationRepo struct {
	pool *pgxpool.Pool
}

func NewDeferredInvalidationRepo(pool *pgxpool.Pool) *DeferredInvalidationRepo {
	return &DeferredInvalidationRepo{pool: pool}
}

func (r *DeferredInvalidationRepo) Enqueue(ctx context.Context, d *domain.DeferredInvalidation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO deferred_invalidations (id, project_id, entity_type, entity_ids, operation,
		                                     due_at, status, attempts, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.ProjectID, d.EntityType, d.EntityIDs, d.Operation,
		d.DueAt, d.Status, d.Attempts, d.LastError, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("deferredRepo.Enqueue: %w", err)
	}

	return nil
}

// DuePending reads due rows without claiming them. Invalidation is
// idempotent, so overlapping pollers only repeat work.
func (r *DeferredInvalidationRepo) DuePending(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredInvalidation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, entity_type, entity_ids, operation,
		        due_at, status, attempts, last_error, created_at, processed_at
		 FROM deferred_invalidations
		 WHERE status = 'pending' AND due_at <= $1
		 ORDER BY due_at, created_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("deferredRepo.DuePending: %w", err)
	}
	defer rows.Close()

	return scanDeferred(rows, "deferredRepo.DuePending")
}

func (r *DeferredInvalidationRepo) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deferred_invalidations SET status = 'processed', processed_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("deferredRepo.MarkProcessed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deferredRepo.MarkProcessed: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *DeferredInvalidationRepo) Reschedule(ctx context.Context, id uuid.UUID, dueAt time.Time, lastError string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deferred_invalidations
		 SET due_at = $1, last_error = $2, attempts = attempts + 1
		 WHERE id = $3 AND status = 'pending'`,
		dueAt, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("deferredRepo.Reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deferredRepo.Reschedule: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *DeferredInvalidationRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deferred_invalidations
		 SET status = 'failed', last_error = $1, attempts = attempts + 1
		 WHERE id = $2 AND status = 'pending'`,
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("deferredRepo.MarkFailed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deferredRepo.MarkFailed: %w", domain.ErrNotFound)
	}

	return nil
}

func scanDeferred(rows pgx.Rows, caller string) ([]*domain.DeferredInvalidation, error) {
	var pending []*domain.DeferredInvalidation

	for rows.Next() {
		var d domain.DeferredInvalidation
		err := rows.Scan(
			&d.ID, &d.ProjectID, &d.EntityType, &d.EntityIDs, &d.Operation,
			&d.DueAt, &d.Status, &d.Attempts, &d.LastError, &d.CreatedAt, &d.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		pending = append(pending, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", caller, err)
	}

	return pending, nil
}
