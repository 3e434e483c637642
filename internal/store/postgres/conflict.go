package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
)

type ConflictRepo struct {
	pool *pgxpool.Pool
}

func NewConflictRepo(pool *pgxpool.Pool) *ConflictRepo {
	return &ConflictRepo{pool: pool}
}

func (r *ConflictRepo) Insert(ctx context.Context, c *domain.Conflict) error {
	current, err := marshalSnapshot(c.Current)
	if err != nil {
		return fmt.Errorf("conflictRepo.Insert: marshal current: %w", err)
	}
	incoming, err := marshalSnapshot(c.Incoming)
	if err != nil {
		return fmt.Errorf("conflictRepo.Insert: marshal incoming: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO conflicts (id, project_id, entity_type, entity_id, type, severity,
		                        current_snapshot, incoming_snapshot, detail, detected_at, resolved_at, resolution)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.ProjectID, c.EntityType, c.EntityID, c.Type, c.Severity,
		current, incoming, c.Detail, c.DetectedAt, c.ResolvedAt, c.Resolution,
	)
	if err != nil {
		return fmt.Errorf("conflictRepo.Insert: %w", err)
	}

	return nil
}

func (r *ConflictRepo) GetByIDs(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*domain.Conflict, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, entity_type, entity_id, type, severity,
		        current_snapshot, incoming_snapshot, detail, detected_at, resolved_at, resolution
		 FROM conflicts WHERE project_id = $1 AND id = ANY($2::uuid[])
		 ORDER BY detected_at, id`,
		projectID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("conflictRepo.GetByIDs: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows, "conflictRepo.GetByIDs")
}

func (r *ConflictRepo) ListOpenByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Conflict, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, entity_type, entity_id, type, severity,
		        current_snapshot, incoming_snapshot, detail, detected_at, resolved_at, resolution
		 FROM conflicts WHERE project_id = $1 AND resolved_at IS NULL
		 ORDER BY detected_at, id
		 LIMIT 1000`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("conflictRepo.ListOpenByProject: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows, "conflictRepo.ListOpenByProject")
}

func (r *ConflictRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Conflict, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, entity_type, entity_id, type, severity,
		        current_snapshot, incoming_snapshot, detail, detected_at, resolved_at, resolution
		 FROM conflicts WHERE project_id = $1
		 ORDER BY detected_at DESC, id
		 LIMIT 1000`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("conflictRepo.ListByProject: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows, "conflictRepo.ListByProject")
}

// MarkResolved settles an open conflict. Rows already resolved are left
// untouched and reported as ErrNotFound, so a conflict is only ever
// resolved once.
func (r *ConflictRepo) MarkResolved(ctx context.Context, id uuid.UUID, resolution domain.ResolutionType, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conflicts SET resolved_at = $1, resolution = $2
		 WHERE id = $3 AND resolved_at IS NULL`,
		at, resolution, id,
	)
	if err != nil {
		return fmt.Errorf("conflictRepo.MarkResolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conflictRepo.MarkResolved: %w", domain.ErrNotFound)
	}

	return nil
}

func scanConflicts(rows pgx.Rows, caller string) ([]*domain.Conflict, error) {
	var conflicts []*domain.Conflict

	for rows.Next() {
		var (
			c        domain.Conflict
			current  []byte
			incoming []byte
		)
		err := rows.Scan(
			&c.ID, &c.ProjectID, &c.EntityType, &c.EntityID, &c.Type, &c.Severity,
			&current, &incoming, &c.Detail, &c.DetectedAt, &c.ResolvedAt, &c.Resolution,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}

		if c.Current, err = unmarshalSnapshot(current); err != nil {
			return nil, fmt.Errorf("%s: unmarshal current: %w", caller, err)
		}
		if c.Incoming, err = unmarshalSnapshot(incoming); err != nil {
			return nil, fmt.Errorf("%s: unmarshal incoming: %w", caller, err)
		}

		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", caller, err)
	}

	return conflicts, nil
}

func marshalSnapshot(s *domain.TaskSnapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func unmarshalSnapshot(raw []byte) (*domain.TaskSnapshot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s domain.TaskSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
