package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
)

type DependencyRepo struct {
	pool *pgxpool.Pool
}

func NewDependencyRepo(pool *pgxpool.Pool) *DependencyRepo {
	return &DependencyRepo{pool: pool}
}

func (r *DependencyRepo) Create(ctx context.Context, d *domain.Dependency) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dependencies (id, project_id, predecessor_id, successor_id, type, lag_days, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ProjectID, d.PredecessorID, d.SuccessorID, d.Type, d.LagDays,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dependencyRepo.Create: %w", err)
	}

	return nil
}

func (r *DependencyRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Dependency, error) {
	var d domain.Dependency

	err := r.pool.QueryRow(ctx,
		`SELECT id, project_id, predecessor_id, successor_id, type, lag_days, created_at, updated_at
		 FROM dependencies WHERE id = $1`,
		id,
	).Scan(
		&d.ID, &d.ProjectID, &d.PredecessorID, &d.SuccessorID, &d.Type,
		&d.LagDays, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dependencyRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dependencyRepo.GetByID: %w", err)
	}

	return &d, nil
}

func (r *DependencyRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Dependency, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, predecessor_id, successor_id, type, lag_days, created_at, updated_at
		 FROM dependencies WHERE project_id = $1
		 ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("dependencyRepo.ListByProject: %w", err)
	}
	defer rows.Close()

	return scanDependencies(rows, "dependencyRepo.ListByProject")
}

func (r *DependencyRepo) ListForTasks(ctx context.Context, taskIDs []uuid.UUID) ([]*domain.Dependency, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, predecessor_id, successor_id, type, lag_days, created_at, updated_at
		 FROM dependencies
		 WHERE predecessor_id = ANY($1::uuid[]) OR successor_id = ANY($1::uuid[])
		 ORDER BY created_at, id`,
		taskIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("dependencyRepo.ListForTasks: %w", err)
	}
	defer rows.Close()

	return scanDependencies(rows, "dependencyRepo.ListForTasks")
}

func (r *DependencyRepo) Update(ctx context.Context, d *domain.Dependency) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE dependencies
		 SET predecessor_id = $1, successor_id = $2, type = $3, lag_days = $4, updated_at = now()
		 WHERE id = $5`,
		d.PredecessorID, d.SuccessorID, d.Type, d.LagDays, d.ID,
	)
	if err != nil {
		return fmt.Errorf("dependencyRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dependencyRepo.Update: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *DependencyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dependencies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dependencyRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dependencyRepo.Delete: %w", domain.ErrNotFound)
	}

	return nil
}

func scanDependencies(rows pgx.Rows, caller string) ([]*domain.Dependency, error) {
	var deps []*domain.Dependency

	for rows.Next() {
		var d domain.Dependency
		err := rows.Scan(
			&d.ID, &d.ProjectID, &d.PredecessorID, &d.SuccessorID, &d.Type,
			&d.LagDays, &d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		deps = append(deps, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", caller, err)
	}

	return deps, nil
}
