package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
)

type ScheduleRepo struct {
	pool *pgxpool.Pool
}

func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

func (r *ScheduleRepo) Insert(ctx context.Context, sc *domain.ScheduleComputation) error {
	entries, err := json.Marshal(sc.Entries)
	if err != nil {
		return fmt.Errorf("scheduleRepo.Insert: marshal entries: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO schedule_computations (id, project_id, algorithm, computed_at, entries, critical_path)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sc.ID, sc.ProjectID, sc.Algorithm, sc.ComputedAt, entries, sc.CriticalPath,
	)
	if err != nil {
		return fmt.Errorf("scheduleRepo.Insert: %w", err)
	}

	return nil
}

func (r *ScheduleRepo) LatestByProject(ctx context.Context, projectID uuid.UUID) (*domain.ScheduleComputation, error) {
	var (
		sc      domain.ScheduleComputation
		entries []byte
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, project_id, algorithm, computed_at, entries, critical_path
		 FROM schedule_computations WHERE project_id = $1
		 ORDER BY computed_at DESC
		 LIMIT 1`,
		projectID,
	).Scan(&sc.ID, &sc.ProjectID, &sc.Algorithm, &sc.ComputedAt, &entries, &sc.CriticalPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scheduleRepo.LatestByProject: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduleRepo.LatestByProject: %w", err)
	}

	if err := json.Unmarshal(entries, &sc.Entries); err != nil {
		return nil, fmt.Errorf("scheduleRepo.LatestByProject: unmarshal entries: %w", err)
	}

	return &sc, nil
}
