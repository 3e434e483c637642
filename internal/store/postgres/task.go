package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tasks (id, project_id, title, start_date, due_date, progress, status, priority,
		                    assignee_id, estimate_value, estimate_unit, parent_id, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.ProjectID, t.Title, t.StartDate, t.DueDate, t.Progress,
		t.Status, t.Priority, t.AssigneeID, t.EstimateValue, t.EstimateUnit,
		t.ParentID, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskRepo.Create: %w", err)
	}

	return nil
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task

	err := r.pool.QueryRow(ctx,
		`SELECT id, project_id, title, start_date, due_date, progress, status, priority,
		        assignee_id, estimate_value, estimate_unit, parent_id, version, created_at, updated_at
		 FROM tasks WHERE id = $1`,
		id,
	).Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.StartDate, &t.DueDate, &t.Progress,
		&t.Status, &t.Priority, &t.AssigneeID, &t.EstimateValue, &t.EstimateUnit,
		&t.ParentID, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("taskRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("taskRepo.GetByID: %w", err)
	}

	return &t, nil
}

func (r *TaskRepo) LoadByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, title, start_date, due_date, progress, status, priority,
		        assignee_id, estimate_value, estimate_unit, parent_id, version, created_at, updated_at
		 FROM tasks WHERE id = ANY($1::uuid[])
		 ORDER BY created_at, id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.LoadByIDs: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows, "taskRepo.LoadByIDs")
}

func (r *TaskRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, title, start_date, due_date, progress, status, priority,
		        assignee_id, estimate_value, estimate_unit, parent_id, version, created_at, updated_at
		 FROM tasks WHERE project_id = $1
		 ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.ListByProject: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows, "taskRepo.ListByProject")
}

func (r *TaskRepo) ChildCounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		counts[id] = 0
	}
	if len(ids) == 0 {
		return counts, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT parent_id, COUNT(*)
		 FROM tasks WHERE parent_id = ANY($1::uuid[])
		 GROUP BY parent_id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.ChildCounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			parentID uuid.UUID
			count    int
		)
		if err := rows.Scan(&parentID, &count); err != nil {
			return nil, fmt.Errorf("taskRepo.ChildCounts: %w", err)
		}
		counts[parentID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskRepo.ChildCounts: %w", err)
	}

	return counts, nil
}

func (r *TaskRepo) DerivedProgress(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int, error) {
	// Walks the parent tree and averages the progress of each task's leaf
	// descendants. The depth cap stops runaway recursion if a parent chain
	// is ever corrupted into a loop.
	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE descendants AS (
		     SELECT id AS ancestor_id, id AS task_id, 0 AS depth
		     FROM tasks WHERE project_id = $1
		   UNION ALL
		     SELECT d.ancestor_id, t.id, d.depth + 1
		     FROM tasks t
		     JOIN descendants d ON t.parent_id = d.task_id
		     WHERE d.depth < 64
		 )
		 SELECT d.ancestor_id, ROUND(AVG(t.progress))::int
		 FROM descendants d
		 JOIN tasks t ON t.id = d.task_id
		 WHERE d.ancestor_id <> d.task_id
		   AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = t.id)
		 GROUP BY d.ancestor_id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.DerivedProgress: %w", err)
	}
	defer rows.Close()

	derived := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id       uuid.UUID
			progress int
		)
		if err := rows.Scan(&id, &progress); err != nil {
			return nil, fmt.Errorf("taskRepo.DerivedProgress: %w", err)
		}
		derived[id] = progress
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskRepo.DerivedProgress: %w", err)
	}

	return derived, nil
}

func (r *TaskRepo) UpdateIfVersion(ctx context.Context, patch domain.TaskPatch) (*domain.Task, error) {
	sets := make([]string, 0, 12)
	args := make([]any, 0, 12)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.StartDate != nil {
		set("start_date", *patch.StartDate)
	}
	if patch.DueDate != nil {
		set("due_date", *patch.DueDate)
	}
	if patch.Progress != nil {
		set("progress", *patch.Progress)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.Priority != nil {
		set("priority", *patch.Priority)
	}
	if patch.AssigneeID != nil {
		set("assignee_id", *patch.AssigneeID)
	}
	if patch.EstimateValue != nil {
		set("estimate_value", *patch.EstimateValue)
	}
	if patch.EstimateUnit != nil {
		set("estimate_unit", *patch.EstimateUnit)
	}
	if patch.ParentID != nil {
		set("parent_id", *patch.ParentID)
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")

	args = append(args, patch.TaskID)
	where := fmt.Sprintf("id = $%d", len(args))
	if !patch.Force {
		args = append(args, patch.ExpectedVersion)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}

	query := fmt.Sprintf(
		`UPDATE tasks SET %s WHERE %s
		 RETURNING id, project_id, title, start_date, due_date, progress, status, priority,
		           assignee_id, estimate_value, estimate_unit, parent_id, version, created_at, updated_at`,
		strings.Join(sets, ", "), where,
	)

	var t domain.Task
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.StartDate, &t.DueDate, &t.Progress,
		&t.Status, &t.Priority, &t.AssigneeID, &t.EstimateValue, &t.EstimateUnit,
		&t.ParentID, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.updateMissReason(ctx, patch)
	}
	if err != nil {
		return nil, fmt.Errorf("taskRepo.UpdateIfVersion: %w", err)
	}

	return &t, nil
}

// updateMissReason distinguishes a vanished row from a lost optimistic race.
func (r *TaskRepo) updateMissReason(ctx context.Context, patch domain.TaskPatch) error {
	var stored int64

	err := r.pool.QueryRow(ctx,
		`SELECT version FROM tasks WHERE id = $1`, patch.TaskID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("taskRepo.UpdateIfVersion: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("taskRepo.UpdateIfVersion: %w", err)
	}

	return fmt.Errorf("taskRepo.UpdateIfVersion: stored version %d, expected %d: %w",
		stored, patch.ExpectedVersion, domain.ErrVersionMismatch)
}

func scanTasks(rows pgx.Rows, caller string) ([]*domain.Task, error) {
	var tasks []*domain.Task

	for rows.Next() {
		var t domain.Task
		err := rows.Scan(
			&t.ID, &t.ProjectID, &t.Title, &t.StartDate, &t.DueDate, &t.Progress,
			&t.Status, &t.Priority, &t.AssigneeID, &t.EstimateValue, &t.EstimateUnit,
			&t.ParentID, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", caller, err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", caller, err)
	}

	return tasks, nil
}
