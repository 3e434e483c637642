package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantryhq/gantry/internal/domain"
)

type CreateTaskInput struct {
	Body struct {
		ProjectID     uuid.UUID  `json:"project_id" doc:"Project ID"`
		Title         string     `json:"title" minLength:"1" maxLength:"500" doc:"Task title"`
		StartDate     *time.Time `json:"start_date,omitempty" doc:"Planned start (date part is used)"`
		DueDate       *time.Time `json:"due_date,omitempty" doc:"Planned due date, inclusive (date part is used)"`
		Status        string     `json:"status,omitempty" doc:"Initial status (defaults to todo)"`
		Priority      int        `json:"priority,omitempty" doc:"Task priority (0=default)"`
		AssigneeID    *uuid.UUID `json:"assignee_id,omitempty" doc:"Assignee ID"`
		EstimateValue float64    `json:"estimate_value,omitempty" minimum:"0" doc:"Effort estimate"`
		EstimateUnit  string     `json:"estimate_unit,omitempty" doc:"Estimate unit: hours, days or weeks (defaults to days)"`
		ParentID      *uuid.UUID `json:"parent_id,omitempty" doc:"Parent task in the breakdown tree"`
	}
}

type CreateTaskOutput struct {
	Body *domain.Task
}

type ListTasksInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
	Status    string    `query:"status" doc:"Filter by status"`
}

type ListTasksOutput struct {
	Body []*domain.Task
}

type GetTaskInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
	ID        uuid.UUID `path:"id" doc:"Task ID"`
}

type GetTaskOutput struct {
	Body *domain.Task
}

func RegisterTaskRoutes(api huma.API, store DataStore, events InvalidationSink) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Create a new task",
		Tags:        []string{"Tasks"},
	}, func(ctx context.Context, input *CreateTaskInput) (*CreateTaskOutput, error) {
		if _, err := store.Projects().GetByID(ctx, input.Body.ProjectID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("project not found")
			}
			return nil, huma.Error500InternalServerError("failed to validate project")
		}

		status := domain.TaskStatusTodo
		if input.Body.Status != "" {
			status = domain.TaskStatus(input.Body.Status)
			if !status.Valid() {
				return nil, huma.Error400BadRequest("unknown task status: " + input.Body.Status)
			}
		}

		unit := domain.EstimateUnitDays
		if input.Body.EstimateUnit != "" {
			unit = domain.EstimateUnit(input.Body.EstimateUnit)
			if !unit.Valid() {
				return nil, huma.Error400BadRequest("unknown estimate unit: " + input.Body.EstimateUnit)
			}
		}

		start := dateOnly(input.Body.StartDate)
		due := dateOnly(input.Body.DueDate)
		if start != nil && due != nil && start.After(*due) {
			return nil, huma.Error400BadRequest("start date is after due date")
		}

		if input.Body.ParentID != nil {
			parent, err := store.Tasks().GetByID(ctx, *input.Body.ParentID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil, huma.Error404NotFound("parent task not found")
				}
				return nil, huma.Error500InternalServerError("failed to validate parent task")
			}
			if parent.ProjectID != input.Body.ProjectID {
				return nil, huma.Error400BadRequest("parent task belongs to a different project")
			}
		}

		now := time.Now()
		t := &domain.Task{
			ID:            uuid.New(),
			ProjectID:     input.Body.ProjectID,
			Title:         input.Body.Title,
			StartDate:     start,
			DueDate:       due,
			Status:        status,
			Priority:      input.Body.Priority,
			AssigneeID:    input.Body.AssigneeID,
			EstimateValue: input.Body.EstimateValue,
			EstimateUnit:  unit,
			ParentID:      input.Body.ParentID,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := store.Tasks().Create(ctx, t); err != nil {
			return nil, huma.Error500InternalServerError("failed to create task", err)
		}

		enqueueInvalidation(ctx, events, domain.InvalidationEvent{
			ID:         uuid.New(),
			ProjectID:  t.ProjectID,
			EntityType: domain.EntityTask,
			EntityIDs:  []uuid.UUID{t.ID},
			Operation:  domain.OperationCreate,
			Strategy:   domain.InvalidateBatched,
			EnqueuedAt: now,
		})

		return &CreateTaskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{projectID}/tasks",
		Summary:     "List tasks for a project",
		Tags:        []string{"Tasks"},
	}, func(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
		tasks, err := store.Tasks().ListByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list tasks", err)
		}

		// Parent tasks report the rolled-up progress of their subtree, not
		// the stored column.
		derived, err := store.Tasks().DerivedProgress(ctx, input.ProjectID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to derive progress", err)
		}
		for _, t := range tasks {
			if p, ok := derived[t.ID]; ok {
				t.Progress = p
			}
		}

		if input.Status != "" {
			status := domain.TaskStatus(input.Status)
			if !status.Valid() {
				return nil, huma.Error400BadRequest("unknown task status: " + input.Status)
			}
			filtered := make([]*domain.Task, 0, len(tasks))
			for _, t := range tasks {
				if t.Status == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}

		return &ListTasksOutput{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{projectID}/tasks/{id}",
		Summary:     "Get a task by ID",
		Tags:        []string{"Tasks"},
	}, func(ctx context.Context, input *GetTaskInput) (*GetTaskOutput, error) {
		t, err := store.Tasks().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("task not found")
			}
			return nil, huma.Error500InternalServerError("failed to get task", err)
		}
		if t.ProjectID != input.ProjectID {
			return nil, huma.Error404NotFound("task not found")
		}

		counts, err := store.Tasks().ChildCounts(ctx, []uuid.UUID{t.ID})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to get task", err)
		}
		if counts[t.ID] > 0 {
			derived, err := store.Tasks().DerivedProgress(ctx, input.ProjectID)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to derive progress", err)
			}
			if p, ok := derived[t.ID]; ok {
				t.Progress = p
			}
		}

		return &GetTaskOutput{Body: t}, nil
	})
}

// dateOnly truncates an optional timestamp to its date part.
func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := domain.DateOnly(*t)
	return &d
}

// enqueueInvalidation hands a cache event to the orchestrator. Invalidation
// never blocks a successful write, so failures are only logged.
func enqueueInvalidation(ctx context.Context, events InvalidationSink, ev domain.InvalidationEvent) {
	if err := events.Enqueue(ctx, ev); err != nil {
		log.Warn().
			Err(err).
			Str("project_id", ev.ProjectID.String()).
			Str("entity_type", string(ev.EntityType)).
			Msg("cache invalidation enqueue failed")
	}
}
