package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

type CreateDependencyInput struct {
	Body struct {
		ProjectID     uuid.UUID `json:"project_id" doc:"Project ID"`
		PredecessorID uuid.UUID `json:"predecessor_id" doc:"Task the edge starts from"`
		SuccessorID   uuid.UUID `json:"successor_id" doc:"Task the edge constrains"`
		Type          string    `json:"type,omitempty" doc:"Edge type: FS, SS, FF or SF (defaults to FS)"`
		LagDays       int       `json:"lag_days,omitempty" doc:"Lag in calendar days, may be negative"`
	}
}

type CreateDependencyOutput struct {
	Body *domain.Dependency
}

type UpdateDependencyInput struct {
	ID   uuid.UUID `path:"id" doc:"Dependency ID"`
	Body struct {
		Type    string `json:"type,omitempty" doc:"Edge type: FS, SS, FF or SF"`
		LagDays *int   `json:"lag_days,omitempty" doc:"Lag in calendar days, may be negative"`
	}
}

type UpdateDependencyOutput struct {
	Body *domain.Dependency
}

type DeleteDependencyInput struct {
	ID uuid.UUID `path:"id" doc:"Dependency ID"`
}

func RegisterDependencyRoutes(api huma.API, store DataStore, events InvalidationSink) {
	huma.Register(api, huma.Operation{
		OperationID: "create-dependency",
		Method:      http.MethodPost,
		Path:        "/dependencies",
		Summary:     "Create a dependency between two tasks",
		Tags:        []string{"Dependencies"},
	}, func(ctx context.Context, input *CreateDependencyInput) (*CreateDependencyOutput, error) {
		depType := domain.DependencyFS
		if input.Body.Type != "" {
			depType = domain.DependencyType(input.Body.Type)
			if !depType.Valid() {
				return nil, huma.Error400BadRequest("unknown dependency type: " + input.Body.Type)
			}
		}
		if input.Body.PredecessorID == input.Body.SuccessorID {
			return nil, huma.Error400BadRequest("a task cannot depend on itself")
		}

		pred, succ, err := loadEndpoints(ctx, store, input.Body.ProjectID, input.Body.PredecessorID, input.Body.SuccessorID)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		dep := &domain.Dependency{
			ID:            uuid.New(),
			ProjectID:     input.Body.ProjectID,
			PredecessorID: input.Body.PredecessorID,
			SuccessorID:   input.Body.SuccessorID,
			Type:          depType,
			LagDays:       input.Body.LagDays,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		// The same screens batch updates run, before anything is persisted:
		// a violating edge is refused and recorded as an open conflict.
		cycles, err := wouldCycle(ctx, store, dep)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to check dependency graph", err)
		}
		if cycles {
			detail := fmt.Sprintf("dependency %s -> %s would create a cycle", dep.PredecessorID, dep.SuccessorID)
			if err := raiseDependencyConflict(ctx, store, events, domain.ConflictCircularDependency, succ, detail, now); err != nil {
				return nil, huma.Error500InternalServerError("failed to record conflict", err)
			}
			return nil, huma.Error409Conflict(detail)
		}
		if violations := schedule.CheckDependencyDates(dep, pred, succ); len(violations) > 0 {
			detail := violations[0].Message
			if err := raiseDependencyConflict(ctx, store, events, domain.ConflictDateConstraint, succ, detail, now); err != nil {
				return nil, huma.Error500InternalServerError("failed to record conflict", err)
			}
			return nil, huma.Error409Conflict(detail)
		}

		if err := store.Dependencies().Create(ctx, dep); err != nil {
			return nil, huma.Error500InternalServerError("failed to create dependency", err)
		}

		enqueueInvalidation(ctx, events, domain.InvalidationEvent{
			ID:         uuid.New(),
			ProjectID:  dep.ProjectID,
			EntityType: domain.EntityDependency,
			EntityIDs:  []uuid.UUID{dep.ID},
			Operation:  domain.OperationCreate,
			Strategy:   domain.InvalidateImmediate,
			EnqueuedAt: now,
		})

		return &CreateDependencyOutput{Body: dep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-dependency",
		Method:      http.MethodPut,
		Path:        "/dependencies/{id}",
		Summary:     "Change a dependency's type or lag",
		Tags:        []string{"Dependencies"},
	}, func(ctx context.Context, input *UpdateDependencyInput) (*UpdateDependencyOutput, error) {
		dep, err := store.Dependencies().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("dependency not found")
			}
			return nil, huma.Error500InternalServerError("failed to get dependency", err)
		}

		if input.Body.Type != "" {
			depType := domain.DependencyType(input.Body.Type)
			if !depType.Valid() {
				return nil, huma.Error400BadRequest("unknown dependency type: " + input.Body.Type)
			}
			dep.Type = depType
		}
		if input.Body.LagDays != nil {
			dep.LagDays = *input.Body.LagDays
		}

		pred, succ, err := loadEndpoints(ctx, store, dep.ProjectID, dep.PredecessorID, dep.SuccessorID)
		if err != nil {
			return nil, err
		}

		// Type and lag changes keep the edge's direction, so only the
		// date-lag rule can newly break.
		now := time.Now()
		if violations := schedule.CheckDependencyDates(dep, pred, succ); len(violations) > 0 {
			detail := violations[0].Message
			if err := raiseDependencyConflict(ctx, store, events, domain.ConflictDateConstraint, succ, detail, now); err != nil {
				return nil, huma.Error500InternalServerError("failed to record conflict", err)
			}
			return nil, huma.Error409Conflict(detail)
		}

		dep.UpdatedAt = now
		if err := store.Dependencies().Update(ctx, dep); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("dependency not found")
			}
			return nil, huma.Error500InternalServerError("failed to update dependency", err)
		}

		enqueueInvalidation(ctx, events, domain.InvalidationEvent{
			ID:         uuid.New(),
			ProjectID:  dep.ProjectID,
			EntityType: domain.EntityDependency,
			EntityIDs:  []uuid.UUID{dep.ID},
			Operation:  domain.OperationUpdate,
			Strategy:   domain.InvalidateImmediate,
			EnqueuedAt: now,
		})

		return &UpdateDependencyOutput{Body: dep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-dependency",
		Method:        http.MethodDelete,
		Path:          "/dependencies/{id}",
		Summary:       "Delete a dependency",
		Tags:          []string{"Dependencies"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *DeleteDependencyInput) (*struct{}, error) {
		dep, err := store.Dependencies().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("dependency not found")
			}
			return nil, huma.Error500InternalServerError("failed to get dependency", err)
		}

		if err := store.Dependencies().Delete(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("dependency not found")
			}
			return nil, huma.Error500InternalServerError("failed to delete dependency", err)
		}

		enqueueInvalidation(ctx, events, domain.InvalidationEvent{
			ID:         uuid.New(),
			ProjectID:  dep.ProjectID,
			EntityType: domain.EntityDependency,
			EntityIDs:  []uuid.UUID{dep.ID},
			Operation:  domain.OperationDelete,
			Strategy:   domain.InvalidateImmediate,
			EnqueuedAt: time.Now(),
		})

		return nil, nil
	})
}

// loadEndpoints fetches both tasks of an edge and checks they belong to the
// project. Errors are ready-to-return huma errors.
func loadEndpoints(ctx context.Context, store DataStore, projectID, predecessorID, successorID uuid.UUID) (pred, succ *domain.Task, err error) {
	tasks, err := store.Tasks().LoadByIDs(ctx, []uuid.UUID{predecessorID, successorID})
	if err != nil {
		return nil, nil, huma.Error500InternalServerError("failed to load tasks", err)
	}
	for _, t := range tasks {
		switch t.ID {
		case predecessorID:
			pred = t
		case successorID:
			succ = t
		}
	}
	if pred == nil {
		return nil, nil, huma.Error404NotFound("predecessor task not found")
	}
	if succ == nil {
		return nil, nil, huma.Error404NotFound("successor task not found")
	}
	if pred.ProjectID != projectID {
		return nil, nil, huma.Error400BadRequest("predecessor task belongs to a different project")
	}
	if succ.ProjectID != projectID {
		return nil, nil, huma.Error400BadRequest("successor task belongs to a different project")
	}
	return pred, succ, nil
}

// wouldCycle loads the project's current graph and asks whether adding the
// edge closes a loop.
func wouldCycle(ctx context.Context, store DataStore, dep *domain.Dependency) (bool, error) {
	tasks, err := store.Tasks().ListByProject(ctx, dep.ProjectID)
	if err != nil {
		return false, err
	}
	deps, err := store.Dependencies().ListByProject(ctx, dep.ProjectID)
	if err != nil {
		return false, err
	}

	g := schedule.NewGraph(tasks)
	for _, d := range deps {
		if err := g.AddEdge(d); err != nil {
			return false, err
		}
	}
	return g.WouldCreateCycle(dep.PredecessorID, dep.SuccessorID), nil
}

// raiseDependencyConflict records a refused dependency write as an open
// conflict on the constrained task, mirroring how batch updates surface the
// same violation types, and nudges the conflict cache.
func raiseDependencyConflict(ctx context.Context, store DataStore, events InvalidationSink, conflictType domain.ConflictType, succ *domain.Task, detail string, now time.Time) error {
	snapshot := domain.SnapshotTask(*succ, now)
	conflict := &domain.Conflict{
		ID:         uuid.New(),
		ProjectID:  succ.ProjectID,
		EntityType: domain.EntityTask,
		EntityID:   succ.ID,
		Type:       conflictType,
		Severity:   conflictType.DefaultSeverity(),
		Current:    &snapshot,
		Detail:     detail,
		DetectedAt: now,
	}
	if err := store.Conflicts().Insert(ctx, conflict); err != nil {
		return err
	}

	enqueueInvalidation(ctx, events, domain.InvalidationEvent{
		ID:         uuid.New(),
		ProjectID:  succ.ProjectID,
		EntityType: domain.EntityTask,
		EntityIDs:  []uuid.UUID{succ.ID},
		Operation:  domain.OperationUpdate,
		Strategy:   domain.InvalidateLazy,
		EnqueuedAt: now,
	})
	return nil
}
