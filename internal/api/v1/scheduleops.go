package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

type ComputeScheduleInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
}

type ComputeScheduleOutput struct {
	Body *domain.ScheduleComputation
}

type GetScheduleInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
}

type GetScheduleOutput struct {
	Body *domain.ScheduleComputation
}

func RegisterScheduleRoutes(api huma.API, store DataStore, coordinator BatchCoordinator, cache ScheduleCache) {
	huma.Register(api, huma.Operation{
		OperationID: "compute-schedule",
		Method:      http.MethodPost,
		Path:        "/projects/{projectID}/schedule/compute",
		Summary:     "Recompute the project schedule",
		Description: "Runs the critical path calculation over the project's tasks and dependencies, persists the computation and refreshes the cache.",
		Tags:        []string{"Schedule"},
	}, func(ctx context.Context, input *ComputeScheduleInput) (*ComputeScheduleOutput, error) {
		if err := coordinator.Recompute(ctx, input.ProjectID); err != nil {
			switch {
			case errors.Is(err, domain.ErrNotFound):
				return nil, huma.Error404NotFound("project not found")
			case errors.Is(err, schedule.ErrCycle):
				detail := "dependency graph contains a cycle"
				var cycleErr *schedule.CycleError
				if errors.As(err, &cycleErr) {
					detail = cycleErr.Error()
				}
				return nil, huma.Error409Conflict(detail)
			case errors.Is(err, domain.ErrInvalidCalendar):
				return nil, huma.Error400BadRequest("project calendar is invalid")
			default:
				return nil, huma.Error500InternalServerError("failed to compute schedule", err)
			}
		}

		comp, err := store.Schedules().LatestByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load computed schedule", err)
		}

		cacheSchedule(ctx, cache, input.ProjectID, comp)

		return &ComputeScheduleOutput{Body: comp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/projects/{projectID}/schedule",
		Summary:     "Get the latest computed schedule",
		Description: "Serves the latest computation from cache when present, falling back to the store and re-priming the cache on a miss.",
		Tags:        []string{"Schedule"},
	}, func(ctx context.Context, input *GetScheduleInput) (*GetScheduleOutput, error) {
		var cached domain.ScheduleComputation
		hit, err := cache.GetJSON(ctx, input.ProjectID, domain.EntityComputedSchedule, uuid.Nil, &cached)
		if err != nil {
			// A broken cache degrades to a store read.
			log.Warn().Err(err).Str("project_id", input.ProjectID.String()).Msg("schedule cache read failed")
		}
		if hit {
			return &GetScheduleOutput{Body: &cached}, nil
		}

		comp, err := store.Schedules().LatestByProject(ctx, input.ProjectID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("no schedule computed for this project")
			}
			return nil, huma.Error500InternalServerError("failed to load computed schedule", err)
		}

		cacheSchedule(ctx, cache, input.ProjectID, comp)

		return &GetScheduleOutput{Body: comp}, nil
	})
}

// cacheSchedule primes the project's schedule cache. Cache writes never
// fail the request.
func cacheSchedule(ctx context.Context, cache ScheduleCache, projectID uuid.UUID, comp *domain.ScheduleComputation) {
	if err := cache.SetJSON(ctx, projectID, domain.EntityComputedSchedule, uuid.Nil, comp); err != nil {
		log.Warn().Err(err).Str("project_id", projectID.String()).Msg("schedule cache write failed")
	}
}
