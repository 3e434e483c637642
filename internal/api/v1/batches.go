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
	"github.com/gantryhq/gantry/internal/server/middleware"
)

type ApplyBatchInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
	Body      struct {
		Updates []domain.TaskPatch    `json:"updates" doc:"Task patches, applied independently of each other"`
		Options schedule.BatchOptions `json:"options,omitempty" doc:"Conflict handling, validation and cache behavior"`
	}
}

type ApplyBatchOutput struct {
	Body *schedule.BatchResult
}

func RegisterBatchRoutes(api huma.API, coordinator BatchCoordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-batch",
		Method:      http.MethodPost,
		Path:        "/projects/{projectID}/batches",
		Summary:     "Apply a batch of task updates",
		Description: "Applies the patches under the project's update lock, validates constraints, records conflicts and recomputes the schedule. Items fail independently; the result lists per-item failures and any conflicts raised.",
		Tags:        []string{"Batches"},
	}, func(ctx context.Context, input *ApplyBatchInput) (*ApplyBatchOutput, error) {
		result, err := coordinator.ApplyBatch(ctx, input.ProjectID, input.Body.Updates, input.Body.Options)
		if err != nil {
			switch {
			case errors.Is(err, schedule.ErrBatchInProgress):
				return nil, huma.Error409Conflict("another batch is running for this project")
			case errors.Is(err, schedule.ErrEmptyBatch),
				errors.Is(err, schedule.ErrInvalidBatch),
				errors.Is(err, schedule.ErrBatchTooLarge):
				return nil, huma.Error400BadRequest(err.Error())
			case errors.Is(err, domain.ErrNotFound):
				return nil, huma.Error404NotFound("project not found")
			default:
				return nil, huma.Error500InternalServerError("failed to apply batch", err)
			}
		}

		entry := log.Info().
			Str("project_id", input.ProjectID.String()).
			Int("updates", len(input.Body.Updates)).
			Int("succeeded", result.SuccessCount).
			Int("failed", len(result.Failures)).
			Int("conflicts", len(result.Conflicts))
		if actorID, ok := middleware.ActorIDFromContext(ctx); ok {
			entry = entry.Str("actor_id", actorID.String())
		}
		entry.Msg("batch applied")

		return &ApplyBatchOutput{Body: result}, nil
	})
}
