package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

type ListConflictsInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
	Status    string    `query:"status" doc:"Filter: open (default) or all"`
}

type ListConflictsOutput struct {
	Body []*domain.Conflict
}

type PreviewResolutionInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
	Body      struct {
		ConflictIDs []uuid.UUID               `json:"conflict_ids" minItems:"1" doc:"Conflicts to preview"`
		Strategy    domain.ResolutionStrategy `json:"strategy" doc:"Resolution strategy to simulate"`
	}
}

type PreviewResolutionOutput struct {
	Body *schedule.PreviewResult
}

type ResolveConflictsInput struct {
	ProjectID uuid.UUID `path:"projectID" doc:"Project ID"`
	Body      struct {
		ConflictIDs   []uuid.UUID               `json:"conflict_ids" minItems:"1" doc:"Conflicts to resolve"`
		Strategy      domain.ResolutionStrategy `json:"strategy" doc:"Resolution strategy to apply"`
		RefreshCaches bool                      `json:"refresh_caches,omitempty" doc:"Refresh caches for resolved tasks immediately"`
	}
}

type ResolveConflictsOutput struct {
	Body struct {
		Results []schedule.ResolutionResult `json:"results"`
	}
}

func RegisterConflictRoutes(api huma.API, store DataStore, resolver ConflictResolver) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/projects/{projectID}/conflicts",
		Summary:     "List conflicts for a project",
		Tags:        []string{"Conflicts"},
	}, func(ctx context.Context, input *ListConflictsInput) (*ListConflictsOutput, error) {
		var (
			conflicts []*domain.Conflict
			err       error
		)
		switch input.Status {
		case "", "open":
			conflicts, err = store.Conflicts().ListOpenByProject(ctx, input.ProjectID)
		case "all":
			conflicts, err = store.Conflicts().ListByProject(ctx, input.ProjectID)
		default:
			return nil, huma.Error400BadRequest("unknown status filter: " + input.Status)
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list conflicts", err)
		}

		return &ListConflictsOutput{Body: conflicts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-resolution",
		Method:      http.MethodPost,
		Path:        "/projects/{projectID}/conflicts/preview",
		Summary:     "Preview a resolution strategy",
		Description: "Simulates the strategy against each conflict without writing anything: field diffs, the resolved outcome, constraint violations it would run into and a risk assessment.",
		Tags:        []string{"Conflicts"},
	}, func(ctx context.Context, input *PreviewResolutionInput) (*PreviewResolutionOutput, error) {
		result, err := resolver.PreviewResolution(ctx, input.ProjectID, input.Body.ConflictIDs, input.Body.Strategy)
		if err != nil {
			if errors.Is(err, schedule.ErrInvalidResolution) {
				return nil, huma.Error400BadRequest(err.Error())
			}
			return nil, huma.Error500InternalServerError("failed to preview resolution", err)
		}

		return &PreviewResolutionOutput{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflicts",
		Method:      http.MethodPost,
		Path:        "/projects/{projectID}/conflicts/resolve",
		Summary:     "Resolve conflicts with a strategy",
		Description: "Applies the strategy to each conflict independently; a conflict that cannot be resolved reports its reason and stays open.",
		Tags:        []string{"Conflicts"},
	}, func(ctx context.Context, input *ResolveConflictsInput) (*ResolveConflictsOutput, error) {
		opts := schedule.ResolveOptions{RefreshCaches: input.Body.RefreshCaches}
		results, err := resolver.ResolveConflicts(ctx, input.ProjectID, input.Body.ConflictIDs, input.Body.Strategy, opts)
		if err != nil {
			if errors.Is(err, schedule.ErrInvalidResolution) {
				return nil, huma.Error400BadRequest(err.Error())
			}
			return nil, huma.Error500InternalServerError("failed to resolve conflicts", err)
		}

		out := &ResolveConflictsOutput{}
		out.Body.Results = results
		return out, nil
	})
}
