package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store satisfies this interface.
type DataStore interface {
	Projects() domain.ProjectRepository
	Tasks() domain.TaskRepository
	Dependencies() domain.DependencyRepository
	Conflicts() domain.ConflictRepository
	Schedules() domain.ScheduleRepository
}

// BatchCoordinator abstracts batched task updates and schedule recomputation
// for handler testing. *schedule.Coordinator satisfies this interface.
type BatchCoordinator interface {
	ApplyBatch(ctx context.Context, projectID uuid.UUID, updates []domain.TaskPatch, opts schedule.BatchOptions) (*schedule.BatchResult, error)
	Recompute(ctx context.Context, projectID uuid.UUID) error
}

// ConflictResolver abstracts conflict preview and resolution for handler
// testing. *schedule.Resolver satisfies this interface.
type ConflictResolver interface {
	PreviewResolution(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy) (*schedule.PreviewResult, error)
	ResolveConflicts(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy, opts schedule.ResolveOptions) ([]schedule.ResolutionResult, error)
}

// InvalidationSink accepts cache invalidation events from mutating handlers.
// *schedule.Orchestrator satisfies this interface.
type InvalidationSink interface {
	Enqueue(ctx context.Context, ev domain.InvalidationEvent) error
}

// ScheduleCache is the read-through cache in front of persisted schedule
// computations. *redis.Cache satisfies this interface.
type ScheduleCache interface {
	GetJSON(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, dest any) (bool, error)
	SetJSON(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, value any) error
}
