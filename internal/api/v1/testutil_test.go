package v1_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
	"github.com/gantryhq/gantry/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject the actor id into context for DoCtx
// ---------------------------------------------------------------------------

func actorCtx(actorID uuid.UUID) context.Context {
	return middleware.WithActorID(context.Background(), actorID)
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	projects     domain.ProjectRepository
	tasks        domain.TaskRepository
	dependencies domain.DependencyRepository
	conflicts    domain.ConflictRepository
	schedules    domain.ScheduleRepository
}

func (m *mockDataStore) Projects() domain.ProjectRepository        { return m.projects }
func (m *mockDataStore) Tasks() domain.TaskRepository              { return m.tasks }
func (m *mockDataStore) Dependencies() domain.DependencyRepository { return m.dependencies }
func (m *mockDataStore) Conflicts() domain.ConflictRepository      { return m.conflicts }
func (m *mockDataStore) Schedules() domain.ScheduleRepository      { return m.schedules }

// ---------------------------------------------------------------------------
// Mock ProjectRepository
// ---------------------------------------------------------------------------

type mockProjectRepo struct {
	getByIDFunc func(ctx context.Context, id uuid.UUID) (*domain.Project, error)
}

func (m *mockProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	return m.getByIDFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock TaskRepository
// ---------------------------------------------------------------------------

type mockTaskRepo struct {
	createFunc          func(ctx context.Context, t *domain.Task) error
	getByIDFunc         func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	loadByIDsFunc       func(ctx context.Context, ids []uuid.UUID) ([]*domain.Task, error)
	listByProjectFunc   func(ctx context.Context, projectID uuid.UUID) ([]*domain.Task, error)
	childCountsFunc     func(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error)
	derivedProgressFunc func(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int, error)
	updateIfVersionFunc func(ctx context.Context, patch domain.TaskPatch) (*domain.Task, error)
}

func (m *mockTaskRepo) Create(ctx context.Context, t *domain.Task) error {
	return m.createFunc(ctx, t)
}

func (m *mockTaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockTaskRepo) LoadByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Task, error) {
	return m.loadByIDsFunc(ctx, ids)
}

func (m *mockTaskRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Task, error) {
	return m.listByProjectFunc(ctx, projectID)
}

func (m *mockTaskRepo) ChildCounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	return m.childCountsFunc(ctx, ids)
}

func (m *mockTaskRepo) DerivedProgress(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int, error) {
	return m.derivedProgressFunc(ctx, projectID)
}

func (m *mockTaskRepo) UpdateIfVersion(ctx context.Context, patch domain.TaskPatch) (*domain.Task, error) {
	return m.updateIfVersionFunc(ctx, patch)
}

// ---------------------------------------------------------------------------
// Mock DependencyRepository
// ---------------------------------------------------------------------------

type mockDependencyRepo struct {
	createFunc        func(ctx context.Context, d *domain.Dependency) error
	getByIDFunc       func(ctx context.Context, id uuid.UUID) (*domain.Dependency, error)
	listByProjectFunc func(ctx context.Context, projectID uuid.UUID) ([]*domain.Dependency, error)
	listForTasksFunc  func(ctx context.Context, taskIDs []uuid.UUID) ([]*domain.Dependency, error)
	updateFunc        func(ctx context.Context, d *domain.Dependency) error
	deleteFunc        func(ctx context.Context, id uuid.UUID) error
}

func (m *mockDependencyRepo) Create(ctx context.Context, d *domain.Dependency) error {
	return m.createFunc(ctx, d)
}

func (m *mockDependencyRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Dependency, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockDependencyRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Dependency, error) {
	return m.listByProjectFunc(ctx, projectID)
}

func (m *mockDependencyRepo) ListForTasks(ctx context.Context, taskIDs []uuid.UUID) ([]*domain.Dependency, error) {
	return m.listForTasksFunc(ctx, taskIDs)
}

func (m *mockDependencyRepo) Update(ctx context.Context, d *domain.Dependency) error {
	return m.updateFunc(ctx, d)
}

func (m *mockDependencyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.deleteFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock ConflictRepository
// ---------------------------------------------------------------------------

type mockConflictRepo struct {
	insertFunc            func(ctx context.Context, c *domain.Conflict) error
	getByIDsFunc          func(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*domain.Conflict, error)
	listOpenByProjectFunc func(ctx context.Context, projectID uuid.UUID) ([]*domain.Conflict, error)
	listByProjectFunc     func(ctx context.Context, projectID uuid.UUID) ([]*domain.Conflict, error)
	markResolvedFunc      func(ctx context.Context, id uuid.UUID, resolution domain.ResolutionType, at time.Time) error
}

func (m *mockConflictRepo) Insert(ctx context.Context, c *domain.Conflict) error {
	return m.insertFunc(ctx, c)
}

func (m *mockConflictRepo) GetByIDs(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*domain.Conflict, error) {
	return m.getByIDsFunc(ctx, projectID, ids)
}

func (m *mockConflictRepo) ListOpenByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Conflict, error) {
	return m.listOpenByProjectFunc(ctx, projectID)
}

func (m *mockConflictRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Conflict, error) {
	return m.listByProjectFunc(ctx, projectID)
}

func (m *mockConflictRepo) MarkResolved(ctx context.Context, id uuid.UUID, resolution domain.ResolutionType, at time.Time) error {
	return m.markResolvedFunc(ctx, id, resolution, at)
}

// ---------------------------------------------------------------------------
// Mock ScheduleRepository
// ---------------------------------------------------------------------------

type mockScheduleRepo struct {
	insertFunc          func(ctx context.Context, sc *domain.ScheduleComputation) error
	latestByProjectFunc func(ctx context.Context, projectID uuid.UUID) (*domain.ScheduleComputation, error)
}

func (m *mockScheduleRepo) Insert(ctx context.Context, sc *domain.ScheduleComputation) error {
	return m.insertFunc(ctx, sc)
}

func (m *mockScheduleRepo) LatestByProject(ctx context.Context, projectID uuid.UUID) (*domain.ScheduleComputation, error) {
	return m.latestByProjectFunc(ctx, projectID)
}

// ---------------------------------------------------------------------------
// Mock BatchCoordinator
// ---------------------------------------------------------------------------

type mockCoordinator struct {
	applyBatchFunc func(ctx context.Context, projectID uuid.UUID, updates []domain.TaskPatch, opts schedule.BatchOptions) (*schedule.BatchResult, error)
	recomputeFunc  func(ctx context.Context, projectID uuid.UUID) error
}

func (m *mockCoordinator) ApplyBatch(ctx context.Context, projectID uuid.UUID, updates []domain.TaskPatch, opts schedule.BatchOptions) (*schedule.BatchResult, error) {
	return m.applyBatchFunc(ctx, projectID, updates, opts)
}

func (m *mockCoordinator) Recompute(ctx context.Context, projectID uuid.UUID) error {
	return m.recomputeFunc(ctx, projectID)
}

// ---------------------------------------------------------------------------
// Mock ConflictResolver
// ---------------------------------------------------------------------------

type mockResolver struct {
	previewFunc func(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy) (*schedule.PreviewResult, error)
	resolveFunc func(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy, opts schedule.ResolveOptions) ([]schedule.ResolutionResult, error)
}

func (m *mockResolver) PreviewResolution(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy) (*schedule.PreviewResult, error) {
	return m.previewFunc(ctx, projectID, conflictIDs, strategy)
}

func (m *mockResolver) ResolveConflicts(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy, opts schedule.ResolveOptions) ([]schedule.ResolutionResult, error) {
	return m.resolveFunc(ctx, projectID, conflictIDs, strategy, opts)
}

// ---------------------------------------------------------------------------
// Mock InvalidationSink
// ---------------------------------------------------------------------------

type mockSink struct {
	enqueueFunc func(ctx context.Context, ev domain.InvalidationEvent) error
}

func (m *mockSink) Enqueue(ctx context.Context, ev domain.InvalidationEvent) error {
	return m.enqueueFunc(ctx, ev)
}

// sinkTo returns a sink mock that appends every event to dst.
func sinkTo(dst *[]domain.InvalidationEvent) *mockSink {
	return &mockSink{enqueueFunc: func(_ context.Context, ev domain.InvalidationEvent) error {
		*dst = append(*dst, ev)
		return nil
	}}
}

// ---------------------------------------------------------------------------
// Mock ScheduleCache
// ---------------------------------------------------------------------------

type mockCache struct {
	getJSONFunc func(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, dest any) (bool, error)
	setJSONFunc func(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, value any) error
}

func (m *mockCache) GetJSON(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, dest any) (bool, error) {
	return m.getJSONFunc(ctx, projectID, entityType, id, dest)
}

func (m *mockCache) SetJSON(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, value any) error {
	return m.setJSONFunc(ctx, projectID, entityType, id, value)
}
