package schedule_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

// ---------------------------------------------------------------------------
// Pointer helpers
// ---------------------------------------------------------------------------

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func datePtr(t time.Time) *time.Time { return &t }

func idPtr(id uuid.UUID) *uuid.UUID { return &id }

func statusPtr(s domain.TaskStatus) *domain.TaskStatus { return &s }

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
// Mock ProjectRepository
// ---------------------------------------------------------------------------

type mockProjectRepo struct {
	getByIDFunc func(ctx context.Context, id uuid.UUID) (*domain.Project, error)
}

func (m *mockProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	return m.getByIDFunc(ctx, id)
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
// Mock DeferredInvalidationRepository
// ---------------------------------------------------------------------------

type mockDeferredRepo struct {
	enqueueFunc       func(ctx context.Context, d *domain.DeferredInvalidation) error
	duePendingFunc    func(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredInvalidation, error)
	markProcessedFunc func(ctx context.Context, id uuid.UUID, at time.Time) error
	rescheduleFunc    func(ctx context.Context, id uuid.UUID, dueAt time.Time, lastError string) error
	markFailedFunc    func(ctx context.Context, id uuid.UUID, lastError string) error
}

func (m *mockDeferredRepo) Enqueue(ctx context.Context, d *domain.DeferredInvalidation) error {
	return m.enqueueFunc(ctx, d)
}

func (m *mockDeferredRepo) DuePending(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredInvalidation, error) {
	return m.duePendingFunc(ctx, now, limit)
}

func (m *mockDeferredRepo) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.markProcessedFunc(ctx, id, at)
}

func (m *mockDeferredRepo) Reschedule(ctx context.Context, id uuid.UUID, dueAt time.Time, lastError string) error {
	return m.rescheduleFunc(ctx, id, dueAt, lastError)
}

func (m *mockDeferredRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return m.markFailedFunc(ctx, id, lastError)
}

// ---------------------------------------------------------------------------
// Mock engine ports
// ---------------------------------------------------------------------------

type mockLocker struct {
	tryAcquireFunc func(ctx context.Context, projectID uuid.UUID) (bool, error)
	releaseFunc    func(ctx context.Context, projectID uuid.UUID) error
}

func (m *mockLocker) TryAcquire(ctx context.Context, projectID uuid.UUID) (bool, error) {
	return m.tryAcquireFunc(ctx, projectID)
}

func (m *mockLocker) Release(ctx context.Context, projectID uuid.UUID) error {
	return m.releaseFunc(ctx, projectID)
}

type mockEnqueuer struct {
	enqueueFunc func(ctx context.Context, ev domain.InvalidationEvent) error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, ev domain.InvalidationEvent) error {
	return m.enqueueFunc(ctx, ev)
}

type mockInvalidator struct {
	invalidateFunc func(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) (int, error)
	markStaleFunc  func(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID, at time.Time) error
}

func (m *mockInvalidator) Invalidate(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) (int, error) {
	return m.invalidateFunc(ctx, projectID, entityType, ids)
}

func (m *mockInvalidator) MarkStale(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID, at time.Time) error {
	return m.markStaleFunc(ctx, projectID, entityType, ids, at)
}

type mockNotifier struct {
	publishFunc func(ctx context.Context, channel string, payload []byte) error
}

func (m *mockNotifier) Publish(ctx context.Context, channel string, payload []byte) error {
	return m.publishFunc(ctx, channel, payload)
}

// Interface checks so a drifting signature fails here, next to the mocks.
var (
	_ domain.TaskRepository                 = (*mockTaskRepo)(nil)
	_ domain.DependencyRepository           = (*mockDependencyRepo)(nil)
	_ domain.ProjectRepository              = (*mockProjectRepo)(nil)
	_ domain.ConflictRepository             = (*mockConflictRepo)(nil)
	_ domain.ScheduleRepository             = (*mockScheduleRepo)(nil)
	_ domain.DeferredInvalidationRepository = (*mockDeferredRepo)(nil)
	_ schedule.ProjectLocker                = (*mockLocker)(nil)
	_ schedule.InvalidationEnqueuer         = (*mockEnqueuer)(nil)
	_ schedule.KeyInvalidator               = (*mockInvalidator)(nil)
	_ schedule.Notifier                     = (*mockNotifier)(nil)
)
