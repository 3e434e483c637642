package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantryhq/gantry/internal/domain"
)

// ErrEmptyBatch is returned for a batch with no updates.
var ErrEmptyBatch = errors.New("schedule: empty batch") //nolint:gochecknoglobals // sentinel error

// ErrInvalidBatch is returned for a malformed batch item.
var ErrInvalidBatch = errors.New("schedule: invalid batch") //nolint:gochecknoglobals // sentinel error

// ErrBatchTooLarge is returned when a batch exceeds the configured limit.
var ErrBatchTooLarge = errors.New("schedule: batch too large") //nolint:gochecknoglobals // sentinel error

// ErrBatchInProgress is returned when another batch holds the project lock.
// Callers retry; the coordinator never queues.
var ErrBatchInProgress = errors.New("schedule: batch already in progress for project") //nolint:gochecknoglobals // sentinel error

// ProjectLocker scopes mutual exclusion to a single project. TryAcquire
// must fail fast when the lock is held elsewhere, never block.
type ProjectLocker interface {
	TryAcquire(ctx context.Context, projectID uuid.UUID) (bool, error)
	Release(ctx context.Context, projectID uuid.UUID) error
}

// InvalidationEnqueuer accepts invalidation events for cache refresh.
type InvalidationEnqueuer interface {
	Enqueue(ctx context.Context, ev domain.InvalidationEvent) error
}

// ConflictMode selects how the coordinator treats violations and version
// mismatches within a batch.
type ConflictMode string

const (
	// ConflictFail aborts the whole batch on the first detected violation,
	// before any write.
	ConflictFail ConflictMode = "fail"
	// ConflictSkip drops offending items and applies the rest.
	ConflictSkip ConflictMode = "skip"
	// ConflictOverwrite applies updates without the version precondition.
	// Only for batches whose conflicts the caller already resolved.
	ConflictOverwrite ConflictMode = "overwrite"
)

// Valid reports whether m is one of the known modes.
func (m ConflictMode) Valid() bool {
	switch m {
	case ConflictFail, ConflictSkip, ConflictOverwrite:
		return true
	default:
		return false
	}
}

// BatchOptions tune one ApplyBatch call.
type BatchOptions struct {
	// ConflictResolution defaults to ConflictFail when empty.
	ConflictResolution  ConflictMode `json:"conflict_resolution,omitempty"`
	ValidateConstraints bool         `json:"validate_constraints"`
	RefreshCaches       bool         `json:"refresh_caches"`
}

// BatchFailure is one update that could not be applied for a reason that is
// neither a constraint violation nor a concurrency conflict.
type BatchFailure struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason"`
}

// BatchResult reports the outcome of a batch: how many updates landed, which
// failed outright, and which collided. Partial success is normal; callers
// render all three pieces.
type BatchResult struct {
	SuccessCount int                `json:"success_count"`
	Failures     []BatchFailure     `json:"failures"`
	Conflicts    []*domain.Conflict `json:"conflicts"`
}

// Coordinator applies batched task updates under a per-project lock with
// per-task optimistic version preconditions. It is safe for concurrent use;
// batches for different projects proceed in parallel, a second batch for
// the same project fails fast with ErrBatchInProgress.
type Coordinator struct {
	tasks     domain.TaskRepository
	deps      domain.DependencyRepository
	projects  domain.ProjectRepository
	conflicts domain.ConflictRepository
	schedules domain.ScheduleRepository
	locker    ProjectLocker
	events    InvalidationEnqueuer

	maxBatchSize int

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewCoordinator(
	tasks domain.TaskRepository,
	deps domain.DependencyRepository,
	projects domain.ProjectRepository,
	conflicts domain.ConflictRepository,
	schedules domain.ScheduleRepository,
	locker ProjectLocker,
	events InvalidationEnqueuer,
	maxBatchSize int,
) *Coordinator {
	return &Coordinator{
		tasks:        tasks,
		deps:         deps,
		projects:     projects,
		conflicts:    conflicts,
		schedules:    schedules,
		locker:       locker,
		events:       events,
		maxBatchSize: maxBatchSize,
		Now:          time.Now,
	}
}

// ApplyBatch validates and applies a batch of task patches against one
// project. Each write carries its own version precondition, so a stale item
// becomes an optimistic_lock conflict without aborting its siblings.
// Violations and conflicts come back as data in the result; only malformed
// input and storage faults surface as errors. A fault mid-apply returns the
// partial result alongside the error, and writes that committed before it
// still recompute and invalidate.
func (c *Coordinator) ApplyBatch(ctx context.Context, projectID uuid.UUID, updates []domain.TaskPatch, opts BatchOptions) (*BatchResult, error) {
	// 1. Screen input before taking any lock.
	if len(updates) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(updates) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d updates, limit %d", ErrBatchTooLarge, len(updates), c.maxBatchSize)
	}
	if opts.ConflictResolution == "" {
		opts.ConflictResolution = ConflictFail
	}
	if !opts.ConflictResolution.Valid() {
		return nil, fmt.Errorf("%w: unknown conflict resolution %q", ErrInvalidBatch, opts.ConflictResolution)
	}
	for _, p := range updates {
		if p.TaskID == uuid.Nil {
			return nil, fmt.Errorf("%w: update without task id", ErrInvalidBatch)
		}
		if p.IsEmpty() {
			return nil, fmt.Errorf("%w: empty update for task %s", ErrInvalidBatch, p.TaskID)
		}
	}

	// 2. One batch per project at a time; overlapping calls fail fast.
	held, err := c.locker.TryAcquire(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: acquire project lock: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("%w: %s", ErrBatchInProgress, projectID)
	}
	defer func() {
		// The lock is released on every exit path, including cancellation.
		if rerr := c.locker.Release(context.WithoutCancel(ctx), projectID); rerr != nil {
			log.Error().Err(rerr).Stringer("project_id", projectID).Msg("failed to release project lock")
		}
	}()

	// 3. Snapshot the referenced tasks and their dependency neighborhood.
	ids := make([]uuid.UUID, 0, len(updates))
	seen := make(map[uuid.UUID]bool, len(updates))
	for _, p := range updates {
		if !seen[p.TaskID] {
			seen[p.TaskID] = true
			ids = append(ids, p.TaskID)
		}
	}
	snapshot, missing, err := c.loadSnapshot(ctx, projectID, ids)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, id := range missing {
		result.Failures = append(result.Failures, BatchFailure{TaskID: id, Reason: "task not found"})
	}

	valid := make([]domain.TaskPatch, 0, len(updates))
	for _, p := range updates {
		if _, ok := snapshot.tasks[p.TaskID]; ok {
			valid = append(valid, p)
		}
	}

	// 4. Validate against the snapshot and partition the batch.
	if opts.ValidateConstraints && len(valid) > 0 {
		violations := Validate(ValidationInput{
			Tasks:        snapshot.tasks,
			Patches:      valid,
			Dependencies: snapshot.deps,
			Children:     snapshot.children,
		})
		if len(violations) > 0 {
			violated := make(map[uuid.UUID]bool, len(violations))
			for _, v := range violations {
				violated[v.TaskID] = true
				conflict := c.conflictFromViolation(projectID, v, snapshot, valid)
				if ierr := c.conflicts.Insert(ctx, conflict); ierr != nil {
					return nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: record conflict: %w", ierr)
				}
				result.Conflicts = append(result.Conflicts, conflict)
			}
			if opts.ConflictResolution == ConflictFail {
				return result, nil
			}
			kept := valid[:0]
			for _, p := range valid {
				if !violated[p.TaskID] {
					kept = append(kept, p)
				}
			}
			valid = kept
		}
	}

	// 5. Apply each update under its own version precondition. A storage
	// fault stops the loop; writes already committed keep their place in
	// the result and the steps below.
	updated := make([]uuid.UUID, 0, len(valid))
	var failure error
	for _, p := range valid {
		if opts.ConflictResolution == ConflictOverwrite {
			p.Force = true
		}
		_, werr := c.tasks.UpdateIfVersion(ctx, p)
		switch {
		case werr == nil:
			result.SuccessCount++
			updated = append(updated, p.TaskID)
		case errors.Is(werr, domain.ErrVersionMismatch):
			var conflict *domain.Conflict
			conflict, failure = c.versionConflict(ctx, projectID, p, snapshot)
			if failure == nil {
				result.Conflicts = append(result.Conflicts, conflict)
			}
		case errors.Is(werr, domain.ErrNotFound):
			result.Failures = append(result.Failures, BatchFailure{TaskID: p.TaskID, Reason: "task not found"})
		default:
			failure = fmt.Errorf("schedule.Coordinator.ApplyBatch: write task %s: %w", p.TaskID, werr)
		}
		if failure != nil {
			break
		}
	}

	// 6. Recompute the schedule over the touched dependency set. Failures
	// here never undo the batch.
	if len(updated) > 0 {
		if rerr := c.Recompute(ctx, projectID); rerr != nil {
			log.Warn().Err(rerr).Stringer("project_id", projectID).Msg("schedule recomputation after batch failed")
		}
	}

	// 7. Exactly one invalidation event covers everything the batch wrote.
	if opts.RefreshCaches && result.SuccessCount > 0 {
		ev := domain.InvalidationEvent{
			ID:         uuid.New(),
			ProjectID:  projectID,
			EntityType: domain.EntityTask,
			EntityIDs:  updated,
			Operation:  domain.OperationBulkUpdate,
			Strategy:   domain.InvalidateImmediate,
			EnqueuedAt: c.Now(),
		}
		if eerr := c.events.Enqueue(ctx, ev); eerr != nil {
			log.Error().Err(eerr).Stringer("project_id", projectID).Msg("failed to enqueue invalidation event")
		}
	}

	return result, failure
}

// Recompute runs the schedule calculator over the project's full task and
// dependency set and persists the result as the newest computation.
func (c *Coordinator) Recompute(ctx context.Context, projectID uuid.UUID) error {
	project, err := c.projects.GetByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("schedule.Coordinator.Recompute: get project: %w", err)
	}
	tasks, err := c.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("schedule.Coordinator.Recompute: list tasks: %w", err)
	}
	deps, err := c.deps.ListByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("schedule.Coordinator.Recompute: list dependencies: %w", err)
	}
	comp, err := Compute(project, tasks, deps, c.Now())
	if err != nil {
		return fmt.Errorf("schedule.Coordinator.Recompute: %w", err)
	}
	if err := c.schedules.Insert(ctx, comp); err != nil {
		return fmt.Errorf("schedule.Coordinator.Recompute: store computation: %w", err)
	}
	return nil
}

// batchSnapshot is the read-once state a batch is validated and diffed
// against: the patched tasks, the other endpoints of every touching
// dependency, and child counts for the progress rule.
type batchSnapshot struct {
	tasks    map[uuid.UUID]*domain.Task
	deps     []*domain.Dependency
	children map[uuid.UUID]int
}

func (c *Coordinator) loadSnapshot(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (*batchSnapshot, []uuid.UUID, error) {
	tasks, err := c.tasks.LoadByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: load tasks: %w", err)
	}
	snap := &batchSnapshot{tasks: make(map[uuid.UUID]*domain.Task, len(tasks))}
	for _, t := range tasks {
		if t.ProjectID != projectID {
			return nil, nil, fmt.Errorf("%w: task %s belongs to project %s", ErrInvalidBatch, t.ID, t.ProjectID)
		}
		snap.tasks[t.ID] = t
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := snap.tasks[id]; !ok {
			missing = append(missing, id)
		}
	}

	present := make([]uuid.UUID, 0, len(snap.tasks))
	for id := range snap.tasks {
		present = append(present, id)
	}
	if len(present) == 0 {
		return snap, missing, nil
	}

	snap.deps, err = c.deps.ListForTasks(ctx, present)
	if err != nil {
		return nil, nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: load dependencies: %w", err)
	}

	// Pull in the far endpoints so lag rules can be evaluated.
	var far []uuid.UUID
	for _, d := range snap.deps {
		for _, id := range []uuid.UUID{d.PredecessorID, d.SuccessorID} {
			if _, ok := snap.tasks[id]; !ok {
				far = append(far, id)
			}
		}
	}
	if len(far) > 0 {
		neighbors, err := c.tasks.LoadByIDs(ctx, far)
		if err != nil {
			return nil, nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: load dependency endpoints: %w", err)
		}
		for _, t := range neighbors {
			snap.tasks[t.ID] = t
		}
	}

	snap.children, err = c.tasks.ChildCounts(ctx, present)
	if err != nil {
		return nil, nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: load child counts: %w", err)
	}
	return snap, missing, nil
}

func (c *Coordinator) conflictFromViolation(projectID uuid.UUID, v Violation, snap *batchSnapshot, patches []domain.TaskPatch) *domain.Conflict {
	now := c.Now()
	conflict := &domain.Conflict{
		ID:         uuid.New(),
		ProjectID:  projectID,
		EntityType: domain.EntityTask,
		EntityID:   v.TaskID,
		Type:       v.Type,
		Severity:   v.Type.DefaultSeverity(),
		Detail:     v.Message,
		DetectedAt: now,
	}
	cur, ok := snap.tasks[v.TaskID]
	if !ok {
		return conflict
	}
	snapshot := domain.SnapshotTask(*cur, now)
	conflict.Current = &snapshot
	for _, p := range patches {
		if p.TaskID == v.TaskID {
			incoming := domain.SnapshotTask(p.Apply(*cur), now)
			incoming.Version = p.ExpectedVersion
			conflict.Incoming = &incoming
			break
		}
	}
	return conflict
}

// versionConflict records an optimistic_lock conflict for a stale write,
// re-reading the task so the conflict carries what is actually persisted
// now, not the batch's snapshot.
func (c *Coordinator) versionConflict(ctx context.Context, projectID uuid.UUID, p domain.TaskPatch, snap *batchSnapshot) (*domain.Conflict, error) {
	now := c.Now()
	conflict := &domain.Conflict{
		ID:         uuid.New(),
		ProjectID:  projectID,
		EntityType: domain.EntityTask,
		EntityID:   p.TaskID,
		Type:       domain.ConflictOptimisticLock,
		Severity:   domain.ConflictOptimisticLock.DefaultSeverity(),
		DetectedAt: now,
	}

	current, err := c.tasks.GetByID(ctx, p.TaskID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: read conflicting task %s: %w", p.TaskID, err)
	}
	if current != nil {
		snapshot := domain.SnapshotTask(*current, now)
		conflict.Current = &snapshot
		conflict.Detail = fmt.Sprintf("expected version %d, found %d", p.ExpectedVersion, current.Version)
	}
	if base, ok := snap.tasks[p.TaskID]; ok {
		incoming := domain.SnapshotTask(p.Apply(*base), now)
		incoming.Version = p.ExpectedVersion
		conflict.Incoming = &incoming
	}

	if err := c.conflicts.Insert(ctx, conflict); err != nil {
		return nil, fmt.Errorf("schedule.Coordinator.ApplyBatch: record conflict: %w", err)
	}
	return conflict, nil
}
