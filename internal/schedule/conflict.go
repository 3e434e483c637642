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

// ErrAlreadyResolved is returned when resolving a conflict that is resolved.
var ErrAlreadyResolved = errors.New("schedule: conflict already resolved") //nolint:gochecknoglobals // sentinel error

// ErrIncompleteMergeRule is returned when a MERGE strategy has no rule for a
// field that differs between the two sides.
var ErrIncompleteMergeRule = errors.New("schedule: merge rule missing for touched field") //nolint:gochecknoglobals // sentinel error

// ErrInvalidResolution is returned for a structurally invalid strategy.
var ErrInvalidResolution = errors.New("schedule: invalid resolution strategy") //nolint:gochecknoglobals // sentinel error

// Risk names a specific hazard a resolution would introduce.
type Risk string

const (
	RiskDataLoss           Risk = "data_loss"
	RiskScheduleDisruption Risk = "schedule_disruption"
	RiskResourceConflict   Risk = "resource_conflict"
	RiskDependencyBreak    Risk = "dependency_break"
)

// RiskNote is one assessed risk with its weight and a human explanation.
type RiskNote struct {
	Risk     Risk                    `json:"risk"`
	Severity domain.ConflictSeverity `json:"severity"`
	Detail   string                  `json:"detail"`
}

// FieldDiff is a before/after view of one field under a resolution, with
// values rendered as strings so the shape stays explicit and serializable.
// Empty means the field is unset on that side.
type FieldDiff struct {
	Field    string `json:"field"`
	Current  string `json:"current,omitempty"`
	Incoming string `json:"incoming,omitempty"`
	Resolved string `json:"resolved,omitempty"`
}

// ConflictPreview is the dry-run outcome for one conflict: what the strategy
// would write, field by field, and what could go wrong.
type ConflictPreview struct {
	ConflictID  uuid.UUID               `json:"conflict_id"`
	Strategy    domain.ResolutionType   `json:"strategy"`
	Applicable  bool                    `json:"applicable"`
	Reason      string                  `json:"reason,omitempty"`
	Diffs       []FieldDiff             `json:"diffs,omitempty"`
	Resolved    *domain.TaskSnapshot    `json:"resolved,omitempty"`
	Violations  []Violation             `json:"violations,omitempty"`
	Risks       []RiskNote              `json:"risks,omitempty"`
	OverallRisk domain.ConflictSeverity `json:"overall_risk"`
}

// PreviewResult aggregates the previews of one call.
type PreviewResult struct {
	Previews    []ConflictPreview       `json:"previews"`
	OverallRisk domain.ConflictSeverity `json:"overall_risk"`
}

// ResolutionResult is the per-conflict outcome of a bulk resolve call.
// Applied reports whether the conflict reached the resolved state; when it
// did not, Reason says why and Violations carries any constraint breaks a
// merged result ran into.
type ResolutionResult struct {
	ConflictID uuid.UUID    `json:"conflict_id"`
	Applied    bool         `json:"applied"`
	Resolution string       `json:"resolution,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Violations []Violation  `json:"violations,omitempty"`
	Task       *domain.Task `json:"task,omitempty"`
}

// ResolveOptions tune a resolve call.
type ResolveOptions struct {
	// RefreshCaches emits one invalidation event covering every task the
	// call actually wrote.
	RefreshCaches bool `json:"refresh_caches"`
}

// Resolver settles detected conflicts. Previewing is pure; resolving writes
// the chosen outcome under a fresh version precondition and marks the
// conflict resolved. A conflict is never deleted, it only transitions to
// resolved; abandoning one is resolving it with the current strategy.
type Resolver struct {
	tasks     domain.TaskRepository
	deps      domain.DependencyRepository
	conflicts domain.ConflictRepository
	events    InvalidationEnqueuer

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewResolver(
	tasks domain.TaskRepository,
	deps domain.DependencyRepository,
	conflicts domain.ConflictRepository,
	events InvalidationEnqueuer,
) *Resolver {
	return &Resolver{
		tasks:     tasks,
		deps:      deps,
		conflicts: conflicts,
		events:    events,
		Now:       time.Now,
	}
}

// PreviewResolution computes, without persisting anything, what the strategy
// would do to each conflict: the field-level diff, the constraint violations
// the outcome would run into, and a risk assessment.
func (r *Resolver) PreviewResolution(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy) (*PreviewResult, error) {
	if err := checkStrategy(strategy); err != nil {
		return nil, err
	}
	loaded, err := r.loadConflicts(ctx, projectID, conflictIDs)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{OverallRisk: domain.SeverityLow}
	for _, id := range conflictIDs {
		preview := ConflictPreview{ConflictID: id, Strategy: strategy.Type, OverallRisk: domain.SeverityLow}
		conflict, ok := loaded[id]
		switch {
		case !ok:
			preview.Reason = "conflict not found"
		case conflict.Resolved():
			preview.Reason = ErrAlreadyResolved.Error()
		default:
			r.previewOne(ctx, conflict, strategy, &preview)
		}
		result.Previews = append(result.Previews, preview)
	}

	// Two previewed outcomes booking the same assignee on overlapping dates
	// is a resource conflict on top of the per-conflict risks.
	flagOverlaps(result.Previews)

	for i := range result.Previews {
		result.Previews[i].OverallRisk = maxSeverity(result.Previews[i].Risks)
		if severityRank(result.Previews[i].OverallRisk) > severityRank(result.OverallRisk) {
			result.OverallRisk = result.Previews[i].OverallRisk
		}
	}
	return result, nil
}

// previewOne fills the preview for a single open conflict.
func (r *Resolver) previewOne(ctx context.Context, conflict *domain.Conflict, strategy domain.ResolutionStrategy, preview *ConflictPreview) {
	live, err := r.tasks.GetByID(ctx, conflict.EntityID)
	if err != nil {
		preview.Reason = "task no longer exists"
		return
	}
	now := r.Now()
	current := domain.SnapshotTask(*live, now)

	resolved, err := resolveSnapshot(current, conflict.Incoming, strategy, now)
	if err != nil {
		preview.Reason = err.Error()
		return
	}
	preview.Applicable = true
	preview.Resolved = &resolved
	preview.Diffs = diffSnapshots(current, conflict.Incoming, resolved)
	preview.Violations = r.dryRunValidation(ctx, live, resolved)
	preview.Risks = assessRisks(current, conflict.Incoming, resolved, strategy.Type, preview.Violations)
}

// ResolveConflicts applies one strategy to several conflicts and returns a
// result per conflict; one conflict failing to resolve never rolls back its
// siblings. Writes carry the task's fresh version as precondition, so a
// task that moved between preview and apply surfaces as a retryable reason
// instead of silently overwriting. Repeated ids settle on their first
// occurrence only. A storage fault ends the call early with the outcomes
// settled so far; invalidation still covers every write that committed.
func (r *Resolver) ResolveConflicts(ctx context.Context, projectID uuid.UUID, conflictIDs []uuid.UUID, strategy domain.ResolutionStrategy, opts ResolveOptions) ([]ResolutionResult, error) {
	if err := checkStrategy(strategy); err != nil {
		return nil, err
	}
	loaded, err := r.loadConflicts(ctx, projectID, conflictIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ResolutionResult, 0, len(conflictIDs))
	written := make([]uuid.UUID, 0, len(conflictIDs))
	seen := make(map[uuid.UUID]bool, len(conflictIDs))
	var failure error
	for _, id := range conflictIDs {
		res := ResolutionResult{ConflictID: id}
		conflict, ok := loaded[id]
		switch {
		case seen[id]:
			// A repeat would act on the stale loaded copy the first
			// occurrence already settled.
			res.Reason = "duplicate conflict id"
		case !ok:
			res.Reason = "conflict not found"
		case conflict.Resolved():
			res.Reason = ErrAlreadyResolved.Error()
		default:
			var wrote uuid.UUID
			wrote, failure = r.resolveOne(ctx, conflict, strategy, &res)
			if wrote != uuid.Nil {
				written = append(written, wrote)
			}
		}
		if failure != nil {
			break
		}
		seen[id] = true
		results = append(results, res)
	}

	if opts.RefreshCaches && len(written) > 0 {
		ev := domain.InvalidationEvent{
			ID:         uuid.New(),
			ProjectID:  projectID,
			EntityType: domain.EntityTask,
			EntityIDs:  written,
			Operation:  domain.OperationBulkUpdate,
			Strategy:   domain.InvalidateImmediate,
			EnqueuedAt: r.Now(),
		}
		if eerr := r.events.Enqueue(ctx, ev); eerr != nil {
			// Invalidation trouble never blocks the resolution outcome.
			log.Error().Err(eerr).Stringer("project_id", projectID).Msg("failed to enqueue invalidation event")
		}
	}
	return results, failure
}

// resolveOne settles one open conflict. It returns the id of the task it
// wrote (uuid.Nil when the resolution needed no write or was rejected); the
// id comes back even alongside an error so a committed write is still
// invalidated. Only storage faults come back as errors.
func (r *Resolver) resolveOne(ctx context.Context, conflict *domain.Conflict, strategy domain.ResolutionStrategy, res *ResolutionResult) (uuid.UUID, error) {
	live, err := r.tasks.GetByID(ctx, conflict.EntityID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			res.Reason = "task no longer exists"
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("schedule.Resolver.ResolveConflicts: load task %s: %w", conflict.EntityID, err)
	}
	now := r.Now()
	current := domain.SnapshotTask(*live, now)

	resolved, err := resolveSnapshot(current, conflict.Incoming, strategy, now)
	if err != nil {
		res.Reason = err.Error()
		return uuid.Nil, nil
	}

	patch := patchBetween(*live, resolved)
	wrote := uuid.Nil
	if !patch.IsEmpty() {
		// A merge may not land in a state the validator would reject.
		if strategy.Type == domain.ResolutionMerge {
			if violations := r.dryRunValidation(ctx, live, resolved); len(violations) > 0 {
				res.Reason = "merged result violates constraints"
				res.Violations = violations
				return uuid.Nil, nil
			}
		}
		patch.TaskID = live.ID
		patch.ExpectedVersion = live.Version
		updated, werr := r.tasks.UpdateIfVersion(ctx, patch)
		switch {
		case errors.Is(werr, domain.ErrVersionMismatch):
			res.Reason = "task changed during resolution, preview again"
			return uuid.Nil, nil
		case errors.Is(werr, domain.ErrNotFound):
			res.Reason = "task no longer exists"
			return uuid.Nil, nil
		case werr != nil:
			return uuid.Nil, fmt.Errorf("schedule.Resolver.ResolveConflicts: write task %s: %w", live.ID, werr)
		}
		res.Task = updated
		wrote = live.ID
	}

	if merr := r.conflicts.MarkResolved(ctx, conflict.ID, strategy.Type, now); merr != nil {
		if errors.Is(merr, domain.ErrNotFound) {
			// The row existed at load time, so its open-rows-only guard
			// reports a concurrent resolution. The task write, if any,
			// stands under its version precondition.
			res.Reason = ErrAlreadyResolved.Error()
			return wrote, nil
		}
		return wrote, fmt.Errorf("schedule.Resolver.ResolveConflicts: mark conflict %s resolved: %w", conflict.ID, merr)
	}
	res.Applied = true
	res.Resolution = string(strategy.Type)
	return wrote, nil
}

func (r *Resolver) loadConflicts(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*domain.Conflict, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no conflict ids", ErrInvalidResolution)
	}
	conflicts, err := r.conflicts.GetByIDs(ctx, projectID, ids)
	if err != nil {
		return nil, fmt.Errorf("schedule.Resolver: load conflicts: %w", err)
	}
	out := make(map[uuid.UUID]*domain.Conflict, len(conflicts))
	for _, c := range conflicts {
		out[c.ID] = c
	}
	return out, nil
}

// dryRunValidation runs the constraint validator as if the resolved state
// were a proposed patch, so a resolution is screened by exactly the rules a
// batch write would be.
func (r *Resolver) dryRunValidation(ctx context.Context, live *domain.Task, resolved domain.TaskSnapshot) []Violation {
	patch := patchBetween(*live, resolved)
	if patch.IsEmpty() {
		return nil
	}
	patch.TaskID = live.ID

	tasks := map[uuid.UUID]*domain.Task{live.ID: live}
	deps, err := r.deps.ListForTasks(ctx, []uuid.UUID{live.ID})
	if err == nil {
		var far []uuid.UUID
		for _, d := range deps {
			for _, id := range []uuid.UUID{d.PredecessorID, d.SuccessorID} {
				if _, ok := tasks[id]; !ok {
					far = append(far, id)
				}
			}
		}
		if len(far) > 0 {
			if neighbors, nerr := r.tasks.LoadByIDs(ctx, far); nerr == nil {
				for _, t := range neighbors {
					tasks[t.ID] = t
				}
			}
		}
	}
	children, _ := r.tasks.ChildCounts(ctx, []uuid.UUID{live.ID})

	return Validate(ValidationInput{
		Tasks:        tasks,
		Patches:      []domain.TaskPatch{patch},
		Dependencies: deps,
		Children:     children,
	})
}

// checkStrategy rejects structurally broken strategies before any work.
func checkStrategy(s domain.ResolutionStrategy) error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidResolution, s.Type)
	}
	if s.Type == domain.ResolutionMerge && s.Merge == nil {
		return fmt.Errorf("%w: merge strategy without rules", ErrInvalidResolution)
	}
	if s.Type == domain.ResolutionManual && (s.Manual == nil || s.Manual.IsEmpty()) {
		return fmt.Errorf("%w: manual strategy without field values", ErrInvalidResolution)
	}
	return nil
}

// resolveSnapshot computes the post-resolution state of a task from the
// live current state and the conflict's incoming side. Strategies without
// an incoming snapshot can only keep the current state or apply manual
// values.
func resolveSnapshot(current domain.TaskSnapshot, incoming *domain.TaskSnapshot, strategy domain.ResolutionStrategy, now time.Time) (domain.TaskSnapshot, error) {
	resolved, err := pickResolved(current, incoming, strategy, now)
	if err != nil {
		return current, err
	}

	// A patch cannot clear a set field, so a resolution that picks an
	// unset side keeps the current value. Preview and apply agree on that.
	if resolved.StartDate == nil {
		resolved.StartDate = current.StartDate
	}
	if resolved.DueDate == nil {
		resolved.DueDate = current.DueDate
	}
	if resolved.AssigneeID == nil {
		resolved.AssigneeID = current.AssigneeID
	}
	return resolved, nil
}

func pickResolved(current domain.TaskSnapshot, incoming *domain.TaskSnapshot, strategy domain.ResolutionStrategy, now time.Time) (domain.TaskSnapshot, error) {
	switch strategy.Type {
	case domain.ResolutionCurrent:
		return current, nil

	case domain.ResolutionIncoming:
		if incoming == nil {
			return current, fmt.Errorf("%w: conflict has no incoming side", ErrInvalidResolution)
		}
		resolved := *incoming
		resolved.TaskID = current.TaskID
		resolved.Version = current.Version
		resolved.TakenAt = now
		return resolved, nil

	case domain.ResolutionManual:
		var base domain.Task
		snapshotToTask(current, &base)
		resolved := domain.SnapshotTask(strategy.Manual.Apply(base), now)
		resolved.TaskID = current.TaskID
		resolved.Version = current.Version
		return resolved, nil

	default: // domain.ResolutionMerge, checked upstream
		if incoming == nil {
			return current, fmt.Errorf("%w: conflict has no incoming side", ErrInvalidResolution)
		}
		return mergeSnapshots(current, *incoming, *strategy.Merge, now)
	}
}

// mergeSnapshots evaluates each touched field's rule independently. A field
// that differs between the sides and has no configured rule fails the whole
// merge with ErrIncompleteMergeRule; fields outside the rule families
// (title, status, estimate) cannot be merged at all and require a manual
// resolution when touched.
func mergeSnapshots(current, incoming domain.TaskSnapshot, rules domain.MergeRules, now time.Time) (domain.TaskSnapshot, error) {
	resolved := current
	resolved.TakenAt = now

	if !equalDates(current.StartDate, incoming.StartDate) {
		v, err := mergeDate(rules.StartDate, current.StartDate, incoming.StartDate)
		if err != nil {
			return current, fmt.Errorf("%w: start_date", ErrIncompleteMergeRule)
		}
		resolved.StartDate = v
	}
	if !equalDates(current.DueDate, incoming.DueDate) {
		v, err := mergeDate(rules.DueDate, current.DueDate, incoming.DueDate)
		if err != nil {
			return current, fmt.Errorf("%w: due_date", ErrIncompleteMergeRule)
		}
		resolved.DueDate = v
	}
	if current.Progress != incoming.Progress {
		v, err := mergeProgress(rules.Progress, current.Progress, incoming.Progress)
		if err != nil {
			return current, fmt.Errorf("%w: progress", ErrIncompleteMergeRule)
		}
		resolved.Progress = v
	}
	if !equalIDs(current.AssigneeID, incoming.AssigneeID) {
		v, err := mergeAssignee(rules.Assignee, current.AssigneeID, incoming.AssigneeID)
		if err != nil {
			return current, fmt.Errorf("%w: assignee_id", ErrIncompleteMergeRule)
		}
		resolved.AssigneeID = v
	}
	if current.Priority != incoming.Priority {
		v, err := mergePriority(rules.Priority, current.Priority, incoming.Priority)
		if err != nil {
			return current, fmt.Errorf("%w: priority", ErrIncompleteMergeRule)
		}
		resolved.Priority = v
	}

	// No rule family exists for these; merge cannot decide them.
	if current.Title != incoming.Title {
		return current, fmt.Errorf("%w: title", ErrIncompleteMergeRule)
	}
	if current.Status != incoming.Status {
		return current, fmt.Errorf("%w: status", ErrIncompleteMergeRule)
	}
	if current.EstimateValue != incoming.EstimateValue || current.EstimateUnit != incoming.EstimateUnit {
		return current, fmt.Errorf("%w: estimate", ErrIncompleteMergeRule)
	}
	return resolved, nil
}

func mergeDate(rule domain.DateMergeRule, cur, inc *time.Time) (*time.Time, error) {
	switch rule {
	case domain.DateRuleCurrent:
		return cur, nil
	case domain.DateRuleIncoming:
		return inc, nil
	case domain.DateRuleEarliest:
		return pickDate(cur, inc, func(a, b time.Time) bool { return a.Before(b) }), nil
	case domain.DateRuleLatest:
		return pickDate(cur, inc, func(a, b time.Time) bool { return a.After(b) }), nil
	case domain.DateRuleAverage:
		if cur == nil {
			return inc, nil
		}
		if inc == nil {
			return cur, nil
		}
		mid := domain.DateOnly(cur.Add(inc.Sub(*cur) / 2))
		return &mid, nil
	default:
		return nil, ErrIncompleteMergeRule
	}
}

// pickDate applies the comparison to the two dates, treating a single nil
// as losing so data is never dropped by earliest/latest.
func pickDate(cur, inc *time.Time, wins func(a, b time.Time) bool) *time.Time {
	if cur == nil {
		return inc
	}
	if inc == nil {
		return cur
	}
	if wins(*inc, *cur) {
		return inc
	}
	return cur
}

func mergeProgress(rule domain.ProgressMergeRule, cur, inc int) (int, error) {
	switch rule {
	case domain.ProgressRuleCurrent:
		return cur, nil
	case domain.ProgressRuleIncoming:
		return inc, nil
	case domain.ProgressRuleMax:
		return max(cur, inc), nil
	case domain.ProgressRuleMin:
		return min(cur, inc), nil
	case domain.ProgressRuleAverage:
		return (cur + inc) / 2, nil
	default:
		return 0, ErrIncompleteMergeRule
	}
}

func mergeAssignee(rule domain.AssigneeMergeRule, cur, inc *uuid.UUID) (*uuid.UUID, error) {
	switch rule {
	case domain.AssigneeRuleCurrent:
		return cur, nil
	case domain.AssigneeRuleIncoming:
		return inc, nil
	case domain.AssigneeRuleMerge:
		// Single-assignee tasks cannot hold both; prefer the incoming one
		// and fall back to whoever is set.
		if inc != nil {
			return inc, nil
		}
		return cur, nil
	default:
		return nil, ErrIncompleteMergeRule
	}
}

func mergePriority(rule domain.PriorityMergeRule, cur, inc int) (int, error) {
	switch rule {
	case domain.PriorityRuleCurrent:
		return cur, nil
	case domain.PriorityRuleIncoming:
		return inc, nil
	case domain.PriorityRuleHighest:
		return max(cur, inc), nil
	case domain.PriorityRuleLowest:
		return min(cur, inc), nil
	default:
		return 0, ErrIncompleteMergeRule
	}
}
