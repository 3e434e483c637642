package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies what collided.
type ConflictType string

const (
	ConflictOptimisticLock     ConflictType = "optimistic_lock"
	ConflictScheduling         ConflictType = "scheduling_conflict"
	ConflictResourceOverload   ConflictType = "resource_overallocation"
	ConflictCircularDependency ConflictType = "circular_dependency"
	ConflictDateConstraint     ConflictType = "date_constraint_violation"
	ConflictDependencyMismatch ConflictType = "dependency_mismatch"
	ConflictDataIntegrity      ConflictType = "data_integrity"
)

type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// DefaultSeverity maps a conflict type to the severity it is raised with.
func (t ConflictType) DefaultSeverity() ConflictSeverity {
	switch t {
	case ConflictCircularDependency, ConflictDataIntegrity:
		return SeverityCritical
	case ConflictDateConstraint, ConflictDependencyMismatch:
		return SeverityHigh
	case ConflictOptimisticLock, ConflictScheduling:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// EntityType names the kind of entity an event or conflict refers to.
type EntityType string

const (
	EntityTask             EntityType = "task"
	EntityDependency       EntityType = "dependency"
	EntityComputedSchedule EntityType = "computed_schedule"
	EntityMaterializedView EntityType = "materialized_view"
)

// Conflict records a collision between the persisted state of an entity and
// an incoming write. Conflicts are resolved, never deleted: ResolvedAt and
// Resolution are set by the resolver, and an unresolved conflict blocks
// dependent updates when the caller asked for fail-on-conflict semantics.
//
// Current and Incoming are nil for conflicts that do not carry task
// snapshots (for example a circular_dependency on an edge); Detail then
// explains the collision.
type Conflict struct {
	ID         uuid.UUID        `json:"id"`
	ProjectID  uuid.UUID        `json:"project_id"`
	EntityType EntityType       `json:"entity_type"`
	EntityID   uuid.UUID        `json:"entity_id"`
	Type       ConflictType     `json:"type"`
	Severity   ConflictSeverity `json:"severity"`
	Current    *TaskSnapshot    `json:"current,omitempty"`
	Incoming   *TaskSnapshot    `json:"incoming,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	DetectedAt time.Time        `json:"detected_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	Resolution *ResolutionType  `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has been resolved.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// ResolutionType selects how a conflict is settled.
type ResolutionType string

const (
	// ResolutionCurrent keeps the persisted state and discards the incoming
	// write.
	ResolutionCurrent ResolutionType = "current"
	// ResolutionIncoming applies the incoming write over the persisted state.
	ResolutionIncoming ResolutionType = "incoming"
	// ResolutionManual applies caller-provided field values.
	ResolutionManual ResolutionType = "manual"
	// ResolutionMerge combines both sides field by field under MergeRules.
	ResolutionMerge ResolutionType = "merge"
)

// Valid reports whether t is one of the known resolution types.
func (t ResolutionType) Valid() bool {
	switch t {
	case ResolutionCurrent, ResolutionIncoming, ResolutionManual, ResolutionMerge:
		return true
	default:
		return false
	}
}

// Merge rules per field family. The zero value of each rule means "not
// configured"; resolving with MERGE requires a rule for every touched field.
type (
	DateMergeRule     string
	ProgressMergeRule string
	AssigneeMergeRule string
	PriorityMergeRule string
)

const (
	DateRuleCurrent  DateMergeRule = "current"
	DateRuleIncoming DateMergeRule = "incoming"
	DateRuleEarliest DateMergeRule = "earliest"
	DateRuleLatest   DateMergeRule = "latest"
	DateRuleAverage  DateMergeRule = "average"

	ProgressRuleCurrent  ProgressMergeRule = "current"
	ProgressRuleIncoming ProgressMergeRule = "incoming"
	ProgressRuleMax      ProgressMergeRule = "max"
	ProgressRuleMin      ProgressMergeRule = "min"
	ProgressRuleAverage  ProgressMergeRule = "average"

	AssigneeRuleCurrent  AssigneeMergeRule = "current"
	AssigneeRuleIncoming AssigneeMergeRule = "incoming"
	AssigneeRuleMerge    AssigneeMergeRule = "merge"

	PriorityRuleCurrent  PriorityMergeRule = "current"
	PriorityRuleIncoming PriorityMergeRule = "incoming"
	PriorityRuleHighest  PriorityMergeRule = "highest"
	PriorityRuleLowest   PriorityMergeRule = "lowest"
)

// MergeRules configures per-field resolution for MERGE strategies.
type MergeRules struct {
	StartDate DateMergeRule     `json:"start_date,omitempty"`
	DueDate   DateMergeRule     `json:"due_date,omitempty"`
	Progress  ProgressMergeRule `json:"progress,omitempty"`
	Assignee  AssigneeMergeRule `json:"assignee,omitempty"`
	Priority  PriorityMergeRule `json:"priority,omitempty"`
}

// ResolutionStrategy is the full instruction for settling one or more
// conflicts. Merge must be set for ResolutionMerge; Manual must be set for
// ResolutionManual.
type ResolutionStrategy struct {
	Type   ResolutionType `json:"type"`
	Merge  *MergeRules    `json:"merge,omitempty"`
	Manual *TaskPatch     `json:"manual,omitempty"`
}

type ConflictRepository interface {
	Insert(ctx context.Context, c *Conflict) error
	GetByIDs(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*Conflict, error)
	ListOpenByProject(ctx context.Context, projectID uuid.UUID) ([]*Conflict, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*Conflict, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolution ResolutionType, at time.Time) error
}
