package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusTodo      TaskStatus = "todo"
	TaskStatusDoing     TaskStatus = "doing"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusReview    TaskStatus = "review"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusDoing, TaskStatusBlocked,
		TaskStatusReview, TaskStatusDone, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

type EstimateUnit string

const (
	EstimateUnitHours EstimateUnit = "hours"
	EstimateUnitDays  EstimateUnit = "days"
	EstimateUnitWeeks EstimateUnit = "weeks"
)

// Valid reports whether u is one of the known estimate units.
func (u EstimateUnit) Valid() bool {
	switch u {
	case EstimateUnitHours, EstimateUnitDays, EstimateUnitWeeks:
		return true
	default:
		return false
	}
}

// Task is a schedulable unit of work. StartDate and DueDate are calendar
// dates (midnight UTC). Version is the optimistic-lock token: every
// successful write increments it by exactly one, and writers must present
// the version they read.
//
// ParentID forms the work-breakdown tree, which is separate from the
// dependency graph. The progress of a task with children is a derived
// aggregate and is never written directly.
type Task struct {
	ID            uuid.UUID    `json:"id"`
	ProjectID     uuid.UUID    `json:"project_id"`
	Title         string       `json:"title"`
	StartDate     *time.Time   `json:"start_date,omitempty"`
	DueDate       *time.Time   `json:"due_date,omitempty"`
	Progress      int          `json:"progress"`
	Status        TaskStatus   `json:"status"`
	Priority      int          `json:"priority"`
	AssigneeID    *uuid.UUID   `json:"assignee_id,omitempty"`
	EstimateValue float64      `json:"estimate_value"`
	EstimateUnit  EstimateUnit `json:"estimate_unit"`
	ParentID      *uuid.UUID   `json:"parent_id,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TaskPatch is a typed partial update for a single task. Nil fields are
// left untouched. ExpectedVersion carries the optimistic-lock precondition;
// Force skips the precondition and is set only after the caller has
// explicitly resolved the underlying conflict.
type TaskPatch struct {
	TaskID          uuid.UUID `json:"task_id"`
	ExpectedVersion int64     `json:"expected_version"`
	Force           bool      `json:"force,omitempty"`

	Title         *string       `json:"title,omitempty"`
	StartDate     *time.Time    `json:"start_date,omitempty"`
	DueDate       *time.Time    `json:"due_date,omitempty"`
	Progress      *int          `json:"progress,omitempty"`
	Status        *TaskStatus   `json:"status,omitempty"`
	Priority      *int          `json:"priority,omitempty"`
	AssigneeID    *uuid.UUID    `json:"assignee_id,omitempty"`
	EstimateValue *float64      `json:"estimate_value,omitempty"`
	EstimateUnit  *EstimateUnit `json:"estimate_unit,omitempty"`
	ParentID      *uuid.UUID    `json:"parent_id,omitempty"`
}

// IsEmpty reports whether the patch changes no fields.
func (p TaskPatch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Fields returns the names of the fields the patch sets, in a fixed order.
func (p TaskPatch) Fields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.StartDate != nil {
		fields = append(fields, "start_date")
	}
	if p.DueDate != nil {
		fields = append(fields, "due_date")
	}
	if p.Progress != nil {
		fields = append(fields, "progress")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.Priority != nil {
		fields = append(fields, "priority")
	}
	if p.AssigneeID != nil {
		fields = append(fields, "assignee_id")
	}
	if p.EstimateValue != nil {
		fields = append(fields, "estimate_value")
	}
	if p.EstimateUnit != nil {
		fields = append(fields, "estimate_unit")
	}
	if p.ParentID != nil {
		fields = append(fields, "parent_id")
	}
	return fields
}

// Apply returns a copy of t with the patch's set fields applied. Version
// and timestamps are not touched; the store owns those.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.StartDate != nil {
		d := *p.StartDate
		t.StartDate = &d
	}
	if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssigneeID != nil {
		id := *p.AssigneeID
		t.AssigneeID = &id
	}
	if p.EstimateValue != nil {
		t.EstimateValue = *p.EstimateValue
	}
	if p.EstimateUnit != nil {
		t.EstimateUnit = *p.EstimateUnit
	}
	if p.ParentID != nil {
		id := *p.ParentID
		t.ParentID = &id
	}
	return t
}

// TaskSnapshot is a point-in-time copy of a task's mutable fields, kept on
// conflicts so both sides of a collision survive resolution.
type TaskSnapshot struct {
	TaskID        uuid.UUID    `json:"task_id"`
	Title         string       `json:"title"`
	StartDate     *time.Time   `json:"start_date,omitempty"`
	DueDate       *time.Time   `json:"due_date,omitempty"`
	Progress      int          `json:"progress"`
	Status        TaskStatus   `json:"status"`
	Priority      int          `json:"priority"`
	AssigneeID    *uuid.UUID   `json:"assignee_id,omitempty"`
	EstimateValue float64      `json:"estimate_value"`
	EstimateUnit  EstimateUnit `json:"estimate_unit"`
	Version       int64        `json:"version"`
	TakenAt       time.Time    `json:"taken_at"`
}

// SnapshotTask captures the mutable fields of t at the given time.
func SnapshotTask(t Task, at time.Time) TaskSnapshot {
	return TaskSnapshot{
		TaskID:        t.ID,
		Title:         t.Title,
		StartDate:     t.StartDate,
		DueDate:       t.DueDate,
		Progress:      t.Progress,
		Status:        t.Status,
		Priority:      t.Priority,
		AssigneeID:    t.AssigneeID,
		EstimateValue: t.EstimateValue,
		EstimateUnit:  t.EstimateUnit,
		Version:       t.Version,
		TakenAt:       at,
	}
}

type TaskRepository interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)
	LoadByIDs(ctx context.Context, ids []uuid.UUID) ([]*Task, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*Task, error)
	// ChildCounts returns, for each given id, how many tasks name it as
	// parent. IDs without children are present with a zero count.
	ChildCounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error)
	// DerivedProgress returns the rolled-up progress per parent task in the
	// project, averaged over leaf descendants.
	DerivedProgress(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int, error)
	// UpdateIfVersion applies the patch when the stored version equals
	// patch.ExpectedVersion, incrementing the version by one. It returns
	// ErrVersionMismatch when the precondition fails and ErrNotFound when
	// the task does not exist. Patches with Force set skip the version
	// precondition but still increment the version.
	UpdateIfVersion(ctx context.Context, patch TaskPatch) (*Task, error)
}
