package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DependencyType is the precedence relation between two tasks.
type DependencyType string

const (
	// DependencyFS: the successor may start once the predecessor finishes.
	DependencyFS DependencyType = "FS"
	// DependencySS: the successor may start once the predecessor starts.
	DependencySS DependencyType = "SS"
	// DependencyFF: the successor may finish once the predecessor finishes.
	DependencyFF DependencyType = "FF"
	// DependencySF: the successor may finish once the predecessor starts.
	DependencySF DependencyType = "SF"
)

// Valid reports whether t is one of the four known dependency types.
func (t DependencyType) Valid() bool {
	switch t {
	case DependencyFS, DependencySS, DependencyFF, DependencySF:
		return true
	default:
		return false
	}
}

// Dependency is a directed precedence edge from a predecessor task to a
// successor task. LagDays is a signed offset added to the constraint; a
// negative lag is a lead. The dependency set of a project, viewed as a
// directed graph over its tasks, must stay acyclic; edge writes are
// cycle-checked before persistence.
type Dependency struct {
	ID            uuid.UUID      `json:"id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	PredecessorID uuid.UUID      `json:"predecessor_id"`
	SuccessorID   uuid.UUID      `json:"successor_id"`
	Type          DependencyType `json:"type"`
	LagDays       int            `json:"lag_days"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type DependencyRepository interface {
	Create(ctx context.Context, d *Dependency) error
	GetByID(ctx context.Context, id uuid.UUID) (*Dependency, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*Dependency, error)
	// ListForTasks returns every dependency touching any of the given tasks,
	// as predecessor or successor.
	ListForTasks(ctx context.Context, taskIDs []uuid.UUID) ([]*Dependency, error)
	Update(ctx context.Context, d *Dependency) error
	Delete(ctx context.Context, id uuid.UUID) error
}
