package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InvalidationStrategy selects how a cache invalidation event is executed.
type InvalidationStrategy string

const (
	// InvalidateImmediate deletes the keys synchronously and publishes a
	// notification before returning.
	InvalidateImmediate InvalidationStrategy = "immediate"
	// InvalidateBatched queues the event per (project, entity type) and
	// flushes on size or debounce expiry.
	InvalidateBatched InvalidationStrategy = "batched"
	// InvalidateScheduled persists the event and executes it after a fixed
	// delay.
	InvalidateScheduled InvalidationStrategy = "scheduled"
	// InvalidateLazy marks the keys stale; readers refresh on next access.
	InvalidateLazy InvalidationStrategy = "lazy"
)

// Valid reports whether s is one of the known strategies.
func (s InvalidationStrategy) Valid() bool {
	switch s {
	case InvalidateImmediate, InvalidateBatched, InvalidateScheduled, InvalidateLazy:
		return true
	default:
		return false
	}
}

// InvalidationOperation names the mutation that made the cached data stale.
type InvalidationOperation string

const (
	OperationCreate     InvalidationOperation = "create"
	OperationUpdate     InvalidationOperation = "update"
	OperationDelete     InvalidationOperation = "delete"
	OperationBulkUpdate InvalidationOperation = "bulk_update"
)

// Valid reports whether o is one of the known operations.
func (o InvalidationOperation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationBulkUpdate:
		return true
	default:
		return false
	}
}

// InvalidationEvent describes one cache invalidation request. EntityIDs
// lists the entities whose cached representations are stale; an empty list
// means the whole entity-type namespace for the project.
type InvalidationEvent struct {
	ID         uuid.UUID             `json:"id"`
	ProjectID  uuid.UUID             `json:"project_id"`
	EntityType EntityType            `json:"entity_type"`
	EntityIDs  []uuid.UUID           `json:"entity_ids,omitempty"`
	Operation  InvalidationOperation `json:"operation"`
	Strategy   InvalidationStrategy  `json:"strategy"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
}

// DeferredStatus is the lifecycle of a persisted scheduled invalidation.
type DeferredStatus string

const (
	DeferredPending   DeferredStatus = "pending"
	DeferredProcessed DeferredStatus = "processed"
	DeferredFailed    DeferredStatus = "failed"
)

// DeferredInvalidation is a scheduled event persisted until its due time.
// It survives process restarts; a poll worker executes due rows.
type DeferredInvalidation struct {
	ID          uuid.UUID             `json:"id"`
	ProjectID   uuid.UUID             `json:"project_id"`
	EntityType  EntityType            `json:"entity_type"`
	EntityIDs   []uuid.UUID           `json:"entity_ids,omitempty"`
	Operation   InvalidationOperation `json:"operation"`
	DueAt       time.Time             `json:"due_at"`
	Status      DeferredStatus        `json:"status"`
	Attempts    int                   `json:"attempts"`
	LastError   string                `json:"last_error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	ProcessedAt *time.Time            `json:"processed_at,omitempty"`
}

type DeferredInvalidationRepository interface {
	Enqueue(ctx context.Context, d *DeferredInvalidation) error
	// DuePending returns pending rows whose DueAt is at or before now,
	// oldest first, capped at limit.
	DuePending(ctx context.Context, now time.Time, limit int) ([]*DeferredInvalidation, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// Reschedule keeps a row pending for another attempt at dueAt,
	// recording the error of the attempt that just failed.
	Reschedule(ctx context.Context, id uuid.UUID, dueAt time.Time, lastError string) error
	// MarkFailed retires a row permanently.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}
