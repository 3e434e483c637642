package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Project anchors a task graph: its start date is the default earliest
// start for tasks without predecessors, and its calendar drives all
// working-day arithmetic for the schedule.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	Calendar  Calendar  `json:"calendar"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectRepository is read-only: project rows are owned by the application
// managing projects, the engine only reads the scheduling anchor.
type ProjectRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Project, error)
}
