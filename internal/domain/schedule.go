package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AlgorithmCPM identifies the critical path method calculator.
const AlgorithmCPM = "cpm"

// ScheduleEntry is the computed schedule for one task: the earliest and
// latest window it can occupy without moving the project end, and the slack
// between them in working days. Critical marks zero-slack tasks.
type ScheduleEntry struct {
	TaskID         uuid.UUID `json:"task_id"`
	EarliestStart  time.Time `json:"earliest_start"`
	EarliestFinish time.Time `json:"earliest_finish"`
	LatestStart    time.Time `json:"latest_start"`
	LatestFinish   time.Time `json:"latest_finish"`
	SlackDays      int       `json:"slack_days"`
	Critical       bool      `json:"critical"`
}

// ScheduleComputation is one run of the schedule calculator. It is immutable
// once produced; the next run for the same project supersedes it rather than
// mutating it.
type ScheduleComputation struct {
	ID           uuid.UUID       `json:"id"`
	ProjectID    uuid.UUID       `json:"project_id"`
	Algorithm    string          `json:"algorithm"`
	ComputedAt   time.Time       `json:"computed_at"`
	Entries      []ScheduleEntry `json:"entries"`
	CriticalPath []uuid.UUID     `json:"critical_path"`
}

// Entry returns the entry for the given task, or nil.
func (sc *ScheduleComputation) Entry(taskID uuid.UUID) *ScheduleEntry {
	for i := range sc.Entries {
		if sc.Entries[i].TaskID == taskID {
			return &sc.Entries[i]
		}
	}
	return nil
}

// ProjectFinish returns the latest earliest-finish over all entries, the
// computed end of the project. The zero time is returned for an empty
// computation.
func (sc *ScheduleComputation) ProjectFinish() time.Time {
	var finish time.Time
	for i := range sc.Entries {
		if sc.Entries[i].EarliestFinish.After(finish) {
			finish = sc.Entries[i].EarliestFinish
		}
	}
	return finish
}

type ScheduleRepository interface {
	Insert(ctx context.Context, sc *ScheduleComputation) error
	LatestByProject(ctx context.Context, projectID uuid.UUID) (*ScheduleComputation, error)
}
