package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
)

// Violation is one broken constraint, attributed to a task. Violations are
// ordinary result data: the validator never mutates anything and never
// fails a call because of them. Type carries the conflict classification
// the batch coordinator uses when routing the item to conflict resolution.
type Violation struct {
	TaskID  uuid.UUID           `json:"task_id"`
	Type    domain.ConflictType `json:"type"`
	Field   string              `json:"field,omitempty"`
	Message string              `json:"message"`
}

// ValidationInput is the snapshot a validation run works against. Tasks
// must hold the current state of every patched task and of every task on
// the other end of a dependency in Dependencies; Children carries the
// number of child tasks per patched task id.
type ValidationInput struct {
	Tasks        map[uuid.UUID]*domain.Task
	Patches      []domain.TaskPatch
	Dependencies []*domain.Dependency
	Children     map[uuid.UUID]int
}

// Validate screens the proposed patches against the snapshot and returns
// the violations in a fixed order: per patch in input order, date sanity,
// then numeric sanity, then enum values, then dependency date-lag rules,
// and finally one pass of cycle detection over the dependency set.
//
// Dependency lag rules compare calendar dates with calendar-day lag
// arithmetic; a rule whose dates are not all present is not evaluated.
func Validate(in ValidationInput) []Violation {
	// Apply every patch first so dependency checks see the batch's own
	// concurrent updates on the other endpoint.
	effective := make(map[uuid.UUID]*domain.Task, len(in.Tasks))
	for id, t := range in.Tasks {
		effective[id] = t
	}
	for _, p := range in.Patches {
		if cur, ok := in.Tasks[p.TaskID]; ok {
			eff := p.Apply(*cur)
			effective[p.TaskID] = &eff
		}
	}

	byTask := make(map[uuid.UUID][]*domain.Dependency)
	for _, d := range in.Dependencies {
		byTask[d.PredecessorID] = append(byTask[d.PredecessorID], d)
		byTask[d.SuccessorID] = append(byTask[d.SuccessorID], d)
	}

	var out []Violation
	checkedDeps := make(map[uuid.UUID]bool)
	for _, p := range in.Patches {
		task, ok := effective[p.TaskID]
		if !ok {
			continue // unknown ids are the caller's input error, not a violation
		}
		out = append(out, checkDates(task)...)
		out = append(out, checkNumbers(task, p, in.Children)...)
		out = append(out, checkEnums(task, p)...)
		for _, dep := range byTask[p.TaskID] {
			if checkedDeps[dep.ID] {
				continue
			}
			checkedDeps[dep.ID] = true
			out = append(out, checkDependency(dep, p.TaskID, effective)...)
		}
	}
	out = append(out, checkCycles(effective, in.Dependencies)...)
	return out
}

// checkDates enforces start on or before due, at day granularity. Due dates
// are inclusive, so a one-day task may carry the same start and due date.
func checkDates(t *domain.Task) []Violation {
	if t.StartDate == nil || t.DueDate == nil {
		return nil
	}
	if !t.StartDate.After(*t.DueDate) {
		return nil
	}
	return []Violation{{
		TaskID: t.ID,
		Type:   domain.ConflictDateConstraint,
		Field:  "start_date",
		Message: fmt.Sprintf("start date %s is after due date %s",
			day(*t.StartDate), day(*t.DueDate)),
	}}
}

func checkNumbers(t *domain.Task, p domain.TaskPatch, children map[uuid.UUID]int) []Violation {
	var out []Violation
	if p.EstimateValue != nil && *p.EstimateValue <= 0 {
		out = append(out, Violation{
			TaskID:  t.ID,
			Type:    domain.ConflictDataIntegrity,
			Field:   "estimate_value",
			Message: fmt.Sprintf("estimate must be positive, got %v", *p.EstimateValue),
		})
	}
	if t.Progress < 0 || t.Progress > 100 {
		out = append(out, Violation{
			TaskID:  t.ID,
			Type:    domain.ConflictDataIntegrity,
			Field:   "progress",
			Message: fmt.Sprintf("progress must be between 0 and 100, got %d", t.Progress),
		})
	}
	if p.Progress != nil && children[t.ID] > 0 {
		out = append(out, Violation{
			TaskID:  t.ID,
			Type:    domain.ConflictDataIntegrity,
			Field:   "progress",
			Message: "progress of a task with children is derived and cannot be written",
		})
	}
	return out
}

func checkEnums(t *domain.Task, p domain.TaskPatch) []Violation {
	var out []Violation
	if p.Status != nil && !t.Status.Valid() {
		out = append(out, Violation{
			TaskID:  t.ID,
			Type:    domain.ConflictDataIntegrity,
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", t.Status),
		})
	}
	if p.EstimateUnit != nil && !t.EstimateUnit.Valid() {
		out = append(out, Violation{
			TaskID:  t.ID,
			Type:    domain.ConflictDataIntegrity,
			Field:   "estimate_unit",
			Message: fmt.Sprintf("unknown estimate unit %q", t.EstimateUnit),
		})
	}
	return out
}

// checkDependency evaluates the date-lag rule of one edge against the
// effective state of both endpoints. changed is the patched task the
// violation is attributed to when the rule cannot be evaluated; rule breaks
// are attributed to the constrained endpoint.
func checkDependency(dep *domain.Dependency, changed uuid.UUID, effective map[uuid.UUID]*domain.Task) []Violation {
	pred, okP := effective[dep.PredecessorID]
	succ, okS := effective[dep.SuccessorID]
	if !okP || !okS {
		return []Violation{{
			TaskID: changed,
			Type:   domain.ConflictDependencyMismatch,
			Message: fmt.Sprintf("dependency %s references a task outside the loaded set",
				dep.ID),
		}}
	}

	// anchor + lag bounds the constrained date from below.
	var anchor, constrained *time.Time
	var field string
	switch dep.Type {
	case domain.DependencySS:
		anchor, constrained, field = pred.StartDate, succ.StartDate, "start_date"
	case domain.DependencyFF:
		anchor, constrained, field = pred.DueDate, succ.DueDate, "due_date"
	case domain.DependencySF:
		anchor, constrained, field = pred.StartDate, succ.DueDate, "due_date"
	default: // FS
		anchor, constrained, field = pred.DueDate, succ.StartDate, "start_date"
	}
	if anchor == nil || constrained == nil {
		return nil
	}
	required := domain.DateOnly(*anchor).AddDate(0, 0, dep.LagDays)
	if !domain.DateOnly(*constrained).Before(required) {
		return nil
	}
	return []Violation{{
		TaskID: succ.ID,
		Type:   domain.ConflictDateConstraint,
		Field:  field,
		Message: fmt.Sprintf("%s dependency on %s requires %s >= %s, got %s",
			dep.Type, pred.ID, field, day(required), day(*constrained)),
	}}
}

// CheckDependencyDates evaluates one edge's date-lag rule against the two
// endpoint tasks as they stand. Dependency writes use this to screen a new
// or changed edge before persisting it, with the same rule batch updates
// apply.
func CheckDependencyDates(dep *domain.Dependency, pred, succ *domain.Task) []Violation {
	effective := map[uuid.UUID]*domain.Task{pred.ID: pred, succ.ID: succ}
	return checkDependency(dep, succ.ID, effective)
}

// checkCycles runs one cycle pass over the dependency set. Edges whose
// endpoints are outside the snapshot were already reported as mismatches
// and are skipped here.
func checkCycles(effective map[uuid.UUID]*domain.Task, deps []*domain.Dependency) []Violation {
	if len(deps) == 0 {
		return nil
	}
	tasks := make([]*domain.Task, 0, len(effective))
	for _, t := range effective {
		tasks = append(tasks, t)
	}
	g := NewGraph(tasks)
	for _, d := range deps {
		if _, ok := effective[d.PredecessorID]; !ok {
			continue
		}
		if _, ok := effective[d.SuccessorID]; !ok {
			continue
		}
		if err := g.AddEdge(d); err != nil {
			return []Violation{{
				TaskID:  d.PredecessorID,
				Type:    domain.ConflictCircularDependency,
				Message: fmt.Sprintf("dependency %s links a task to itself", d.ID),
			}}
		}
	}
	cycle := g.FindCycle()
	if cycle == nil {
		return nil
	}
	ids := make([]string, len(cycle))
	for i, id := range cycle {
		ids[i] = id.String()
	}
	return []Violation{{
		TaskID:  cycle[0],
		Type:    domain.ConflictCircularDependency,
		Message: "dependency cycle: " + strings.Join(ids, " -> "),
	}}
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}
