package schedule

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
)

// Compute runs the critical path method over a project's tasks and
// dependencies and returns an immutable ScheduleComputation stamped with at.
//
// All arithmetic happens on a working-day grid anchored at the project start:
// a task's earliest start and finish are integer offsets of working days,
// converted back to calendar dates only when building the result. Finish
// offsets are exclusive, so an FS successor with zero lag starts on the
// working day after its predecessor's last occupied day. Lags count working
// days on this grid.
//
// The graph must be acyclic; Compute returns ErrCycle otherwise. A calendar
// that cannot schedule anything returns domain.ErrInvalidCalendar.
func Compute(project *domain.Project, tasks []*domain.Task, deps []*domain.Dependency, at time.Time) (*domain.ScheduleComputation, error) {
	cal := project.Calendar
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("schedule.Compute: %w", err)
	}

	comp := &domain.ScheduleComputation{
		ID:         uuid.New(),
		ProjectID:  project.ID,
		Algorithm:  domain.AlgorithmCPM,
		ComputedAt: at,
	}
	if len(tasks) == 0 {
		return comp, nil
	}

	g := NewGraph(tasks)
	for _, d := range deps {
		if err := g.AddEdge(d); err != nil {
			return nil, fmt.Errorf("schedule.Compute: %w", err)
		}
	}
	order, err := g.TopoOrder()
	if err != nil {
		return nil, fmt.Errorf("schedule.Compute: %w", err)
	}

	dur := make([]int, len(tasks))
	for i, t := range tasks {
		dur[i] = taskDuration(cal, t)
	}

	// Forward pass in topological order. es/ef are working-day offsets from
	// the project start; ef is exclusive.
	es := make([]int, len(tasks))
	ef := make([]int, len(tasks))
	for _, node := range order {
		start := 0
		for _, e := range g.Incoming(node) {
			var bound int
			switch e.Type {
			case domain.DependencySS:
				bound = es[e.Node] + e.Lag
			case domain.DependencyFF:
				bound = ef[e.Node] + e.Lag - dur[node]
			case domain.DependencySF:
				bound = es[e.Node] + e.Lag - dur[node]
			default: // FS
				bound = ef[e.Node] + e.Lag
			}
			if bound > start {
				start = bound
			}
		}
		if start < 0 {
			start = 0
		}
		es[node] = start
		ef[node] = start + dur[node]
	}

	projectEnd := 0
	for _, finish := range ef {
		if finish > projectEnd {
			projectEnd = finish
		}
	}

	// Backward pass in reverse topological order. lf is exclusive like ef.
	ls := make([]int, len(tasks))
	lf := make([]int, len(tasks))
	for i := range lf {
		lf[i] = projectEnd
	}
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		finish := lf[node]
		for _, e := range g.Outgoing(node) {
			var bound int
			switch e.Type {
			case domain.DependencySS:
				bound = ls[e.Node] - e.Lag + dur[node]
			case domain.DependencyFF:
				bound = lf[e.Node] - e.Lag
			case domain.DependencySF:
				bound = lf[e.Node] - e.Lag + dur[node]
			default: // FS
				bound = ls[e.Node] - e.Lag
			}
			if bound < finish {
				finish = bound
			}
		}
		lf[node] = finish
		ls[node] = finish - dur[node]
	}

	day0 := cal.NextWorkingDay(project.StartDate)
	comp.Entries = make([]domain.ScheduleEntry, len(tasks))
	for i, t := range tasks {
		comp.Entries[i] = domain.ScheduleEntry{
			TaskID:         t.ID,
			EarliestStart:  cal.AddWorkingDays(day0, es[i]),
			EarliestFinish: cal.AddWorkingDays(day0, ef[i]-1),
			LatestStart:    cal.AddWorkingDays(day0, ls[i]),
			LatestFinish:   cal.AddWorkingDays(day0, lf[i]-1),
			SlackDays:      ls[i] - es[i],
			Critical:       ls[i] == es[i],
		}
	}
	comp.CriticalPath = criticalChain(g, dur, es, ef, ls)
	return comp, nil
}

// taskDuration derives a task's working-day duration: from its estimate when
// one is set, otherwise from its date span, with a floor of one day.
func taskDuration(cal domain.Calendar, t *domain.Task) int {
	if t.EstimateValue > 0 {
		if d := cal.EstimateDays(t.EstimateValue, t.EstimateUnit); d > 0 {
			return d
		}
	}
	if t.StartDate != nil && t.DueDate != nil && !t.DueDate.Before(*t.StartDate) {
		// The span is inclusive of the due date.
		if d := cal.WorkingDaysBetween(*t.StartDate, t.DueDate.AddDate(0, 0, 1)); d > 0 {
			return d
		}
	}
	return 1
}

// criticalChain extracts the critical path as an ordered chain of task ids.
// It starts from the zero-slack task with the latest earliest finish (ties
// break toward the lowest id) and walks backwards along tight zero-slack
// edges, applying the same tie-break at each hop.
func criticalChain(g *Graph, dur, es, ef, ls []int) []uuid.UUID {
	end := -1
	for i := 0; i < g.Len(); i++ {
		if ls[i] != es[i] {
			continue
		}
		if end == -1 || ef[i] > ef[end] || (ef[i] == ef[end] && lowerID(g, i, end)) {
			end = i
		}
	}
	if end == -1 {
		return nil
	}

	chain := []int{end}
	for cur := end; ; {
		next := -1
		for _, e := range g.Incoming(cur) {
			pred := e.Node
			if ls[pred] != es[pred] {
				continue
			}
			var bound int
			switch e.Type {
			case domain.DependencySS:
				bound = es[pred] + e.Lag
			case domain.DependencyFF:
				bound = ef[pred] + e.Lag - dur[cur]
			case domain.DependencySF:
				bound = es[pred] + e.Lag - dur[cur]
			default: // FS
				bound = ef[pred] + e.Lag
			}
			if bound != es[cur] {
				continue // edge is not what pinned cur's start
			}
			if next == -1 || lowerID(g, pred, next) {
				next = pred
			}
		}
		if next == -1 {
			break
		}
		chain = append(chain, next)
		cur = next
	}

	// The walk collected the chain end first; emit it in dependency order.
	path := make([]uuid.UUID, len(chain))
	for i, node := range chain {
		path[len(chain)-1-i] = g.TaskAt(node).ID
	}
	return path
}

func lowerID(g *Graph, a, b int) bool {
	ida := g.TaskAt(a).ID
	idb := g.TaskAt(b).ID
	return bytes.Compare(ida[:], idb[:]) < 0
}
