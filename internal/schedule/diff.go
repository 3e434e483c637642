package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
)

// snapshotFields renders each comparable task field to its canonical string
// form, shared by diffing and data-loss accounting.
var snapshotFields = []struct { //nolint:gochecknoglobals // field table
	name string
	get  func(domain.TaskSnapshot) string
}{
	{"title", func(s domain.TaskSnapshot) string { return s.Title }},
	{"start_date", func(s domain.TaskSnapshot) string { return dateStr(s.StartDate) }},
	{"due_date", func(s domain.TaskSnapshot) string { return dateStr(s.DueDate) }},
	{"progress", func(s domain.TaskSnapshot) string { return strconv.Itoa(s.Progress) }},
	{"status", func(s domain.TaskSnapshot) string { return string(s.Status) }},
	{"priority", func(s domain.TaskSnapshot) string { return strconv.Itoa(s.Priority) }},
	{"assignee_id", func(s domain.TaskSnapshot) string { return idStr(s.AssigneeID) }},
	{"estimate", func(s domain.TaskSnapshot) string {
		if s.EstimateValue == 0 {
			return ""
		}
		return fmt.Sprintf("%v %s", s.EstimateValue, s.EstimateUnit)
	}},
}

func dateStr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func idStr(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// diffSnapshots lists every field where the two sides disagree or where the
// resolution changes the current value.
func diffSnapshots(current domain.TaskSnapshot, incoming *domain.TaskSnapshot, resolved domain.TaskSnapshot) []FieldDiff {
	var diffs []FieldDiff
	for _, f := range snapshotFields {
		cur := f.get(current)
		res := f.get(resolved)
		inc := cur
		if incoming != nil {
			inc = f.get(*incoming)
		}
		if cur == inc && cur == res {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: f.name, Current: cur, Incoming: inc, Resolved: res})
	}
	return diffs
}

// assessRisks summarizes what the resolved outcome sacrifices or disturbs.
func assessRisks(current domain.TaskSnapshot, incoming *domain.TaskSnapshot, resolved domain.TaskSnapshot, typ domain.ResolutionType, violations []Violation) []RiskNote {
	var notes []RiskNote

	if incoming != nil {
		incomingLost, currentLost := 0, 0
		for _, f := range snapshotFields {
			cur, inc, res := f.get(current), f.get(*incoming), f.get(resolved)
			if cur == inc {
				continue
			}
			if res != inc {
				incomingLost++
			}
			if res != cur {
				currentLost++
			}
		}
		if incomingLost > 0 {
			notes = append(notes, RiskNote{
				Risk:     RiskDataLoss,
				Severity: domain.SeverityMedium,
				Detail:   fmt.Sprintf("%d incoming field change(s) are discarded", incomingLost),
			})
		}
		if currentLost > 0 {
			severity := domain.SeverityMedium
			if typ == domain.ResolutionIncoming && currentLost >= 3 {
				severity = domain.SeverityHigh
			}
			notes = append(notes, RiskNote{
				Risk:     RiskDataLoss,
				Severity: severity,
				Detail:   fmt.Sprintf("%d persisted field value(s) are overwritten", currentLost),
			})
		}
	}

	if shift := dateShiftDays(current, resolved); shift > 0 {
		severity := domain.SeverityMedium
		if shift > 7 {
			severity = domain.SeverityHigh
		}
		notes = append(notes, RiskNote{
			Risk:     RiskScheduleDisruption,
			Severity: severity,
			Detail:   fmt.Sprintf("task dates move by up to %d day(s)", shift),
		})
	}

	if n, critical := dependencyViolations(violations); n > 0 {
		severity := domain.SeverityHigh
		if critical {
			severity = domain.SeverityCritical
		}
		notes = append(notes, RiskNote{
			Risk:     RiskDependencyBreak,
			Severity: severity,
			Detail:   fmt.Sprintf("resolved state breaks %d dependency constraint(s)", n),
		})
	}
	return notes
}

// dateShiftDays is the largest calendar-day move between the current and
// resolved start/due dates.
func dateShiftDays(current, resolved domain.TaskSnapshot) int {
	shift := 0
	for _, pair := range [][2]*time.Time{
		{current.StartDate, resolved.StartDate},
		{current.DueDate, resolved.DueDate},
	} {
		a, b := pair[0], pair[1]
		if a == nil || b == nil {
			if a != b && (a != nil || b != nil) {
				// A date appearing or disappearing counts as one day moved.
				if shift < 1 {
					shift = 1
				}
			}
			continue
		}
		days := int(domain.DateOnly(*b).Sub(domain.DateOnly(*a)).Hours() / 24)
		if days < 0 {
			days = -days
		}
		if days > shift {
			shift = days
		}
	}
	return shift
}

func dependencyViolations(violations []Violation) (count int, critical bool) {
	for _, v := range violations {
		switch v.Type {
		case domain.ConflictDateConstraint, domain.ConflictDependencyMismatch:
			count++
		case domain.ConflictCircularDependency:
			count++
			critical = true
		}
	}
	return count, critical
}

// flagOverlaps appends a resource_conflict risk to every pair of previewed
// outcomes that book the same assignee on overlapping date ranges.
func flagOverlaps(previews []ConflictPreview) {
	for i := range previews {
		a := previews[i].Resolved
		if a == nil || a.AssigneeID == nil || a.StartDate == nil || a.DueDate == nil {
			continue
		}
		for j := i + 1; j < len(previews); j++ {
			b := previews[j].Resolved
			if b == nil || b.AssigneeID == nil || b.StartDate == nil || b.DueDate == nil {
				continue
			}
			if a.TaskID == b.TaskID || *a.AssigneeID != *b.AssigneeID {
				continue
			}
			if a.StartDate.After(*b.DueDate) || b.StartDate.After(*a.DueDate) {
				continue
			}
			note := RiskNote{
				Risk:     RiskResourceConflict,
				Severity: domain.SeverityMedium,
				Detail: fmt.Sprintf("assignee %s is booked on tasks %s and %s over overlapping dates",
					a.AssigneeID, a.TaskID, b.TaskID),
			}
			previews[i].Risks = append(previews[i].Risks, note)
			previews[j].Risks = append(previews[j].Risks, note)
		}
	}
}

func severityRank(s domain.ConflictSeverity) int {
	switch s {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityHigh:
		return 2
	case domain.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func maxSeverity(risks []RiskNote) domain.ConflictSeverity {
	out := domain.SeverityLow
	for _, r := range risks {
		if severityRank(r.Severity) > severityRank(out) {
			out = r.Severity
		}
	}
	return out
}

// equalDates compares two optional dates by instant.
func equalDates(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalIDs(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// snapshotToTask rebuilds the mutable task fields from a snapshot.
func snapshotToTask(s domain.TaskSnapshot, t *domain.Task) {
	t.ID = s.TaskID
	t.Title = s.Title
	t.StartDate = s.StartDate
	t.DueDate = s.DueDate
	t.Progress = s.Progress
	t.Status = s.Status
	t.Priority = s.Priority
	t.AssigneeID = s.AssigneeID
	t.EstimateValue = s.EstimateValue
	t.EstimateUnit = s.EstimateUnit
	t.Version = s.Version
}

// patchBetween builds the minimal patch that turns the live task into the
// resolved snapshot. TaskID and ExpectedVersion are left for the caller.
func patchBetween(live domain.Task, resolved domain.TaskSnapshot) domain.TaskPatch {
	var p domain.TaskPatch
	if live.Title != resolved.Title {
		v := resolved.Title
		p.Title = &v
	}
	if !equalDates(live.StartDate, resolved.StartDate) {
		p.StartDate = resolved.StartDate
	}
	if !equalDates(live.DueDate, resolved.DueDate) {
		p.DueDate = resolved.DueDate
	}
	if live.Progress != resolved.Progress {
		v := resolved.Progress
		p.Progress = &v
	}
	if live.Status != resolved.Status {
		v := resolved.Status
		p.Status = &v
	}
	if live.Priority != resolved.Priority {
		v := resolved.Priority
		p.Priority = &v
	}
	if !equalIDs(live.AssigneeID, resolved.AssigneeID) {
		p.AssigneeID = resolved.AssigneeID
	}
	if live.EstimateValue != resolved.EstimateValue {
		v := resolved.EstimateValue
		p.EstimateValue = &v
	}
	if live.EstimateUnit != resolved.EstimateUnit {
		v := resolved.EstimateUnit
		p.EstimateUnit = &v
	}
	return p
}
