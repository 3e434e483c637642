package domain

import (
	"fmt"
	"math"
	"time"
)

// Calendar describes the working time of a project: which weekdays are
// worked, how many hours a working day has, and holiday dates skipped even
// when they fall on a working weekday. The zero value is not usable; start
// from DefaultCalendar.
type Calendar struct {
	// WorkingDays is indexed by time.Weekday (Sunday = 0).
	WorkingDays [7]bool     `json:"working_days"`
	HoursPerDay float64     `json:"hours_per_day"`
	Holidays    []time.Time `json:"holidays,omitempty"`
}

// DefaultCalendar is the Monday–Friday, eight-hour calendar.
func DefaultCalendar() Calendar {
	var days [7]bool
	for wd := time.Monday; wd <= time.Friday; wd++ {
		days[wd] = true
	}
	return Calendar{WorkingDays: days, HoursPerDay: 8}
}

// Validate checks that the calendar can schedule anything at all. A calendar
// with zero working hours per day or no working weekday cannot.
func (c Calendar) Validate() error {
	if c.HoursPerDay <= 0 {
		return fmt.Errorf("hours per day %v: %w", c.HoursPerDay, ErrInvalidCalendar)
	}
	any := false
	for _, working := range c.WorkingDays {
		if working {
			any = true
			break
		}
	}
	if !any {
		return fmt.Errorf("no working weekdays: %w", ErrInvalidCalendar)
	}
	return nil
}

// IsWorkingDay reports whether t falls on a working weekday that is not a
// holiday. Only the date part of t is considered.
func (c Calendar) IsWorkingDay(t time.Time) bool {
	if !c.WorkingDays[t.Weekday()] {
		return false
	}
	return !c.isHoliday(t)
}

// NextWorkingDay rolls t forward (inclusive) to the first working day.
func (c Calendar) NextWorkingDay(t time.Time) time.Time {
	t = DateOnly(t)
	for !c.IsWorkingDay(t) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// AddWorkingDays returns the date n working days after t (before, when n is
// negative). t itself is first rolled forward to a working day; n = 0
// returns that day.
func (c Calendar) AddWorkingDays(t time.Time, n int) time.Time {
	day := c.NextWorkingDay(t)
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for remaining := n; remaining > 0; {
		day = day.AddDate(0, 0, step)
		if c.IsWorkingDay(day) {
			remaining--
		}
	}
	return day
}

// WorkingDaysBetween counts the working days in the half-open range
// [from, to). It returns 0 when to is not after from.
func (c Calendar) WorkingDaysBetween(from, to time.Time) int {
	from = DateOnly(from)
	to = DateOnly(to)
	count := 0
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		if c.IsWorkingDay(day) {
			count++
		}
	}
	return count
}

// EstimateDays converts an estimate to whole working days, rounding up.
// Hours divide by HoursPerDay; weeks multiply by the number of working
// weekdays in the calendar.
func (c Calendar) EstimateDays(value float64, unit EstimateUnit) int {
	if value <= 0 {
		return 0
	}
	var days float64
	switch unit {
	case EstimateUnitHours:
		days = value / c.HoursPerDay
	case EstimateUnitWeeks:
		days = value * float64(c.workingWeekdays())
	default:
		days = value
	}
	return int(math.Ceil(days))
}

func (c Calendar) workingWeekdays() int {
	n := 0
	for _, working := range c.WorkingDays {
		if working {
			n++
		}
	}
	return n
}

func (c Calendar) isHoliday(t time.Time) bool {
	y, m, d := t.Date()
	for _, h := range c.Holidays {
		hy, hm, hd := h.Date()
		if hy == y && hm == m && hd == d {
			return true
		}
	}
	return false
}

// DateOnly truncates t to midnight UTC, the canonical representation for
// schedule dates.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
