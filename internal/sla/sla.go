// Package sla classifies due dates by remaining business days.
package sla

import "time"

type Urgency string

const (
	Overdue Urgency = "overdue"
	AtRisk  Urgency = "at_risk"
	Normal  Urgency = "normal"
)

// AtRiskDays is the largest remaining business-day count still reported as AtRisk.
const AtRiskDays = 3

// DateLayout is the storage format for due dates.
const DateLayout = "2006-01-02"

// Classify compares due against now at day granularity. due is read as a
// calendar date in its own location; now decides what today is.
func Classify(due, now time.Time) Urgency {
	today := dateOf(now, now.Location())
	d := calendarDate(due, now.Location())
	if !d.After(today) {
		return Overdue
	}
	if BusinessDaysUntil(due, now) <= AtRiskDays {
		return AtRisk
	}
	return Normal
}

// BusinessDaysUntil counts weekdays from today (inclusive) up to the due date
// (exclusive). It is zero when due is today or earlier.
func BusinessDaysUntil(due, now time.Time) int {
	today := dateOf(now, now.Location())
	d := calendarDate(due, now.Location())
	n := 0
	for day := today; day.Before(d); day = day.AddDate(0, 0, 1) {
		if isBusinessDay(day) {
			n++
		}
	}
	return n
}

// AddBusinessDays returns the date n business days after start, skipping weekends.
func AddBusinessDays(start time.Time, n int) time.Time {
	day := dateOf(start, start.Location())
	for n > 0 {
		day = day.AddDate(0, 0, 1)
		if isBusinessDay(day) {
			n--
		}
	}
	return day
}

// ParseDate reads a YYYY-MM-DD due date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, s, loc)
}

func isBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// calendarDate keeps t's own year, month and day and places them in loc.
func calendarDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
