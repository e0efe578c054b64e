// Package recurrence computes successor occurrences for recurring tasks and
// runs the worker that creates them when a recurring task completes.
package recurrence

import (
	"time"

	"github.com/todoflow/todoflow/internal/task/models"
)

// NextDueDate advances the anchor by one cadence interval. Day and week
// cadences are fixed-width; month and year cadences clamp to the last day of
// a shorter target month, so Jan 31 -> Feb 29 -> Mar 29 rather than skipping
// or overflowing. Time of day is preserved and the result is UTC.
func NextDueDate(anchor time.Time, pattern models.RecurrencePattern) time.Time {
	anchor = anchor.UTC()
	switch pattern {
	case models.RecurrenceDaily:
		return anchor.AddDate(0, 0, 1)
	case models.RecurrenceWeekly:
		return anchor.AddDate(0, 0, 7)
	case models.RecurrenceMonthly:
		return addMonthsClamped(anchor, 1)
	case models.RecurrenceYearly:
		return addMonthsClamped(anchor, 12)
	}
	return anchor
}

// addMonthsClamped adds months without the normalization overflow of
// time.AddDate, clamping the day to the target month's length. Feb 29 plus
// twelve months lands on Feb 28, not Mar 1.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	// First of the target month, then clamp the day.
	first := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), time.UTC)
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextRemindAt carries the parent's reminder lead time onto the successor.
// The offset is signed: a reminder after the due date stays after the new due
// date. With no parent reminder there is nothing to carry.
func NextRemindAt(parentAnchor time.Time, parentRemind *time.Time, nextDue time.Time) *time.Time {
	if parentRemind == nil {
		return nil
	}
	offset := parentAnchor.UTC().Sub(parentRemind.UTC())
	next := nextDue.Add(-offset)
	return &next
}
