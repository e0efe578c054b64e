package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/todoflow/todoflow/internal/task/models"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestNextDueDate_Daily(t *testing.T) {
	got := NextDueDate(date(2026, 3, 15, 9, 30), models.RecurrenceDaily)
	assert.Equal(t, date(2026, 3, 16, 9, 30), got)
}

func TestNextDueDate_DailyAcrossMonthEnd(t *testing.T) {
	got := NextDueDate(date(2026, 1, 31, 9, 0), models.RecurrenceDaily)
	assert.Equal(t, date(2026, 2, 1, 9, 0), got)
}

func TestNextDueDate_Weekly(t *testing.T) {
	got := NextDueDate(date(2026, 3, 15, 9, 30), models.RecurrenceWeekly)
	assert.Equal(t, date(2026, 3, 22, 9, 30), got)
}

func TestNextDueDate_MonthlyClampsToShortMonth(t *testing.T) {
	// 2026 is not a leap year but 2028 is; use 2028 Jan 31 -> Feb 29.
	got := NextDueDate(date(2028, 1, 31, 9, 0), models.RecurrenceMonthly)
	assert.Equal(t, date(2028, 2, 29, 9, 0), got)

	// The clamp does not stick: the next hop runs from the 29th.
	got = NextDueDate(got, models.RecurrenceMonthly)
	assert.Equal(t, date(2028, 3, 29, 9, 0), got)
}

func TestNextDueDate_MonthlyClampNonLeapFebruary(t *testing.T) {
	got := NextDueDate(date(2026, 1, 31, 23, 59), models.RecurrenceMonthly)
	assert.Equal(t, date(2026, 2, 28, 23, 59), got)
}

func TestNextDueDate_MonthlyThirtieth(t *testing.T) {
	got := NextDueDate(date(2026, 3, 31, 12, 0), models.RecurrenceMonthly)
	assert.Equal(t, date(2026, 4, 30, 12, 0), got)
}

func TestNextDueDate_YearlyFromLeapDay(t *testing.T) {
	got := NextDueDate(date(2028, 2, 29, 8, 0), models.RecurrenceYearly)
	assert.Equal(t, date(2029, 2, 28, 8, 0), got)
}

func TestNextDueDate_Yearly(t *testing.T) {
	got := NextDueDate(date(2026, 7, 4, 10, 0), models.RecurrenceYearly)
	assert.Equal(t, date(2027, 7, 4, 10, 0), got)
}

func TestNextDueDate_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*3600)
	anchor := time.Date(2026, 5, 10, 9, 0, 0, 0, loc)
	got := NextDueDate(anchor, models.RecurrenceDaily)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, anchor.UTC().AddDate(0, 0, 1), got)
}

func TestNextRemindAt_PreservesLeadTime(t *testing.T) {
	due := date(2026, 1, 31, 9, 0)
	remind := due.Add(-2 * time.Hour)
	nextDue := NextDueDate(due, models.RecurrenceMonthly)

	got := NextRemindAt(due, &remind, nextDue)
	assert.Equal(t, nextDue.Add(-2*time.Hour), *got)
}

func TestNextRemindAt_PreservesNegativeOffset(t *testing.T) {
	// A reminder set after the due date keeps trailing it.
	due := date(2026, 4, 1, 9, 0)
	remind := due.Add(30 * time.Minute)
	nextDue := NextDueDate(due, models.RecurrenceWeekly)

	got := NextRemindAt(due, &remind, nextDue)
	assert.Equal(t, nextDue.Add(30*time.Minute), *got)
}

func TestNextRemindAt_NilWithoutParentReminder(t *testing.T) {
	due := date(2026, 4, 1, 9, 0)
	assert.Nil(t, NextRemindAt(due, nil, NextDueDate(due, models.RecurrenceDaily)))
}
