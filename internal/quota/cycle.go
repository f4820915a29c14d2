// Package quota enforces the per-cycle generation allowance. The accept or
// reject decision is always made by a single atomic remote operation; the
// client side only computes cycle boundaries and pairs every reservation
// with a rollback when the generation produces nothing usable.
package quota

import (
	"time"

	"generation-core/internal/models"
)

// CycleBounds returns the current billing cycle start and the next reset
// date for a plan, evaluated at now.
//
// Weekly cycles are originalPurchaseDate + k*7d for the largest k whose
// start is not in the future. Monthly cycles use true calendar-month
// boundaries anchored to the purchase day-of-month, clamped to the last day
// of shorter months (an anchor of the 31st rolls to Feb 28/29).
func CycleBounds(plan models.Plan, now time.Time) (start, nextReset time.Time) {
	switch plan.Type {
	case models.PlanWeekly:
		return weeklyBounds(plan.OriginalPurchaseDate, now)
	default:
		return monthlyBounds(plan.OriginalPurchaseDate, now)
	}
}

func weeklyBounds(anchor, now time.Time) (time.Time, time.Time) {
	if anchor.After(now) {
		return anchor, anchor.AddDate(0, 0, 7)
	}
	elapsed := now.Sub(anchor)
	k := int(elapsed / (7 * 24 * time.Hour))
	start := anchor.AddDate(0, 0, k*7)
	for start.After(now) {
		start = start.AddDate(0, 0, -7)
	}
	return start, start.AddDate(0, 0, 7)
}

func monthlyBounds(anchor, now time.Time) (time.Time, time.Time) {
	if anchor.After(now) {
		return anchor, anchoredMonth(anchor, 1)
	}
	k := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	start := anchoredMonth(anchor, k)
	if start.After(now) {
		k--
		start = anchoredMonth(anchor, k)
	}
	return start, anchoredMonth(anchor, k+1)
}

// anchoredMonth returns the anchor date shifted by monthsAfter calendar
// months with end-of-month clamping.
func anchoredMonth(anchor time.Time, monthsAfter int) time.Time {
	firstOfMonth := time.Date(anchor.Year(), anchor.Month()+time.Month(monthsAfter), 1,
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, anchor.Location())

	day := anchor.Day()
	if last := daysInMonth(firstOfMonth.Year(), firstOfMonth.Month()); day > last {
		day = last
	}

	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, anchor.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
