package ledger

import (
	"time"

	"github.com/artpar/tokenmeter/domain/provider"
)

// ApplyReset refills balances whose calendar period has rolled over.
// This is a PURE function and idempotent: applying it twice with the same
// now yields the same ledger.
//
// The monthly and daily checks are independent, so crossing midnight on the
// 1st fires both. Comparisons use the calendar in a.Location.
//
// Returns the updated ledger and whether anything changed.
func ApplyReset(l Ledger, a Allowances, now time.Time) (Ledger, bool) {
	loc := a.location()
	monthly := !sameMonth(l.LastMonthlyReset, now, loc)
	daily := !sameDay(l.LastDailyReset, now, loc)
	if !monthly && !daily {
		return l, false
	}

	out := l.Clone()
	if monthly {
		for _, p := range provider.All() {
			out.FreeRemaining[p] = a.FreeMonthly[p]
		}
		out.LastMonthlyReset = now
	}
	if daily {
		out.DailyRemaining = a.dailyFor(out.Tier)
		out.LastDailyReset = now
	}
	return out, true
}

// NextDailyReset returns the start of the next calendar day after now.
func NextDailyReset(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

// NextMonthlyReset returns the start of the next calendar month after now.
func NextMonthlyReset(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
}

func sameMonth(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
