package normalize

import (
	"time"

	"smartcal/internal/model"
)

const defaultUnboundedHorizonDays = 365

// Window is the analysis range for an import.
type Window struct {
	Start time.Time
	End   time.Time
	// WeekStart is Monday 00:00 of the current week in the request timezone.
	WeekStart time.Time
	// Bounded is false when no days limit was given.
	Bounded bool
}

// ResolveWindow anchors the window at the start of the current calendar
// week: daysLimit days before it and 7+daysLimit days after it. A nil
// daysLimit yields an unbounded window.
func ResolveWindow(now time.Time, loc *time.Location, daysLimit *int) Window {
	weekStart := StartOfWeek(now, loc)

	if daysLimit == nil {
		return Window{
			Start:     time.Date(1, 1, 1, 0, 0, 0, 0, loc),
			End:       time.Date(9999, 12, 31, 23, 59, 59, 999999999, loc),
			WeekStart: weekStart,
		}
	}

	n := *daysLimit
	return Window{
		Start:     weekStart.AddDate(0, 0, -n),
		End:       weekStart.AddDate(0, 0, 7+n),
		WeekStart: weekStart,
		Bounded:   true,
	}
}

// StartOfWeek returns Monday 00:00 of the week containing now, in loc.
func StartOfWeek(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, -(model.ISOWeekday(local) - 1))
}

// ContainsStart is the direct-path inclusion test: windowStart <= t <= windowEnd.
func (w Window) ContainsStart(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// expansionEnd bounds recurrence expansion. Unbounded windows stop at
// WeekStart + horizonDays so open-ended rules terminate.
func (w Window) expansionEnd(horizonDays int) time.Time {
	if w.Bounded {
		return w.End
	}
	if horizonDays <= 0 {
		horizonDays = defaultUnboundedHorizonDays
	}
	end := w.WeekStart.AddDate(0, 0, horizonDays)
	if end.After(w.End) {
		return w.End
	}
	return end
}
