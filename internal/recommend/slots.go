package recommend

import (
	"sort"
	"time"

	"smartcal/internal/model"
)

// Interval is a half-open busy range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// BusyIntervals inflates every event that has not finished by now with the
// buffers and merges overlapping or touching ranges into a sorted,
// disjoint set.
func BusyIntervals(events []model.EnrichedEvent, now time.Time, before, after time.Duration) []Interval {
	raw := make([]Interval, 0, len(events))
	for _, ev := range events {
		if !ev.End.After(now) {
			continue
		}
		raw = append(raw, Interval{Start: ev.Start.Add(-before), End: ev.End.Add(after)})
	}
	return Merge(raw)
}

// Merge sorts intervals by start and collapses overlapping or adjacent
// ones.
func Merge(intervals []Interval) []Interval {
	sorted := append([]Interval(nil), intervals...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	merged := make([]Interval, 0, len(sorted))
	for _, iv := range sorted {
		if n := len(merged); n > 0 && !iv.Start.After(merged[n-1].End) {
			if iv.End.After(merged[n-1].End) {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

type slotSearch struct {
	now          time.Time
	loc          *time.Location
	days         int
	duration     time.Duration
	workDayStart int
	workDayEnd   int
	minLead      time.Duration
}

// freeSlots walks each day's working window and emits the first
// duration-sized slot of every gap large enough to hold it. Gaps are
// clipped to the working window so slots never overlap busy time or run
// past the end of the day.
func freeSlots(busy []Interval, s slotSearch) []model.TimeSlot {
	var slots []model.TimeSlot

	today := s.now.In(s.loc)
	for d := 0; d < s.days; d++ {
		y, m, day := today.AddDate(0, 0, d).Date()
		date := time.Date(y, m, day, 0, 0, 0, 0, s.loc)

		dayStart := time.Date(y, m, day, s.workDayStart, 0, 0, 0, s.loc)
		dayEnd := time.Date(y, m, day, s.workDayEnd, 0, 0, 0, s.loc)
		if d == 0 {
			if earliest := s.now.Add(s.minLead); earliest.After(dayStart) {
				dayStart = earliest
			}
		}

		cur := dayStart
		for _, b := range busy {
			if !coversDate(b, date, s.loc) {
				continue
			}
			gapEnd := b.Start
			if gapEnd.After(dayEnd) {
				gapEnd = dayEnd
			}
			if cur.Before(gapEnd) && gapEnd.Sub(cur) >= s.duration {
				slots = append(slots, model.TimeSlot{Start: cur, End: cur.Add(s.duration)})
			}
			if b.End.After(cur) {
				cur = b.End
			}
		}

		if cur.Before(dayEnd) && dayEnd.Sub(cur) >= s.duration {
			slots = append(slots, model.TimeSlot{Start: cur, End: cur.Add(s.duration)})
		}
	}
	return slots
}

// coversDate reports whether the local calendar dates of b span date.
func coversDate(b Interval, date time.Time, loc *time.Location) bool {
	first := dateOf(b.Start, loc)
	last := dateOf(b.End, loc)
	return !date.Before(first) && !date.After(last)
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
