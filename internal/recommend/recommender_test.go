package recommend

import (
	"errors"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcal/internal/model"
)

// Tuesday morning.
var fixedNow = time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)

func clockAt(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func busyEvent(summary string, start time.Time, d time.Duration) model.EnrichedEvent {
	return model.EnrichedEvent{
		NormalizedEvent: model.NormalizedEvent{Calendar: "c", Start: start, End: start.Add(d), Summary: summary},
		Category:        model.CategoryWork,
		Priority:        model.PriorityRegular,
	}
}

func tue(h, m int) time.Time { return time.Date(2026, 1, 6, h, m, 0, 0, time.UTC) }

func TestRecommend_FullyBookedDay(t *testing.T) {
	r := New(DefaultConfig(), clockAt(fixedNow))

	res, err := r.Recommend(Request{
		Timezone:   "UTC",
		Query:      model.Query{Summary: "Sync", DurationMin: 60},
		Events:     []model.EnrichedEvent{busyEvent("Marathon", tue(9, 0), 14*time.Hour)},
		SearchDays: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.Best.Score)
	assert.Equal(t, model.TimeSlot{Start: fixedNow, End: fixedNow}, res.Best.Slot)
	assert.Equal(t, []string{"No free slots found"}, res.Best.Rationale)
	assert.Equal(t, []string{"Calendar is fully booked"}, res.Conflicts)
	assert.Empty(t, res.Alternatives)
	assert.Equal(t, 0, res.Stats.SlotsFound)
}

func TestRecommend_SingleMeetingLeavesTwoSlots(t *testing.T) {
	cfg := Config{WorkDayStart: 9, WorkDayEnd: 18, MinLeadTime: 30 * time.Minute}
	r := New(cfg, clockAt(fixedNow))

	res, err := r.Recommend(Request{
		Timezone:        "UTC",
		Query:           model.Query{Summary: "Interview", DurationMin: 60},
		Events:          []model.EnrichedEvent{busyEvent("Meeting", tue(10, 0), time.Hour)},
		SearchDays:      1,
		MaxAlternatives: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.SlotsFound)
	assert.Equal(t, model.TimeSlot{Start: tue(9, 0), End: tue(10, 0)}, res.Best.Slot)
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, model.TimeSlot{Start: tue(11, 0), End: tue(12, 0)}, res.Alternatives[0].Slot)
	assert.Empty(t, res.Conflicts)
	assert.Contains(t, res.Best.Rationale, "No conflicts with existing events")
}

func TestRecommend_InvalidTimezone(t *testing.T) {
	_, err := New(DefaultConfig()).Recommend(Request{Timezone: "Moon/Base"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTimezone))
}

func TestRecommend_OngoingEventBlocks(t *testing.T) {
	now := tue(10, 0)
	r := New(DefaultConfig(), clockAt(now))

	res, err := r.Recommend(Request{
		Timezone:        "UTC",
		Query:           model.Query{DurationMin: 30},
		Events:          []model.EnrichedEvent{busyEvent("Workshop", tue(9, 0), 3*time.Hour)},
		SearchDays:      1,
		MaxAlternatives: 10,
	})
	require.NoError(t, err)

	all := append([]model.SlotRecommendation{res.Best}, res.Alternatives...)
	for _, rec := range all {
		assert.False(t, rec.Slot.Start.Before(tue(12, 10)), "slot %v overlaps the running workshop", rec.Slot.Start)
	}
}

func TestRecommend_HighPriorityPrefersEarliest(t *testing.T) {
	r := New(DefaultConfig(), clockAt(fixedNow))

	res, err := r.Recommend(Request{
		Timezone:   "UTC",
		Query:      model.Query{DurationMin: 60, Priority: model.PriorityHigh},
		SearchDays: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, tue(8, 30), res.Best.Slot.Start)
	assert.Contains(t, res.Best.Rationale, "Earliest available time (high priority)")
}

func TestFreeSlots_NeverOverlap(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	var events []model.EnrichedEvent
	for i := 0; i < 40; i++ {
		day := rng.IntN(7)
		start := time.Date(2026, 1, 6+day, 7+rng.IntN(16), rng.IntN(4)*15, 0, 0, time.UTC)
		events = append(events, busyEvent("e", start, time.Duration(15+rng.IntN(180))*time.Minute))
	}

	cfg := DefaultConfig()
	busy := BusyIntervals(events, fixedNow, cfg.BufferBefore, cfg.BufferAfter)
	for i := 1; i < len(busy); i++ {
		require.True(t, busy[i-1].End.Before(busy[i].Start), "merged intervals must be disjoint")
	}

	duration := 45 * time.Minute
	slots := freeSlots(busy, slotSearch{
		now:          fixedNow,
		loc:          time.UTC,
		days:         7,
		duration:     duration,
		workDayStart: cfg.WorkDayStart,
		workDayEnd:   cfg.WorkDayEnd,
		minLead:      30 * time.Minute,
	})
	require.NotEmpty(t, slots)

	sorted := append([]model.TimeSlot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	for i, s := range sorted {
		assert.Equal(t, duration, s.End.Sub(s.Start))
		assert.GreaterOrEqual(t, s.Start.Hour(), cfg.WorkDayStart)
		dayEnd := time.Date(s.Start.Year(), s.Start.Month(), s.Start.Day(), cfg.WorkDayEnd, 0, 0, 0, time.UTC)
		assert.False(t, s.End.After(dayEnd), "slot %v runs past the working day", s.Start)
		if i > 0 {
			assert.False(t, sorted[i-1].Overlaps(s.Start, s.End), "slots %v and %v overlap", sorted[i-1].Start, s.Start)
		}
		for _, b := range busy {
			assert.False(t, s.Overlaps(b.Start, b.End), "slot %v overlaps busy %v-%v", s.Start, b.Start, b.End)
		}
	}
}

func TestFreeSlots_ClippedAtDayEnd(t *testing.T) {
	// Busy time starting after the working day must not stretch the gap.
	busy := []Interval{{Start: tue(23, 50), End: tue(23, 59)}}
	slots := freeSlots(busy, slotSearch{
		now:          tue(22, 0),
		loc:          time.UTC,
		days:         1,
		duration:     time.Hour,
		workDayStart: 7,
		workDayEnd:   23,
		minLead:      30 * time.Minute,
	})
	assert.Empty(t, slots)
}

func TestMerge(t *testing.T) {
	got := Merge([]Interval{
		{Start: tue(13, 0), End: tue(14, 0)},
		{Start: tue(9, 0), End: tue(10, 0)},
		{Start: tue(10, 0), End: tue(10, 30)},
		{Start: tue(9, 30), End: tue(9, 45)},
	})
	want := []Interval{
		{Start: tue(9, 0), End: tue(10, 30)},
		{Start: tue(13, 0), End: tue(14, 0)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestTimePreference_MonotonicTowardsWindow(t *testing.T) {
	habits := &model.HabitProfile{Windows: map[model.Category]model.TimeWindow{
		model.CategoryWork: {Start: "09:00", End: "12:00", Confidence: 0.8, SampleSize: 10},
	}}
	q := model.Query{Category: model.CategoryWork}
	s := scorer{weights: DefaultWeights(), workDayStart: 7, workDayEnd: 23, now: fixedNow, loc: time.UTC}

	pref := func(h int) float64 {
		v, _ := s.timePreference(tue(h, 0), q, habits)
		return v
	}

	for h := 0; h < 10; h++ {
		assert.LessOrEqual(t, pref(h), pref(h+1), "moving from %d to %d", h, h+1)
	}
	for h := 23; h > 11; h-- {
		assert.LessOrEqual(t, pref(h), pref(h-1), "moving from %d to %d", h, h-1)
	}
	assert.Equal(t, 1.0, pref(10))
	assert.InDelta(t, 0.5, pref(3), 1e-9)
}

func TestTimePreference_WindowRationale(t *testing.T) {
	habits := &model.HabitProfile{Windows: map[model.Category]model.TimeWindow{
		model.CategoryWork: {Start: "09:00", End: "12:00", Confidence: 0.8, SampleSize: 10},
	}}
	q := model.Query{Category: model.CategoryWork}
	s := scorer{weights: DefaultWeights(), workDayStart: 7, workDayEnd: 23, now: fixedNow, loc: time.UTC}

	tests := []struct {
		hour int
		want string
	}{
		{10, "Within preferred window 09:00-12:00"},
		{14, "Near preferred window 09:00-12:00"},
		{20, "Outside preferred window 09:00-12:00"},
	}
	for _, tt := range tests {
		_, why := s.timePreference(tue(tt.hour, 0), q, habits)
		assert.Equal(t, []string{tt.want}, why, "hour %d", tt.hour)
	}
}

func TestTimePreference_CoarseFallback(t *testing.T) {
	s := scorer{weights: DefaultWeights(), workDayStart: 7, workDayEnd: 23, now: fixedNow, loc: time.UTC}

	v, why := s.timePreference(tue(9, 0), model.Query{PreferredTime: "morning"}, nil)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, []string{"Morning time as requested"}, why)

	v, _ = s.timePreference(tue(18, 0), model.Query{PreferredTime: "morning"}, nil)
	assert.Equal(t, 0.5, v)

	// A category without a habit profile falls back as well.
	v, _ = s.timePreference(tue(19, 0), model.Query{Category: model.CategoryStudy, PreferredTime: "evening"}, nil)
	assert.Equal(t, 1.0, v)
}

func TestProximity(t *testing.T) {
	tests := []struct {
		hours float64
		p     model.Priority
		want  float64
	}{
		{2, model.PriorityHigh, 1},
		{10, model.PriorityHigh, 0.8},
		{30, model.PriorityHigh, 0.6},
		{84, model.PriorityHigh, 0.5},
		{200, model.PriorityHigh, 0},
		{5, model.PriorityRegular, 0.7},
		{48, model.PriorityRegular, 1},
		{156, model.PriorityRegular, 0.5},
		{500, model.PriorityRegular, 0.3},
	}
	for _, tt := range tests {
		got, _ := proximity(tt.hours, tt.p)
		assert.InDelta(t, tt.want, got, 1e-9, "%v hours, %s", tt.hours, tt.p)
	}
}

func TestScore_DayAdjustments(t *testing.T) {
	s := scorer{weights: DefaultWeights(), workDayStart: 7, workDayEnd: 23, now: fixedNow, loc: time.UTC}
	q := model.Query{Priority: model.PriorityRegular}

	// Same lead time class (>72h) keeps proximity comparable.
	monday := model.TimeSlot{Start: time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)}
	mondayLate := model.TimeSlot{Start: time.Date(2026, 1, 12, 11, 0, 0, 0, time.UTC)}
	mScore, mWhy := s.score(monday, q, nil)
	lScore, _ := s.score(mondayLate, q, nil)
	assert.Greater(t, mScore, lScore)
	assert.Contains(t, mWhy, "Start of the week, good for planning")

	friday := model.TimeSlot{Start: time.Date(2026, 1, 9, 16, 0, 0, 0, time.UTC)}
	fScore, fWhy := s.score(friday, q, nil)
	assert.Contains(t, fWhy, "Friday evening is not ideal")
	assert.GreaterOrEqual(t, fScore, 0.0)
	assert.LessOrEqual(t, fScore, 1.0)
}

func TestConflicts(t *testing.T) {
	slot := model.TimeSlot{Start: tue(12, 0), End: tue(13, 0)}
	events := []model.EnrichedEvent{
		busyEvent("Standup", tue(11, 0), 45*time.Minute),
		busyEvent("Lunch", tue(13, 20), 30*time.Minute),
		busyEvent("Far", tue(16, 0), time.Hour),
		busyEvent("Late", tue(18, 0), time.Hour),
		busyEvent("Later", tue(20, 0), time.Hour),
		busyEvent("Tomorrow", tue(12, 0).AddDate(0, 0, 1), time.Hour),
	}

	got := Conflicts(slot, events, time.UTC)
	assert.Equal(t, []string{
		"Only 15 minutes after 'Standup'",
		"Only 20 minutes before 'Lunch'",
		"Day is already busy (5 events)",
	}, got)
}
