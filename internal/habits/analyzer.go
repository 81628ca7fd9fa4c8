// Package habits infers preferred time windows, dashboard aggregates and
// behavioral patterns from enriched events.
package habits

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

var ErrInvalidTimezone = errors.New("habits: invalid timezone")

const (
	defaultAnalysisWeeks = 2
	defaultMinSampleSize = 3
	dashboardDays        = 7
	minRecurringCount    = 3
)

// fallbackWindow is used for categories missing from the defaults table.
var fallbackWindow = [2]string{"09:00", "17:00"}

// DefaultWindows returns the built-in per-category windows used when a
// category has too few samples.
func DefaultWindows() map[model.Category][2]string {
	return map[model.Category][2]string{
		model.CategoryWork:      {"09:00", "18:00"},
		model.CategoryStudy:     {"19:00", "21:00"},
		model.CategoryHealth:    {"07:00", "09:00"},
		model.CategoryHousehold: {"10:00", "12:00"},
		model.CategoryFamily:    {"18:00", "22:00"},
		model.CategoryCreative:  {"20:00", "22:00"},
		model.CategoryTravel:    {"08:00", "20:00"},
		model.CategoryLeisure:   {"19:00", "23:00"},
		model.CategoryRoutine:   {"07:00", "08:00"},
		model.CategoryOther:     {"09:00", "21:00"},
	}
}

type Config struct {
	DefaultWindows map[model.Category][2]string
}

type Request struct {
	Timezone      string
	Events        []model.EnrichedEvent
	AnalysisWeeks int
	MinSampleSize int
}

type Analyzer struct {
	defaults map[model.Category][2]string
	now      func() time.Time
}

type Option func(*Analyzer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func New(cfg Config, opts ...Option) *Analyzer {
	defaults := DefaultWindows()
	for c, w := range cfg.DefaultWindows {
		defaults[c] = w
	}
	a := &Analyzer{defaults: defaults, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze builds a HabitProfile from events starting within the last
// AnalysisWeeks weeks. All clock readings use the request timezone.
func (a *Analyzer) Analyze(req Request) (model.HabitProfile, error) {
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil || req.Timezone == "" {
		return model.HabitProfile{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, req.Timezone)
	}
	weeks := req.AnalysisWeeks
	if weeks <= 0 {
		weeks = defaultAnalysisWeeks
	}
	minSamples := req.MinSampleSize
	if minSamples <= 0 {
		minSamples = defaultMinSampleSize
	}

	now := a.now().In(loc)
	cutoff := now.AddDate(0, 0, -7*weeks)

	relevant := make([]model.EnrichedEvent, 0, len(req.Events))
	for _, ev := range req.Events {
		if !ev.Start.Before(cutoff) {
			ev.Start = ev.Start.In(loc)
			ev.End = ev.End.In(loc)
			relevant = append(relevant, ev)
		}
	}

	profile := model.HabitProfile{
		Timezone:  req.Timezone,
		Windows:   a.windows(relevant, minSamples),
		Dashboard: dashboard(relevant, now),
		Patterns:  patterns(relevant),
	}

	appLog.Info("analyze completed",
		"events", len(req.Events),
		"relevant", len(relevant),
		"weeks", weeks,
	)
	return profile, nil
}

func (a *Analyzer) windows(events []model.EnrichedEvent, minSamples int) map[model.Category]model.TimeWindow {
	byCategory := make(map[model.Category][]model.EnrichedEvent)
	for _, ev := range events {
		byCategory[ev.Category] = append(byCategory[ev.Category], ev)
	}

	out := make(map[model.Category]model.TimeWindow, len(model.Categories))
	for _, c := range model.Categories {
		group := byCategory[c]
		if len(group) > 0 && len(group) >= minSamples {
			out[c] = inferWindow(group)
			continue
		}
		def, ok := a.defaults[c]
		if !ok {
			def = fallbackWindow
		}
		out[c] = model.TimeWindow{Start: def[0], End: def[1], Confidence: 0, SampleSize: len(group)}
	}
	return out
}

// inferWindow takes the 25th-percentile start and 75th-percentile end
// (sorted independently), widened to at least one hour. Fewer than three
// samples use medians and a fixed confidence of 0.3.
func inferWindow(events []model.EnrichedEvent) model.TimeWindow {
	starts := make([]float64, len(events))
	ends := make([]float64, len(events))
	for i, ev := range events {
		starts[i] = float64(minuteOfDay(ev.Start))
		ends[i] = float64(endMinuteOfDay(ev.Start, ev.End))
	}

	var lo, hi float64
	confidence := 0.3
	if len(events) >= 3 {
		sortedStarts := slices.Sorted(slices.Values(starts))
		sortedEnds := slices.Sorted(slices.Values(ends))
		lo = sortedStarts[len(starts)/4]
		hi = sortedEnds[3*len(ends)/4]
		if hi-lo < 60 {
			hi = lo + 60
		}
		spread := (sampleStdev(starts) + sampleStdev(ends)) / 2 / 60
		confidence = clamp01(2.0 - spread)
	} else {
		lo = median(starts)
		hi = median(ends)
	}

	end := int(hi)
	if end > 24*60 {
		end = 24 * 60
	}
	return model.TimeWindow{
		Start:      clock(int(lo)),
		End:        clock(end),
		Confidence: confidence,
		SampleSize: len(events),
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// endMinuteOfDay maps an end on a later calendar day than start to 24:00.
func endMinuteOfDay(start, end time.Time) int {
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()
	if ey != sy || em != sm || ed != sd {
		return 24 * 60
	}
	return minuteOfDay(end)
}

func dashboard(events []model.EnrichedEvent, now time.Time) model.DashboardAggregates {
	weekAgo := now.AddDate(0, 0, -dashboardDays)

	agg := model.DashboardAggregates{ByCategory: make(map[model.Category]float64)}
	var (
		totalMinutes float64
		dayOrder     []string
		dayCounts    = make(map[string]int)
	)
	for _, ev := range events {
		if ev.Start.Before(weekAgo) {
			continue
		}
		agg.TotalEvents++
		hours := ev.Duration().Hours()
		agg.ByCategory[ev.Category] += hours
		totalMinutes += ev.Duration().Minutes()

		if ev.Category == model.CategoryWork {
			if len(ev.Attendees) > 0 {
				agg.MeetingsHours += hours
			} else {
				agg.FocusHours += hours
			}
		}

		day := ev.Start.Format(time.DateOnly)
		if _, seen := dayCounts[day]; !seen {
			dayOrder = append(dayOrder, day)
		}
		dayCounts[day]++
	}

	best := 0
	for _, day := range dayOrder {
		if dayCounts[day] > best {
			agg.BusiestDay, best = day, dayCounts[day]
		}
	}

	agg.MeetingsHours = round(agg.MeetingsHours, 1)
	agg.FocusHours = round(agg.FocusHours, 1)
	if agg.TotalEvents > 0 {
		agg.AverageDurationMin = round(totalMinutes/float64(agg.TotalEvents), 0)
	}
	return agg
}

type counter[K comparable] struct {
	order  []K
	counts map[K]int
}

func newCounter[K comparable]() *counter[K] {
	return &counter[K]{counts: make(map[K]int)}
}

func (c *counter[K]) add(k K) {
	if _, ok := c.counts[k]; !ok {
		c.order = append(c.order, k)
	}
	c.counts[k]++
}

// top returns up to n keys by descending count; ties keep first-seen order.
func (c *counter[K]) top(n int) []K {
	keys := slices.Clone(c.order)
	sort.SliceStable(keys, func(i, j int) bool { return c.counts[keys[i]] > c.counts[keys[j]] })
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func patterns(events []model.EnrichedEvent) model.Patterns {
	var p model.Patterns
	if len(events) == 0 {
		return p
	}

	hours := newCounter[int]()
	meetingDays := newCounter[time.Weekday]()
	dayLoad := make(map[time.Weekday][]float64)
	bySummary := make(map[string][]time.Time)
	var summaries []string
	categoryHours := make(map[model.Category]float64)
	var totalHours float64

	for _, ev := range events {
		hours.add(ev.Start.Hour())
		if len(ev.Attendees) > 0 {
			meetingDays.add(ev.Start.Weekday())
		}
		d := ev.Duration().Hours()
		dayLoad[ev.Start.Weekday()] = append(dayLoad[ev.Start.Weekday()], d)

		if _, ok := bySummary[ev.Summary]; !ok {
			summaries = append(summaries, ev.Summary)
		}
		bySummary[ev.Summary] = append(bySummary[ev.Summary], ev.Start)

		categoryHours[ev.Category] += d
		totalHours += d
	}

	for _, h := range hours.top(3) {
		p.ProductiveHours = append(p.ProductiveHours, model.HourCount{Hour: h, Count: hours.counts[h]})
	}
	for _, d := range meetingDays.top(2) {
		p.PreferredMeetingDays = append(p.PreferredMeetingDays, d.String())
	}

	p.AverageDayLoad = make(map[string]float64, len(dayLoad))
	for day, loads := range dayLoad {
		var sum float64
		for _, l := range loads {
			sum += l
		}
		p.AverageDayLoad[day.String()[:3]] = round(sum/float64(len(loads)), 1)
	}

	for _, name := range summaries {
		starts := bySummary[name]
		if len(starts) < minRecurringCount {
			continue
		}
		p.RecurringEvents = append(p.RecurringEvents, model.RecurringEvent{
			Name:      name,
			Count:     len(starts),
			Frequency: detectFrequency(starts),
		})
	}

	if totalHours > 0 {
		p.TimeDistribution = make(map[model.Category]float64, len(categoryHours))
		for c, h := range categoryHours {
			p.TimeDistribution[c] = round(h/totalHours*100, 1)
		}
	}
	return p
}

// detectFrequency labels the median gap, in whole days, between sorted
// occurrence starts.
func detectFrequency(starts []time.Time) string {
	sorted := slices.Clone(starts)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, float64(int(sorted[i].Sub(sorted[i-1]).Hours()/24)))
	}
	return frequencyLabel(median(gaps))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
