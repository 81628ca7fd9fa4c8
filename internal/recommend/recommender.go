// Package recommend finds free time slots for a new event and ranks them.
package recommend

import (
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

var ErrInvalidTimezone = errors.New("recommend: invalid timezone")

const (
	defaultDurationMin     = 60
	defaultSearchDays      = 7
	defaultMaxAlternatives = 3
	nearConflictWindow     = 30 * time.Minute
	busyDayThreshold       = 5
)

type Config struct {
	WorkDayStart int
	WorkDayEnd   int
	BufferBefore time.Duration
	BufferAfter  time.Duration
	// MinLeadTime is the earliest offset from now for a slot today.
	MinLeadTime time.Duration
	Weights     Weights
}

func DefaultConfig() Config {
	return Config{
		WorkDayStart: 7,
		WorkDayEnd:   23,
		BufferBefore: 10 * time.Minute,
		BufferAfter:  10 * time.Minute,
		MinLeadTime:  30 * time.Minute,
		Weights:      DefaultWeights(),
	}
}

type Request struct {
	Timezone        string
	Query           model.Query
	Events          []model.EnrichedEvent
	Habits          *model.HabitProfile
	SearchDays      int
	MaxAlternatives int
}

type Stats struct {
	SlotsFound        int `json:"slots_found"`
	SlotsEvaluated    int `json:"slots_evaluated"`
	SearchDays        int `json:"search_days"`
	DurationRequested int `json:"duration_requested"`
}

type Result struct {
	Best         model.SlotRecommendation   `json:"best"`
	Alternatives []model.SlotRecommendation `json:"alternatives"`
	Conflicts    []string                   `json:"conflicts"`
	Stats        Stats                      `json:"stats"`
}

type Recommender struct {
	cfg Config
	now func() time.Time
}

type Option func(*Recommender)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recommender) { r.now = now }
}

func New(cfg Config, opts ...Option) *Recommender {
	if cfg.WorkDayEnd <= cfg.WorkDayStart || cfg.WorkDayEnd > 24 || cfg.WorkDayStart < 0 {
		def := DefaultConfig()
		cfg.WorkDayStart, cfg.WorkDayEnd = def.WorkDayStart, def.WorkDayEnd
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	r := &Recommender{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recommend returns the best free slot, up to MaxAlternatives runners-up
// and informational conflicts. When nothing fits it returns a zero-length
// slot at now with score 0 rather than an error.
func (r *Recommender) Recommend(req Request) (Result, error) {
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil || req.Timezone == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, req.Timezone)
	}

	q := req.Query
	if q.DurationMin <= 0 {
		q.DurationMin = defaultDurationMin
	}
	if q.Priority == "" {
		q.Priority = model.PriorityRegular
	}
	days := req.SearchDays
	if days <= 0 {
		days = defaultSearchDays
	}
	maxAlt := req.MaxAlternatives
	if maxAlt < 0 {
		maxAlt = defaultMaxAlternatives
	}

	now := r.now().In(loc)
	busy := BusyIntervals(req.Events, now, r.cfg.BufferBefore, r.cfg.BufferAfter)
	slots := freeSlots(busy, slotSearch{
		now:          now,
		loc:          loc,
		days:         days,
		duration:     time.Duration(q.DurationMin) * time.Minute,
		workDayStart: r.cfg.WorkDayStart,
		workDayEnd:   r.cfg.WorkDayEnd,
		minLead:      r.cfg.MinLeadTime,
	})

	if len(slots) == 0 {
		appLog.Info("recommend found no free slots", "search_days", days, "duration_min", q.DurationMin)
		return Result{
			Best: model.SlotRecommendation{
				Slot:      model.TimeSlot{Start: now, End: now},
				Score:     0,
				Rationale: []string{"No free slots found"},
			},
			Alternatives: []model.SlotRecommendation{},
			Conflicts:    []string{"Calendar is fully booked"},
			Stats:        Stats{SearchDays: days, DurationRequested: q.DurationMin},
		}, nil
	}

	sc := scorer{
		weights:      r.cfg.Weights,
		workDayStart: r.cfg.WorkDayStart,
		workDayEnd:   r.cfg.WorkDayEnd,
		now:          now,
		loc:          loc,
	}
	ranked := make([]model.SlotRecommendation, len(slots))
	for i, slot := range slots {
		score, why := sc.score(slot, q, req.Habits)
		ranked[i] = model.SlotRecommendation{Slot: slot, Score: score, Rationale: why}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	alternatives := ranked[1:]
	if len(alternatives) > maxAlt {
		alternatives = alternatives[:maxAlt]
	}

	res := Result{
		Best:         ranked[0],
		Alternatives: append([]model.SlotRecommendation{}, alternatives...),
		Conflicts:    Conflicts(ranked[0].Slot, req.Events, loc),
		Stats: Stats{
			SlotsFound:        len(slots),
			SlotsEvaluated:    len(ranked),
			SearchDays:        days,
			DurationRequested: q.DurationMin,
		},
	}

	appLog.Info("recommend completed",
		"slots", len(slots),
		"best_start", res.Best.Slot.Start.Format(time.RFC3339),
		"best_score", res.Best.Score,
	)
	return res, nil
}

// Conflicts lists events ending or starting within 30 minutes of slot and
// flags a calendar day that already holds five or more events.
func Conflicts(slot model.TimeSlot, events []model.EnrichedEvent, loc *time.Location) []string {
	conflicts := []string{}
	for _, ev := range events {
		before := slot.Start.Sub(ev.End)
		after := ev.Start.Sub(slot.End)
		switch {
		case before > 0 && before < nearConflictWindow:
			conflicts = append(conflicts, fmt.Sprintf("Only %d minutes after '%s'", int(before.Minutes()), ev.Summary))
		case after > 0 && after < nearConflictWindow:
			conflicts = append(conflicts, fmt.Sprintf("Only %d minutes before '%s'", int(after.Minutes()), ev.Summary))
		}
	}

	day := dateOf(slot.Start, loc)
	n := 0
	for _, ev := range events {
		if dateOf(ev.Start, loc).Equal(day) {
			n++
		}
	}
	if n >= busyDayThreshold {
		conflicts = append(conflicts, fmt.Sprintf("Day is already busy (%d events)", n))
	}
	return conflicts
}
