package model

import (
	"fmt"
	"time"
)

// Category is the closed set of event categories. The zero value is not a
// valid category; use CategoryOther for unclassified events.
type Category string

const (
	CategoryWork      Category = "work"
	CategoryStudy     Category = "study"
	CategoryHealth    Category = "health"
	CategoryHousehold Category = "household"
	CategoryFamily    Category = "family"
	CategoryCreative  Category = "creative"
	CategoryTravel    Category = "travel"
	CategoryLeisure   Category = "leisure"
	CategoryRoutine   Category = "routine"
	CategoryOther     Category = "other"
)

// Categories lists every category in canonical order. Classification ties
// resolve to the earliest entry.
var Categories = []Category{
	CategoryWork,
	CategoryStudy,
	CategoryHealth,
	CategoryHousehold,
	CategoryFamily,
	CategoryCreative,
	CategoryTravel,
	CategoryLeisure,
	CategoryRoutine,
	CategoryOther,
}

// ParseCategory maps a string to a Category. Unknown strings are rejected.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

type Priority string

const (
	PriorityRegular Priority = "regular"
	PriorityHigh    Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityRegular, PriorityHigh:
		return Priority(s), nil
	case "":
		return PriorityRegular, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// RawEvent is transient import input; Start/End are unparsed text.
type RawEvent struct {
	Calendar    string   `json:"calendar"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Attendees   []string `json:"attendees,omitempty"`
	RRule       string   `json:"rrule,omitempty"`
	AllDay      bool     `json:"all_day,omitempty"`
}

// NormalizedEvent is a canonical event with timezone-aware instants.
// End is always after Start.
type NormalizedEvent struct {
	Calendar       string    `json:"calendar"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Summary        string    `json:"summary"`
	Description    string    `json:"description"`
	Attendees      []string  `json:"attendees"`
	FromRecurrence bool      `json:"from_recurrence,omitempty"`
	AllDay         bool      `json:"all_day,omitempty"`
}

// Duration returns End-Start.
func (e NormalizedEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Attributes are the derived values computed during enrichment.
type Attributes struct {
	DurationMin    int      `json:"duration_min"`
	DayOfWeek      int      `json:"day_of_week"`
	HourOfDay      int      `json:"hour_of_day"`
	IsWorkingHours bool     `json:"is_working_hours"`
	IsWeekend      bool     `json:"is_weekend"`
	Tags           []string `json:"tags"`
	Confidence     float64  `json:"category_confidence"`
}

// EnrichedEvent is a NormalizedEvent with category, priority and attributes.
type EnrichedEvent struct {
	NormalizedEvent
	Category   Category   `json:"category"`
	Priority   Priority   `json:"priority"`
	Attributes Attributes `json:"attributes"`
}

// TimeWindow is an inferred preferred "HH:MM"-"HH:MM" range for a category.
type TimeWindow struct {
	Start      string  `json:"start"`
	End        string  `json:"end"`
	Confidence float64 `json:"confidence"`
	SampleSize int     `json:"sample_size"`
}

// DashboardAggregates summarize the trailing seven days.
type DashboardAggregates struct {
	TotalEvents        int                  `json:"total_events"`
	MeetingsHours      float64              `json:"meetings_hours"`
	FocusHours         float64              `json:"focus_hours"`
	ByCategory         map[Category]float64 `json:"by_category"`
	BusiestDay         string               `json:"busiest_day,omitempty"`
	AverageDurationMin float64              `json:"average_duration_min"`
}

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type RecurringEvent struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Frequency string `json:"frequency"`
}

// Patterns are behavioral observations. Each field is empty when there is
// not enough data to say anything.
type Patterns struct {
	ProductiveHours      []HourCount          `json:"most_productive_hours,omitempty"`
	PreferredMeetingDays []string             `json:"preferred_meeting_days,omitempty"`
	AverageDayLoad       map[string]float64   `json:"average_day_load,omitempty"`
	RecurringEvents      []RecurringEvent     `json:"recurring_events,omitempty"`
	TimeDistribution     map[Category]float64 `json:"time_distribution,omitempty"`
}

// HabitProfile is the output of habit analysis.
type HabitProfile struct {
	Timezone  string                  `json:"timezone"`
	Windows   map[Category]TimeWindow `json:"windows_by_category"`
	Dashboard DashboardAggregates     `json:"dashboard_aggregates"`
	Patterns  Patterns                `json:"patterns"`
}

// Query describes the event the caller wants to place.
type Query struct {
	Summary       string   `json:"summary"`
	DurationMin   int      `json:"duration_min"`
	Category      Category `json:"category,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
	PreferredTime string   `json:"preferred_time,omitempty"` // morning, afternoon, evening
}

type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the half-open intervals intersect.
func (s TimeSlot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

type SlotRecommendation struct {
	Slot      TimeSlot `json:"slot"`
	Score     float64  `json:"score"`
	Rationale []string `json:"rationale"`
}

// ISOWeekday returns 1 for Monday through 7 for Sunday.
func ISOWeekday(t time.Time) int {
	return (int(t.Weekday())+6)%7 + 1
}
