package recommend

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"smartcal/internal/model"
)

// Weights of the scoring factors.
type Weights struct {
	TimePreference float64 `json:"time_preference"`
	NoConflicts    float64 `json:"no_conflicts"`
	WorkingHours   float64 `json:"working_hours"`
	Proximity      float64 `json:"proximity"`
}

func DefaultWeights() Weights {
	return Weights{TimePreference: 0.3, NoConflicts: 0.3, WorkingHours: 0.2, Proximity: 0.2}
}

const (
	mondayMorningBonus  = 0.05
	fridayEveningMalus  = 0.10
	outsideHoursPenalty = 0.3
)

type scorer struct {
	weights      Weights
	workDayStart int
	workDayEnd   int
	now          time.Time
	loc          *time.Location
}

// score returns the weighted score in [0,1] and the rationale lines.
func (s scorer) score(slot model.TimeSlot, q model.Query, habits *model.HabitProfile) (float64, []string) {
	var rationale []string
	start := slot.Start.In(s.loc)

	pref, why := s.timePreference(start, q, habits)
	rationale = append(rationale, why...)
	total := pref * s.weights.TimePreference

	total += 1.0 * s.weights.NoConflicts
	rationale = append(rationale, "No conflicts with existing events")

	hour := start.Hour()
	working := outsideHoursPenalty
	switch {
	case hour >= s.workDayStart && hour < s.workDayEnd && model.ISOWeekday(start) <= 5:
		working = 1
		rationale = append(rationale, "Within weekday working hours")
	case hour >= s.workDayStart && hour < s.workDayEnd:
		working = 1
		rationale = append(rationale, "Daytime on a weekend")
	default:
		rationale = append(rationale, "Outside regular working hours")
	}
	total += working * s.weights.WorkingHours

	prox, why := proximity(slot.Start.Sub(s.now).Hours(), q.Priority)
	rationale = append(rationale, why...)
	total += prox * s.weights.Proximity

	switch {
	case start.Weekday() == time.Monday && hour < 10:
		total += mondayMorningBonus
		rationale = append(rationale, "Start of the week, good for planning")
	case start.Weekday() == time.Friday && hour >= 16:
		total -= fridayEveningMalus
		rationale = append(rationale, "Friday evening is not ideal")
	}

	return math.Max(0, math.Min(1, total)), rationale
}

// timePreference matches the slot against the habit window of the query
// category when there is one, otherwise against the coarse preferred time
// of day.
func (s scorer) timePreference(start time.Time, q model.Query, habits *model.HabitProfile) (float64, []string) {
	if habits != nil && q.Category != "" {
		if w, ok := habits.Windows[q.Category]; ok {
			lo, errLo := parseClock(w.Start)
			hi, errHi := parseClock(w.End)
			if errLo == nil && errHi == nil {
				return windowPreference(start, lo, hi, w)
			}
		}
	}

	hour := start.Hour()
	switch {
	case q.PreferredTime == "morning" && hour >= 6 && hour < 12:
		return 1, []string{"Morning time as requested"}
	case q.PreferredTime == "afternoon" && hour >= 12 && hour < 17:
		return 1, []string{"Afternoon time as requested"}
	case q.PreferredTime == "evening" && hour >= 17 && hour < 22:
		return 1, []string{"Evening time as requested"}
	default:
		return 0.5, nil
	}
}

// windowPreference is 1 inside [lo, hi] and decays linearly to 0 twelve
// hours away from the nearest edge.
func windowPreference(start time.Time, lo, hi float64, w model.TimeWindow) (float64, []string) {
	h := float64(start.Hour()) + float64(start.Minute())/60
	if h >= lo && h <= hi {
		return 1, []string{fmt.Sprintf("Within preferred window %s-%s", w.Start, w.End)}
	}
	distance := lo - h
	if h > hi {
		distance = h - hi
	}
	v := math.Max(0, 1-distance/12)
	if v < 0.5 {
		return v, []string{fmt.Sprintf("Outside preferred window %s-%s", w.Start, w.End)}
	}
	return v, []string{fmt.Sprintf("Near preferred window %s-%s", w.Start, w.End)}
}

func proximity(hoursUntil float64, p model.Priority) (float64, []string) {
	if p == model.PriorityHigh {
		switch {
		case hoursUntil <= 4:
			return 1, []string{"Earliest available time (high priority)"}
		case hoursUntil <= 24:
			return 0.8, []string{"Within a day"}
		case hoursUntil <= 48:
			return 0.6, []string{"Within two days"}
		default:
			return math.Max(0, 1-hoursUntil/168), nil
		}
	}
	switch {
	case hoursUntil >= 24 && hoursUntil <= 72:
		return 1, []string{"Optimal planning horizon"}
	case hoursUntil < 24:
		return 0.7, []string{"Rather soon"}
	default:
		return math.Max(0.3, 1-(hoursUntil-72)/168), nil
	}
}

// parseClock converts "HH:MM" to fractional hours.
func parseClock(s string) (float64, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return float64(h) + float64(m)/60, nil
}
