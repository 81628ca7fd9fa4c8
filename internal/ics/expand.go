package ics

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const defaultMaxOccurrences = 5000

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound occurrence starts. Both bounds are
	// exclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences is a safety cap for unbounded rules. If zero,
	// defaultMaxOccurrences is used.
	MaxOccurrences int
}

// ExpandResult holds occurrence start instants in ascending order.
type ExpandResult struct {
	Starts    []time.Time
	Truncated bool
}

// Expand evaluates an RRULE anchored at dtstart and returns every occurrence
// start strictly inside (RangeStart, RangeEnd). EXDATE instants are removed.
// Occurrences are produced in dtstart's location.
func Expand(rawRule string, dtstart time.Time, exdates []time.Time, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	rawRule = strings.TrimSpace(rawRule)
	rawRule = strings.TrimPrefix(rawRule, "RRULE:")
	if rawRule == "" {
		return result, errors.New("expand: empty rule")
	}

	opt, err := rrule.StrToROption(rawRule)
	if err != nil {
		return result, err
	}
	opt.Dtstart = dtstart

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return result, err
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exdates {
		set.ExDate(ex.In(dtstart.Location()))
	}

	next := set.Iterator()
	for {
		t, ok := next()
		if !ok || !t.Before(cfg.RangeEnd) {
			break
		}
		if !t.After(cfg.RangeStart) {
			continue
		}
		if len(result.Starts) >= cfg.MaxOccurrences {
			result.Truncated = true
			break
		}
		result.Starts = append(result.Starts, t)
	}

	return result, nil
}

// Intersects reports whether [start, end) intersects [windowStart, windowEnd).
func Intersects(start, end, windowStart, windowEnd time.Time) bool {
	return end.After(windowStart) && start.Before(windowEnd)
}
