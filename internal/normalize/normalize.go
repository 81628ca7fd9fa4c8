// Package normalize turns raw calendar input (ICS text and loosely typed
// event records) into canonical, deduplicated, time-sorted events.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"smartcal/internal/ics"
	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

var ErrInvalidTimezone = errors.New("normalize: invalid timezone")

// Config holds engine-wide knobs.
type Config struct {
	// MaxOccurrencesPerEvent caps recurrence expansion per rule.
	MaxOccurrencesPerEvent int
}

// Request is the input of one import.
type Request struct {
	RawText          string
	Events           []model.RawEvent
	Timezone         string
	ExpandRecurrence bool
	HorizonDays      int
	DaysLimit        *int
}

// Stats summarize an import.
type Stats struct {
	TotalImported     int `json:"total_imported"`
	RecurringExpanded int `json:"recurring_expanded"`
	AllDayEvents      int `json:"all_day_events"`
	UniqueCalendars   int `json:"unique_calendars"`
	SkippedMalformed  int `json:"skipped_malformed,omitempty"`
	TruncatedRules    int `json:"truncated_rules,omitempty"`
}

type Result struct {
	Window Window
	Events []model.NormalizedEvent
	Stats  Stats
}

// Engine is the normalization stage.
type Engine struct {
	cfg Config
	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// master is a single source event before window filtering or expansion.
// ICS masters keep the zone of their DTSTART so rules are evaluated there.
type master struct {
	event   model.NormalizedEvent
	rrule   string
	exdates []time.Time
	fromICS bool
}

// Normalize parses both input forms, expands recurrences inside the
// window, deduplicates and sorts by start. Malformed items are logged and
// skipped; only an unknown timezone is an error.
func (e *Engine) Normalize(req Request) (Result, error) {
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil || req.Timezone == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, req.Timezone)
	}

	window := ResolveWindow(e.now(), loc, req.DaysLimit)
	res := Result{Window: window}

	var masters []master
	if strings.TrimSpace(req.RawText) != "" {
		ms, skipped := mastersFromICS(req.RawText, loc)
		masters = append(masters, ms...)
		res.Stats.SkippedMalformed += skipped
	}
	for i, raw := range req.Events {
		m, err := masterFromRaw(raw, loc)
		if err != nil {
			appLog.Error("raw event skipped", err, "index", i, "summary", raw.Summary)
			res.Stats.SkippedMalformed++
			continue
		}
		masters = append(masters, m)
	}

	expandCfg := ics.ExpandConfig{
		RangeStart:     window.Start,
		RangeEnd:       window.expansionEnd(req.HorizonDays),
		MaxOccurrences: e.cfg.MaxOccurrencesPerEvent,
	}

	var events []model.NormalizedEvent
	for _, m := range masters {
		if m.rrule != "" && req.ExpandRecurrence {
			occ, truncated := expandMaster(m, loc, window, expandCfg)
			if truncated {
				res.Stats.TruncatedRules++
			}
			events = append(events, occ...)
			continue
		}
		if !window.ContainsStart(m.event.Start) {
			continue
		}
		if m.fromICS && !ics.Intersects(m.event.Start, m.event.End, window.Start, window.End) {
			continue
		}
		events = append(events, inZone(m.event, loc))
	}

	events = Deduplicate(events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	res.Events = events
	res.Stats.TotalImported = len(events)
	calendars := make(map[string]struct{})
	for _, ev := range events {
		if ev.FromRecurrence {
			res.Stats.RecurringExpanded++
		}
		if ev.AllDay {
			res.Stats.AllDayEvents++
		}
		calendars[ev.Calendar] = struct{}{}
	}
	res.Stats.UniqueCalendars = len(calendars)

	appLog.Info("normalize completed",
		"events", res.Stats.TotalImported,
		"recurring", res.Stats.RecurringExpanded,
		"all_day", res.Stats.AllDayEvents,
		"skipped", res.Stats.SkippedMalformed,
	)
	return res, nil
}

// expandMaster emits every occurrence strictly inside the window, expanded
// in the master's own zone and then placed in loc. If the rule cannot be
// parsed the master itself is emitted when it intersects the window
// (end-exclusive).
func expandMaster(m master, loc *time.Location, window Window, cfg ics.ExpandConfig) ([]model.NormalizedEvent, bool) {
	res, err := ics.Expand(m.rrule, m.event.Start, m.exdates, cfg)
	if err != nil {
		appLog.Error("rrule expansion failed; keeping master", err, "summary", m.event.Summary, "rrule", m.rrule)
		if ics.Intersects(m.event.Start, m.event.End, window.Start, window.End) {
			return []model.NormalizedEvent{inZone(m.event, loc)}, false
		}
		return nil, false
	}
	if res.Truncated {
		appLog.Warn("rrule expansion truncated", "summary", m.event.Summary, "cap", cfg.MaxOccurrences)
	}

	duration := m.event.Duration()
	out := make([]model.NormalizedEvent, 0, len(res.Starts))
	for _, start := range res.Starts {
		occ := m.event
		occ.Start = start.In(loc)
		occ.End = occ.Start.Add(duration)
		occ.FromRecurrence = true
		occ.Attendees = append([]string(nil), m.event.Attendees...)
		out = append(out, occ)
	}
	return out, res.Truncated
}

func mastersFromICS(body string, loc *time.Location) ([]master, int) {
	cal, err := ics.ParseCalendar(body, loc)
	if err != nil {
		appLog.Error("ics payload skipped", err)
		return nil, 1
	}

	out := make([]master, 0, len(cal.Events))
	for _, ev := range cal.Events {
		var start, end time.Time
		if ev.AllDay {
			start = midnight(ev.Start, loc)
			if ev.HasEnd {
				end = midnight(ev.End, loc)
			} else {
				end = start.AddDate(0, 0, 1)
			}
		} else {
			start = ev.Start
			if ev.HasEnd {
				end = ev.End.In(start.Location())
			} else {
				end = start.Add(time.Hour)
			}
		}
		out = append(out, master{
			event:   newEvent(cal.Name, start, end, ev.Summary, ev.Description, ev.Attendees, ev.AllDay),
			rrule:   ev.RawRRule,
			exdates: ev.ExDates,
			fromICS: true,
		})
	}
	return out, 0
}

func masterFromRaw(raw model.RawEvent, loc *time.Location) (master, error) {
	start, dateOnly, err := parseDateTime(raw.Start, loc)
	if err != nil {
		return master{}, fmt.Errorf("start: %w", err)
	}
	allDay := raw.AllDay || dateOnly
	if allDay {
		start = midnight(start, loc)
	}

	var end time.Time
	switch {
	case strings.TrimSpace(raw.End) != "":
		end, _, err = parseDateTime(raw.End, loc)
		if err != nil {
			return master{}, fmt.Errorf("end: %w", err)
		}
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start.Add(time.Hour)
	}

	return master{
		event: newEvent(raw.Calendar, start, end, raw.Summary, raw.Description, raw.Attendees, allDay),
		rrule: strings.TrimSpace(raw.RRule),
	}, nil
}

// inZone returns ev with its instants expressed in loc.
func inZone(ev model.NormalizedEvent, loc *time.Location) model.NormalizedEvent {
	ev.Start = ev.Start.In(loc)
	ev.End = ev.End.In(loc)
	return ev
}

// newEvent builds a NormalizedEvent, correcting end <= start to start+1h.
func newEvent(calendar string, start, end time.Time, summary, description string, attendees []string, allDay bool) model.NormalizedEvent {
	if !end.After(start) {
		end = start.Add(time.Hour)
	}
	if attendees == nil {
		attendees = []string{}
	}
	return model.NormalizedEvent{
		Calendar:    calendar,
		Start:       start,
		End:         end,
		Summary:     summary,
		Description: description,
		Attendees:   attendees,
		AllDay:      allDay,
	}
}

// Deduplicate keeps the first event per identity hash, preserving order.
func Deduplicate(events []model.NormalizedEvent) []model.NormalizedEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]model.NormalizedEvent, 0, len(events))
	for _, ev := range events {
		h := IdentityHash(ev)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// IdentityHash hashes calendar|start|end|summary.
func IdentityHash(ev model.NormalizedEvent) string {
	key := strings.Join([]string{
		ev.Calendar,
		ev.Start.Format(time.RFC3339Nano),
		ev.End.Format(time.RFC3339Nano),
		ev.Summary,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
