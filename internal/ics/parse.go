package ics

import (
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "smartcal/internal/log"
)

const defaultCalendarName = "Calendar"

// Event is a VEVENT reduced to the fields the import stage needs.
// Recurrence is recorded but not expanded here; see Expand.
type Event struct {
	UID         string
	Summary     string
	Description string
	Attendees   []string

	Start  time.Time
	End    time.Time
	HasEnd bool
	AllDay bool

	RawRRule string
	ExDates  []time.Time
}

// Calendar is a parsed VCALENDAR payload.
type Calendar struct {
	Name   string
	Events []Event
}

// ParseCalendar parses an ICS payload. Times without TZID or a trailing Z
// are interpreted in loc.
//
//   - All-day events are detected when DTSTART carries no time component
//     (VALUE=DATE or no 'T' in the value) and are anchored at midnight in loc.
//   - VEVENTs that fail to parse are logged and skipped.
func ParseCalendar(body string, loc *time.Location) (Calendar, error) {
	if strings.TrimSpace(body) == "" {
		return Calendar{}, errors.New("empty ICS body")
	}
	if !strings.Contains(strings.ToUpper(body), "BEGIN:VCALENDAR") {
		return Calendar{}, errors.New("ICS body has no VCALENDAR")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(strings.NewReader(body))
	if err != nil {
		return Calendar{}, err
	}

	out := Calendar{Name: defaultCalendarName}
	for _, p := range cal.CalendarProperties {
		if strings.EqualFold(p.IANAToken, "X-WR-CALNAME") && strings.TrimSpace(p.Value) != "" {
			out.Name = p.Value
		}
	}

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "calendar", out.Name)
			continue
		}
		out.Events = append(out.Events, ev)
	}

	appLog.Debug("ics parse completed", "calendar", out.Name, "event_count", len(out.Events))
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (Event, error) {
	var out Event

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		if name := attendeeName(p); name != "" {
			out.Attendees = append(out.Attendees, name)
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateOnly(dtStart)

	start, err := parseICSTime(dtStart.Value, param(dtStart, "TZID"), loc)
	if err != nil {
		return out, err
	}
	out.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil && strings.TrimSpace(dtEnd.Value) != "" {
		end, err := parseICSTime(dtEnd.Value, param(dtEnd, "TZID"), loc)
		if err != nil {
			return out, err
		}
		out.End = end
		out.HasEnd = true
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := param(p, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, tzid, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	return out, nil
}

// attendeeName prefers the CN parameter and falls back to the address
// without its mailto: scheme.
func attendeeName(p *ical.IANAProperty) string {
	if cn := param(p, "CN"); cn != "" {
		return strings.TrimPrefix(cn, "mailto:")
	}
	v := strings.TrimSpace(p.Value)
	if len(v) >= len("mailto:") && strings.EqualFold(v[:len("mailto:")], "mailto:") {
		v = v[len("mailto:"):]
	}
	return v
}

func isDateOnly(p *ical.IANAProperty) bool {
	if strings.EqualFold(param(p, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses DATE and DATE-TIME values. UTC values keep their
// instant; TZID values use that zone when it can be loaded; everything
// else is floating and placed in loc.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if tzid != "" {
		if tz, err := time.LoadLocation(tzid); err == nil {
			loc = tz
		} else {
			appLog.Warn("unknown TZID; using request timezone", "tzid", tzid)
		}
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}
