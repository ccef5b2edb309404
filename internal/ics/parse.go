package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/recurrence"
)

// Properties written and read on top of RFC 5545.
const (
	propReminder = ical.ComponentProperty("X-ASSISTCAL-REMINDER")
	propSource   = ical.ComponentProperty("X-ASSISTCAL-SOURCE")
)

// DecodeOptions controls Decode.
type DecodeOptions struct {
	// SourceID is stamped on every decoded event.
	SourceID string
	// Location is used for floating times and all-day dates. Nil means
	// time.Local.
	Location *time.Location
}

// vevent is one parsed VEVENT before overrides are folded into their series.
type vevent struct {
	ev         model.Event
	seq        int
	recurrence *time.Time // RECURRENCE-ID, if this is an override
}

// Decode parses an ICS payload into events. RRULEs are parsed once here.
// A VEVENT with a RECURRENCE-ID becomes a standalone event and its instant
// is added to the series' EXDATEs, so expansion never yields both.
//
// Malformed VEVENTs are logged and skipped; only an unreadable calendar is
// an error.
func Decode(body []byte, opt DecodeOptions) ([]model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}

	cal, err := ical.ParseCalendarWithOptions(bytes.NewReader(body),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var (
		order     []string
		bases     = make(map[string]*vevent)
		overrides []vevent
	)
	for _, comp := range cal.Events() {
		v, perr := parseVEvent(comp, opt)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "source", opt.SourceID, "uid", comp.Id())
			continue
		}
		if v.recurrence != nil {
			overrides = append(overrides, v)
			continue
		}
		if prev, ok := bases[v.ev.ID]; ok {
			if v.seq >= prev.seq {
				*prev = v
			}
			continue
		}
		order = append(order, v.ev.ID)
		bases[v.ev.ID] = &v
	}

	events := make([]model.Event, 0, len(order)+len(overrides))
	for _, ov := range overrides {
		uid := ov.ev.ID
		if base, ok := bases[uid]; ok && base.ev.Recurring() {
			base.ev.ExDates = append(base.ev.ExDates, *ov.recurrence)
		}
		ov.ev.ID = uid + "/" + model.InstanceKey(*ov.recurrence)
		ov.ev.Rule = nil
		events = append(events, ov.ev)
	}
	for _, uid := range order {
		events = append(events, bases[uid].ev)
	}

	appLog.Debug("ics decode completed", "source", opt.SourceID, "events", len(events), "overrides", len(overrides))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, opt DecodeOptions) (vevent, error) {
	var out vevent

	uid := ve.Id()
	if uid == "" {
		return out, errors.New("missing UID")
	}
	out.ev.ID = uid
	out.ev.SourceID = opt.SourceID

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.ev.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.ev.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyColor); p != nil {
		out.ev.Color = p.Value
	}
	if p := ve.GetProperty(propSource); p != nil && out.ev.SourceID == "" {
		out.ev.SourceID = p.Value
	}
	for _, a := range ve.Attendees() {
		if email := a.Email(); email != "" {
			out.ev.Attendees = append(out.ev.Attendees, email)
		}
	}
	out.ev.ReminderMinutes = reminderMinutes(ve)

	iv, tz, err := eventInterval(ve, opt.Location)
	if err != nil {
		return out, err
	}
	out.ev.Interval = iv
	out.ev.TimeZone = tz

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rule, err := recurrence.Parse(p.Value)
		if err != nil {
			return out, err
		}
		out.ev.Rule = rule
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := propLocation(p, iv.Start.Location())
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc); err == nil {
				out.ev.ExDates = append(out.ev.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		t, err := parseICSTime(p.Value, propLocation(p, iv.Start.Location()))
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.recurrence = &t
	}

	return out, out.ev.Validate()
}

// eventInterval reads DTSTART/DTEND. All-day dates are placed at local
// midnight in loc; a missing DTEND means one day for all-day events.
func eventInterval(ve *ical.VEvent, loc *time.Location) (interval.Interval, string, error) {
	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return interval.Interval{}, "", errors.New("missing DTSTART")
	}
	tz := paramFirst(startProp, "TZID")

	if isAllDay(startProp) {
		start, err := parseICSTime(startProp.Value, loc)
		if err != nil {
			return interval.Interval{}, "", err
		}
		end := start.AddDate(0, 0, 1)
		if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
			if e, err := parseICSTime(endProp.Value, loc); err == nil {
				end = e
			}
		}
		return interval.Interval{Start: start, End: end}, tz, nil
	}

	if tz == "" {
		// floating or UTC; let the library handle the Z suffix
		if !strings.HasSuffix(startProp.Value, "Z") {
			start, err := parseICSTime(startProp.Value, loc)
			if err != nil {
				return interval.Interval{}, "", err
			}
			end, err := floatingEnd(ve, loc)
			if err != nil {
				return interval.Interval{}, "", err
			}
			return interval.Interval{Start: start, End: end}, "", nil
		}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return interval.Interval{}, "", err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return interval.Interval{}, "", fmt.Errorf("DTEND: %w", err)
	}
	return interval.Interval{Start: start, End: end}, tz, nil
}

func floatingEnd(ve *ical.VEvent, loc *time.Location) (time.Time, error) {
	p := ve.GetProperty(ical.ComponentPropertyDtEnd)
	if p == nil {
		return time.Time{}, errors.New("missing DTEND")
	}
	if paramFirst(p, "TZID") != "" || strings.HasSuffix(p.Value, "Z") {
		return ve.GetEndAt()
	}
	return parseICSTime(p.Value, loc)
}

func isAllDay(p *ical.IANAProperty) bool {
	if strings.EqualFold(paramFirst(p, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramFirst(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func propLocation(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if tz := paramFirst(p, "TZID"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return fallback
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

// reminderMinutes prefers a DISPLAY alarm's relative trigger and falls back
// to the X- property written by Encode.
func reminderMinutes(ve *ical.VEvent) int {
	for _, a := range ve.Alarms() {
		if p := a.GetProperty(ical.ComponentPropertyTrigger); p != nil {
			if d, ok := parseTrigger(p.Value); ok {
				return int(d / time.Minute)
			}
		}
	}
	if p := ve.GetProperty(propReminder); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// parseTrigger understands the negative "-PT15M", "-PT1H", "-P1D" and
// "-P1DT2H" forms calendar clients emit for reminders.
func parseTrigger(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "-P") {
		return 0, false
	}
	v = v[2:]
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range v {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, false
			}
			num = ""
			switch {
			case r == 'W' && !inTime:
				total += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'D' && !inTime:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'H' && inTime:
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				total += time.Duration(n) * time.Second
			default:
				return 0, false
			}
		}
	}
	return total, num == "" && total > 0
}
