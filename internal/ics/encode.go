package ics

import (
	"bytes"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	"assistcal/internal/model"
)

const productID = "-//assistcal//calendar assistant//EN"

// Encode renders events as a VCALENDAR. Events with a loadable TimeZone
// keep their wall-clock DTSTART/DTEND under TZID so recurrences survive DST;
// everything else is written in UTC.
func Encode(events []model.Event, name string) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	stamp := time.Now().UTC()
	for _, ev := range events {
		cal.AddVEvent(encodeEvent(ev, stamp))
	}

	var buf bytes.Buffer
	if err := cal.SerializeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeEvent(ev model.Event, stamp time.Time) *ical.VEvent {
	ve := ical.NewEvent(ev.ID)
	ve.SetDtStampTime(stamp)
	ve.SetSummary(ev.Title)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}

	var loc *time.Location
	if ev.TimeZone != "" {
		loc, _ = time.LoadLocation(ev.TimeZone)
	}
	if loc != nil {
		const layout = "20060102T150405"
		ve.SetProperty(ical.ComponentPropertyDtStart, ev.Interval.Start.In(loc).Format(layout), ical.WithTZID(ev.TimeZone))
		ve.SetProperty(ical.ComponentPropertyDtEnd, ev.Interval.End.In(loc).Format(layout), ical.WithTZID(ev.TimeZone))
	} else {
		ve.SetStartAt(ev.Interval.Start)
		ve.SetEndAt(ev.Interval.End)
	}

	if ev.Color != "" {
		ve.SetColor(ev.Color)
	}
	if ev.SourceID != "" {
		ve.SetProperty(propSource, ev.SourceID)
	}
	for _, a := range ev.Attendees {
		ve.AddAttendee(a)
	}
	if ev.Rule != nil {
		ve.AddRrule(ev.Rule.String())
	}
	for _, t := range ev.ExDates {
		ve.AddExdate(t.UTC().Format("20060102T150405Z"))
	}
	if ev.ReminderMinutes > 0 {
		ve.SetProperty(propReminder, strconv.Itoa(ev.ReminderMinutes))
		alarm := ve.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger("-PT" + strconv.Itoa(ev.ReminderMinutes) + "M")
		alarm.SetProperty(ical.ComponentPropertyDescription, ev.Title)
	}
	return ve
}
