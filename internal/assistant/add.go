package assistant

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/conflict"
	"assistcal/internal/freeslot"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/preference"
	"assistcal/internal/recurrence"
)

const prepColor = "yellow"

// AddRequest describes a new event. Zero fields are filled from the
// matching preference rule: End from its duration, Color, ReminderMinutes
// and Recurrence from the rule itself.
type AddRequest struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Color       string
	// ReminderMinutes overrides the preference when non-nil.
	ReminderMinutes *int
	Recurrence      string
	Attendees       []string
	// PrepMinutes adds a preparation block ending at Start.
	PrepMinutes int
	// Strict fails with a *calerr.ConflictError on any overlap.
	Strict bool
	// Confirm books even when conflicts were found.
	Confirm bool
}

// AddResult reports what AddEvent did. When conflicts exist and the
// request was neither strict nor confirmed, Created is false and nothing
// was written: the caller shows Conflicts and retries with Confirm.
type AddResult struct {
	Event      model.Event        `json:"event"`
	PrepID     string             `json:"prep_id,omitempty"`
	Preference preference.Result  `json:"preference"`
	Conflicts  []model.Occurrence `json:"conflicts,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	Created    bool               `json:"created"`
}

// AddEvent books a new event after matching preferences and checking for
// conflicts.
func (s *Service) AddEvent(ctx context.Context, req AddRequest) (AddResult, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return AddResult{}, calerr.Inputf("event title is empty")
	}
	if req.PrepMinutes < 0 {
		return AddResult{}, calerr.Inputf("prep minutes %d", req.PrepMinutes)
	}

	prefs, err := s.Preferences()
	if err != nil {
		return AddResult{}, err
	}
	pref := preference.Match(preference.Text(title, req.Description), prefs.Rules, prefs.Defaults)
	ev, err := s.buildEvent(title, req, pref.Rule)
	if err != nil {
		return AddResult{}, err
	}
	res := AddResult{Event: ev, Preference: pref, Warnings: s.workWarnings(ev.Interval)}

	var prep interval.Interval
	if req.PrepMinutes > 0 {
		prep = interval.Interval{Start: ev.Interval.Start.Add(-time.Duration(req.PrepMinutes) * time.Minute), End: ev.Interval.Start}
	}

	candidates, err := s.candidates(ev)
	if err != nil {
		return AddResult{}, err
	}
	if prep.Valid() {
		candidates = append(candidates, prep)
	}
	window := candidates[0]
	for _, c := range candidates[1:] {
		window = interval.Interval{Start: minTime(window.Start, c.Start), End: maxTime(window.End, c.End)}
	}
	snap, err := s.Snapshot(ctx, window)
	if err != nil {
		return AddResult{}, err
	}

	seen := make(map[model.Key]bool)
	for _, c := range candidates {
		for _, o := range conflict.Find(c.In(snap.Location), snap.Occurrences) {
			if !seen[o.Key()] {
				seen[o.Key()] = true
				res.Conflicts = append(res.Conflicts, o)
			}
		}
	}
	slices.SortFunc(res.Conflicts, model.Compare)

	if len(res.Conflicts) > 0 {
		if req.Strict {
			ce := &calerr.ConflictError{
				Candidate: calerr.Ref{Title: title, Start: ev.Interval.Start, End: ev.Interval.End},
			}
			for _, o := range res.Conflicts {
				ce.Conflicts = append(ce.Conflicts, o.Ref())
			}
			return res, ce
		}
		if !req.Confirm {
			appLog.Info("booking needs confirmation", "title", title, "conflicts", len(res.Conflicts))
			return res, nil
		}
	}

	id, err := s.st.CreateEvent(ctx, ev)
	if err != nil {
		return res, calerr.Store("create", err)
	}
	res.Event.ID = id
	res.Created = true
	s.Invalidate()

	if prep.Valid() {
		prepEv := model.Event{
			Title:       "Prep: " + title,
			Description: "Preparation time for: " + title,
			Interval:    prep,
			TimeZone:    ev.TimeZone,
			Color:       prepColor,
		}
		prepID, err := s.st.CreateEvent(ctx, prepEv)
		if err != nil {
			if derr := s.st.DeleteEvent(context.WithoutCancel(ctx), id); derr != nil {
				appLog.Error("could not remove event after failed prep block", derr, "id", id)
			}
			res.Created = false
			res.Event.ID = ""
			return res, calerr.Store("create prep block", err)
		}
		res.PrepID = prepID
	}

	appLog.Info("event added", "id", id, "title", title, "start", ev.Interval.Start, "preference", pref.Keyword)
	return res, nil
}

func (s *Service) buildEvent(title string, req AddRequest, rule preference.Rule) (model.Event, error) {
	loc := s.opt.Location
	if req.TimeZone != "" {
		l, err := time.LoadLocation(req.TimeZone)
		if err != nil {
			return model.Event{}, calerr.Inputf("time zone %q: %v", req.TimeZone, err)
		}
		loc = l
	}
	end := req.End
	if end.IsZero() && !req.Start.IsZero() {
		end = req.Start.Add(time.Duration(rule.DurationMinutes) * time.Minute)
	}
	iv, err := interval.Normalize(req.Start, end, loc)
	if err != nil {
		return model.Event{}, err
	}

	ev := model.Event{
		Title:           title,
		Description:     req.Description,
		Location:        req.Location,
		Interval:        iv,
		TimeZone:        req.TimeZone,
		Color:           firstNonEmpty(req.Color, rule.Color),
		ReminderMinutes: rule.ReminderMinutes,
		Attendees:       cleanAttendees(req.Attendees),
	}
	if req.ReminderMinutes != nil {
		if *req.ReminderMinutes < 0 {
			return model.Event{}, calerr.Inputf("reminder minutes %d", *req.ReminderMinutes)
		}
		ev.ReminderMinutes = *req.ReminderMinutes
	}
	if ev.Color != "" {
		if _, ok := preference.Colors[ev.Color]; !ok {
			return model.Event{}, calerr.Inputf("unknown color %q", ev.Color)
		}
	}
	if text := firstNonEmpty(req.Recurrence, rule.Recurrence); text != "" {
		r, err := recurrence.Parse(strings.TrimPrefix(text, "RRULE:"))
		if err != nil {
			return model.Event{}, err
		}
		ev.Rule = r
	}
	return ev, ev.Validate()
}

// candidates returns the intervals the new event will occupy within the
// conflict horizon.
func (s *Service) candidates(ev model.Event) ([]interval.Interval, error) {
	if !ev.Recurring() {
		return []interval.Interval{ev.Interval}, nil
	}
	horizon := interval.Interval{Start: ev.Interval.Start, End: ev.Interval.Start.Add(s.opt.Horizon)}
	items, _, err := recurrence.ExpandAll(ev.Rule, ev.Interval, horizon)
	if err != nil {
		return nil, err
	}
	out := make([]interval.Interval, 0, len(items))
	for _, it := range items {
		out = append(out, it.Interval)
	}
	if len(out) == 0 {
		out = append(out, ev.Interval)
	}
	return out, nil
}

// workWarnings flags bookings outside the configured work window.
func (s *Service) workWarnings(iv interval.Interval) []string {
	ww := s.opt.Work
	if ww == nil {
		return nil
	}
	local := iv.In(s.opt.Location)
	bounds := ww.Bounds(local.Start)

	var out []string
	if !ww.Works(local.Start.Weekday()) {
		out = append(out, fmt.Sprintf("%s is not a work day", local.Start.Weekday()))
	}
	if local.Start.Before(bounds.Start) {
		out = append(out, "starts before your usual start ("+freeslot.FormatClock(ww.DailyStart)+")")
	}
	if local.End.After(bounds.End) {
		out = append(out, "ends after your preferred cutoff ("+freeslot.FormatClock(ww.DailyEnd)+")")
	}
	return out
}

func cleanAttendees(in []string) []string {
	var out []string
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
