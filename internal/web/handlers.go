package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"assistcal/internal/assistant"
	"assistcal/internal/calerr"
	"assistcal/internal/freeslot"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/preference"
	"assistcal/internal/recurrence"
	"assistcal/internal/reschedule"
)

const defaultDays = 7

// windowDTO selects a query window. Without From the window starts at the
// beginning of today; without To it spans Days days.
type windowDTO struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Days int    `json:"days,omitempty" validate:"gte=0,lte=366"`
}

func (d windowDTO) resolve(loc *time.Location) (interval.Interval, error) {
	var start time.Time
	if d.From != "" {
		t, err := interval.ParseTime(d.From, loc)
		if err != nil {
			return interval.Interval{}, err
		}
		start = t
	} else {
		now := time.Now().In(loc)
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	}
	if d.To != "" {
		end, err := interval.ParseTime(d.To, loc)
		if err != nil {
			return interval.Interval{}, err
		}
		return interval.Normalize(start, end, loc)
	}
	days := d.Days
	if days <= 0 {
		days = defaultDays
	}
	return interval.Normalize(start, start.AddDate(0, 0, days), loc)
}

func (s *Server) queryWindow(r *http.Request) (interval.Interval, error) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), defaultDays)
	if days <= 0 || days > 366 {
		return interval.Interval{}, calerr.Inputf("days %d out of range", days)
	}
	return windowDTO{From: q.Get("from"), To: q.Get("to"), Days: days}.resolve(s.svc.Location())
}

type occurrencesResponse struct {
	Window      interval.Interval  `json:"window"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

// handleOccurrences lists expanded occurrences.
//
// GET /api/occurrences?from=2026-03-01&to=2026-03-08
// GET /api/occurrences?days=14
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	window, err := s.queryWindow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	occs, err := s.svc.ListOccurrences(r.Context(), window)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if occs == nil {
		occs = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{Window: window, Occurrences: occs})
}

// handleSearch: GET /api/search?q=dentist&days=30
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	window, err := s.queryWindow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	occs, err := s.svc.Search(r.Context(), r.URL.Query().Get("q"), window)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if occs == nil {
		occs = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{Window: window, Occurrences: occs})
}

type conflictsRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

type conflictsResponse struct {
	Candidate interval.Interval  `json:"candidate"`
	Conflicts []model.Occurrence `json:"conflicts"`
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[conflictsRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	loc := s.svc.Location()
	candidate, err := interval.ParseInLocation(req.Start, req.End, loc)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var window interval.Interval
	if req.From != "" || req.To != "" {
		if window, err = interval.ParseInLocation(req.From, req.To, loc); err != nil {
			respondError(w, r, err)
			return
		}
	}
	occs, err := s.svc.FindConflicts(r.Context(), candidate, window)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if occs == nil {
		occs = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, conflictsResponse{Candidate: candidate, Conflicts: occs})
}

type workDTO struct {
	Start string   `json:"start" validate:"required"`
	End   string   `json:"end" validate:"required"`
	Days  []string `json:"days" validate:"min=1"`
}

func (d *workDTO) resolve() (*freeslot.WorkWindow, error) {
	if d == nil {
		return nil, nil
	}
	start, err := freeslot.ParseClock(d.Start)
	if err != nil {
		return nil, err
	}
	end, err := freeslot.ParseClock(d.End)
	if err != nil {
		return nil, err
	}
	ww := &freeslot.WorkWindow{DailyStart: start, DailyEnd: end}
	for _, day := range d.Days {
		wd, err := freeslot.ParseWeekday(day)
		if err != nil {
			return nil, err
		}
		ww.WorkDays = append(ww.WorkDays, wd)
	}
	return ww, ww.Validate()
}

type freeRequest struct {
	windowDTO
	MinMinutes int      `json:"min_minutes" validate:"gte=1"`
	Work       *workDTO `json:"work,omitempty"`
}

type freeResponse struct {
	Window interval.Interval `json:"window"`
	Slots  []freeslot.Slot   `json:"slots"`
}

func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[freeRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	window, err := req.windowDTO.resolve(s.svc.Location())
	if err != nil {
		respondError(w, r, err)
		return
	}
	ww, err := req.Work.resolve()
	if err != nil {
		respondError(w, r, err)
		return
	}
	slots, err := s.svc.FindFreeSlots(r.Context(), window, time.Duration(req.MinMinutes)*time.Minute, ww)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if slots == nil {
		slots = []freeslot.Slot{}
	}
	writeJSON(w, http.StatusOK, freeResponse{Window: window, Slots: slots})
}

type expandRequest struct {
	RRule string `json:"rrule" validate:"required"`
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Limit int    `json:"limit,omitempty" validate:"gte=0,lte=5000"`
}

type expandItem struct {
	Index    int               `json:"index"`
	Interval interval.Interval `json:"interval"`
}

type expandResponse struct {
	Rule      string       `json:"rule"`
	Items     []expandItem `json:"items"`
	Truncated bool         `json:"truncated,omitempty"`
}

// handleExpand materializes a rule without touching the calendar. The
// window defaults to the anchor's day plus the configured horizon.
func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[expandRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	loc := s.svc.Location()
	rule, err := recurrence.Parse(strings.TrimPrefix(req.RRule, "RRULE:"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	anchor, err := interval.ParseInLocation(req.Start, req.End, loc)
	if err != nil {
		respondError(w, r, err)
		return
	}
	window := interval.Interval{Start: anchor.Start, End: anchor.Start.AddDate(0, 0, s.cfg.HorizonDays)}
	if req.From != "" || req.To != "" {
		if window, err = interval.ParseInLocation(req.From, req.To, loc); err != nil {
			respondError(w, r, err)
			return
		}
	}
	limit := req.Limit
	if limit == 0 {
		limit = 500
	}

	seq, err := s.svc.ExpandRecurrence(rule, anchor, window)
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := expandResponse{Rule: rule.String(), Items: []expandItem{}}
	for it := range seq {
		if len(resp.Items) == limit {
			resp.Truncated = true
			break
		}
		resp.Items = append(resp.Items, expandItem{Index: it.Index, Interval: it.Interval})
	}
	writeJSON(w, http.StatusOK, resp)
}

type matchRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[matchRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	prefs, err := s.svc.Preferences()
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.MatchPreference(req.Text, prefs.Rules, prefs.Defaults))
}

type rescheduleRequest struct {
	EventID     string `json:"event_id,omitempty" validate:"required_without=Day"`
	InstanceKey string `json:"instance_key,omitempty"`
	Day         string `json:"day,omitempty"`
	Shift       string `json:"shift,omitempty" validate:"required_without=NewStart"`
	NewStart    string `json:"new_start,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

func (d rescheduleRequest) resolve(loc *time.Location) (assistant.Request, error) {
	req := assistant.Request{Key: model.Key{EventID: d.EventID, InstanceKey: d.InstanceKey}}
	var err error
	if d.Shift != "" {
		if req.Shift, err = reschedule.ParseShift(d.Shift); err != nil {
			return req, err
		}
	}
	if d.NewStart != "" {
		if req.NewStart, err = interval.ParseTime(d.NewStart, loc); err != nil {
			return req, err
		}
	}
	if d.Day != "" {
		if req.Day, err = interval.ParseTime(d.Day, loc); err != nil {
			return req, err
		}
	}
	if d.From != "" || d.To != "" {
		if req.Window, err = interval.ParseInLocation(d.From, d.To, loc); err != nil {
			return req, err
		}
	}
	return req, nil
}

type rescheduleResponse struct {
	DryRun  bool                 `json:"dry_run"`
	Ops     []reschedule.Op      `json:"ops"`
	Applied []reschedule.Applied `json:"applied,omitempty"`
}

// handleReschedule moves one occurrence or a whole day. With dry_run the
// plan is validated and returned without writing.
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	dto, err := decodeJSON[rescheduleRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	req, err := dto.resolve(s.svc.Location())
	if err != nil {
		respondError(w, r, err)
		return
	}

	if dto.DryRun {
		plan, _, err := s.svc.PlanReschedule(r.Context(), req)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rescheduleResponse{DryRun: true, Ops: plan.Ops()})
		return
	}

	res, err := s.svc.Reschedule(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := rescheduleResponse{Applied: res.Applied, Ops: []reschedule.Op{}}
	for _, a := range res.Applied {
		resp.Ops = append(resp.Ops, a.Op)
	}
	writeJSON(w, http.StatusOK, resp)
}

type addEventRequest struct {
	Title           string   `json:"title" validate:"required"`
	Description     string   `json:"description,omitempty"`
	Location        string   `json:"location,omitempty"`
	Start           string   `json:"start" validate:"required"`
	End             string   `json:"end,omitempty"`
	TimeZone        string   `json:"time_zone,omitempty"`
	Color           string   `json:"color,omitempty"`
	ReminderMinutes *int     `json:"reminder_minutes,omitempty" validate:"omitempty,gte=0"`
	Recurrence      string   `json:"recurrence,omitempty"`
	Attendees       []string `json:"attendees,omitempty" validate:"dive,max=320"`
	PrepMinutes     int      `json:"prep_minutes,omitempty" validate:"gte=0,lte=1440"`
	Strict          bool     `json:"strict,omitempty"`
	Confirm         bool     `json:"confirm,omitempty"`
}

func (d addEventRequest) resolve(defaultLoc *time.Location) (assistant.AddRequest, error) {
	loc := defaultLoc
	if d.TimeZone != "" {
		l, err := time.LoadLocation(d.TimeZone)
		if err != nil {
			return assistant.AddRequest{}, calerr.Inputf("time zone %q: %v", d.TimeZone, err)
		}
		loc = l
	}
	req := assistant.AddRequest{
		Title:           d.Title,
		Description:     d.Description,
		Location:        d.Location,
		TimeZone:        d.TimeZone,
		Color:           d.Color,
		ReminderMinutes: d.ReminderMinutes,
		Recurrence:      d.Recurrence,
		Attendees:       d.Attendees,
		PrepMinutes:     d.PrepMinutes,
		Strict:          d.Strict,
		Confirm:         d.Confirm,
	}
	var err error
	if req.Start, err = interval.ParseTime(d.Start, loc); err != nil {
		return req, err
	}
	if d.End != "" {
		if req.End, err = interval.ParseTime(d.End, loc); err != nil {
			return req, err
		}
	}
	return req, nil
}

// handleAddEvent books an event. 201 when it was written; 200 with the
// conflicts when the caller still has to confirm.
func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	dto, err := decodeJSON[addEventRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	req, err := dto.resolve(s.svc.Location())
	if err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.svc.AddEvent(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.DeleteEvent(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	f, err := s.svc.Preferences()
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	f, err := decodeJSON[preference.File](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if f.Rules == nil {
		f.Rules = []preference.Rule{}
	}
	if err := s.svc.SavePreferences(&f); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type patchPreferenceRequest struct {
	Keyword         string  `json:"keyword" validate:"required"`
	DurationMinutes *int    `json:"duration_minutes,omitempty" validate:"omitempty,gte=0"`
	Color           *string `json:"color,omitempty"`
	ReminderMinutes *int    `json:"reminder_minutes,omitempty" validate:"omitempty,gte=0"`
	Recurrence      *string `json:"recurrence,omitempty"`
	CalendarName    *string `json:"calendar_name,omitempty"`
}

type patchPreferenceResponse struct {
	Updated     bool             `json:"updated"`
	Preferences *preference.File `json:"preferences"`
}

// handlePatchPreference updates the rule holding keyword, or appends one.
func (s *Server) handlePatchPreference(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[patchPreferenceRequest](r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	f, updated, err := s.svc.UpdatePreference(req.Keyword, preference.Patch{
		DurationMinutes: req.DurationMinutes,
		Color:           req.Color,
		ReminderMinutes: req.ReminderMinutes,
		Recurrence:      req.Recurrence,
		CalendarName:    req.CalendarName,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	appLog.Info("preference updated", "keyword", req.Keyword, "updated", updated)
	writeJSON(w, http.StatusOK, patchPreferenceResponse{Updated: updated, Preferences: f})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
