package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"assistcal/internal/assistant"
	"assistcal/internal/calerr"
	"assistcal/internal/freeslot"
	"assistcal/internal/ics"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/preference"
	"assistcal/internal/recurrence"
	"assistcal/internal/reschedule"
	"assistcal/internal/web"
)

func timeDays(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// newFlagSet returns a flag set carrying the shared -config flag.
func newFlagSet(name string, cfgPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(cfgPath, "config", defaultConfigPath, "Path to config file")
	return fs
}

// windowFlags are the -from/-to/-days flags shared by the query commands.
type windowFlags struct {
	from, to string
	days     int
}

func (w *windowFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&w.from, "from", "", "Window start (default: today 00:00)")
	fs.StringVar(&w.to, "to", "", "Window end (default: -days after start)")
	fs.IntVar(&w.days, "days", 7, "Window length in days when -to is not given")
}

func (w *windowFlags) resolve(loc *time.Location) (interval.Interval, error) {
	var start time.Time
	if w.from != "" {
		t, err := interval.ParseTime(w.from, loc)
		if err != nil {
			return interval.Interval{}, err
		}
		start = t
	} else {
		now := time.Now().In(loc)
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	}
	if w.to != "" {
		end, err := interval.ParseTime(w.to, loc)
		if err != nil {
			return interval.Interval{}, err
		}
		return interval.Normalize(start, end, loc)
	}
	if w.days <= 0 {
		return interval.Interval{}, calerr.Inputf("days must be positive, got %d", w.days)
	}
	return interval.Normalize(start, start.AddDate(0, 0, w.days), loc)
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return calerr.Inputf("%v", err)
	}
	return nil
}

func runServe(ctx context.Context, args []string, _ io.Writer) error {
	var cfgPath, listen string
	fs := newFlagSet("serve", &cfgPath)
	fs.StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if listen != "" {
		a.cfg.Listen = listen
	}
	loc, _ := a.cfg.Location()

	appLog.Info("assistcal starting",
		"version", version,
		"listen", a.cfg.Listen,
		"store", a.cfg.Store.Driver,
		"subscriptions", len(a.subs),
		"refresh", a.cfg.RefreshCron,
	)

	refresh := func() {
		if len(a.subs) == 0 {
			return
		}
		ok := ics.RefreshAll(ctx, a.subs)
		a.svc.Invalidate()
		appLog.Info("subscriptions refreshed", "ok", ok, "total", len(a.subs))
	}
	refresh()

	sched := cron.New(cron.WithLocation(loc))
	if _, err := sched.AddFunc(a.cfg.RefreshCron, refresh); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", a.cfg.RefreshCron, err)
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()

	return web.NewServer(a.cfg, a.svc).Run(ctx)
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		wf      windowFlags
	)
	fs := newFlagSet("list", &cfgPath)
	wf.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	window, err := wf.resolve(a.svc.Location())
	if err != nil {
		return err
	}
	occs, err := a.svc.ListOccurrences(ctx, window)
	if err != nil {
		return err
	}
	printOccurrences(out, occs, a.svc.Location())
	return nil
}

func runSearch(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		wf      windowFlags
	)
	fs := newFlagSet("search", &cfgPath)
	wf.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	window, err := wf.resolve(a.svc.Location())
	if err != nil {
		return err
	}
	occs, err := a.svc.Search(ctx, strings.Join(fs.Args(), " "), window)
	if err != nil {
		return err
	}
	printOccurrences(out, occs, a.svc.Location())
	return nil
}

func runMatch(_ context.Context, args []string, out io.Writer) error {
	var cfgPath string
	fs := newFlagSet("match", &cfgPath)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	prefs, err := a.svc.Preferences()
	if err != nil {
		return err
	}
	res := a.svc.MatchPreference(strings.Join(fs.Args(), " "), prefs.Rules, prefs.Defaults)
	if res.Matched {
		fmt.Fprintf(out, "matched %q (rule %d)\n", res.Keyword, res.Index)
	} else {
		fmt.Fprintln(out, "no rule matched; using defaults")
	}
	printRule(out, res.Rule)
	return nil
}

func runAdd(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath                          string
		title, desc, location, start     string
		end, tz, color, rrule, attendees string
		reminder, prep                   int
		strict, confirm                  bool
	)
	fs := newFlagSet("add", &cfgPath)
	fs.StringVar(&title, "title", "", "Event title")
	fs.StringVar(&desc, "desc", "", "Description")
	fs.StringVar(&location, "location", "", "Location")
	fs.StringVar(&start, "start", "", "Start time, e.g. 2026-03-01T15:00")
	fs.StringVar(&end, "end", "", "End time (default: preference duration)")
	fs.StringVar(&tz, "tz", "", "IANA timezone of -start/-end (default: config timezone)")
	fs.StringVar(&color, "color", "", "Color name")
	fs.IntVar(&reminder, "reminder", -1, "Reminder minutes (default: preference)")
	fs.StringVar(&rrule, "rrule", "", "Recurrence rule, e.g. FREQ=WEEKLY;BYDAY=MO")
	fs.StringVar(&attendees, "attendees", "", "Comma separated attendee emails")
	fs.IntVar(&prep, "prep", 0, "Minutes of preparation time to block before the event")
	fs.BoolVar(&strict, "strict", false, "Fail on any conflict")
	fs.BoolVar(&confirm, "yes", false, "Book even when conflicts were found")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.svc.Location()
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return calerr.Inputf("time zone %q: %v", tz, err)
		}
	}
	req := assistant.AddRequest{
		Title:       title,
		Description: desc,
		Location:    location,
		TimeZone:    tz,
		Color:       color,
		Recurrence:  rrule,
		PrepMinutes: prep,
		Strict:      strict,
		Confirm:     confirm,
	}
	if attendees != "" {
		req.Attendees = strings.Split(attendees, ",")
	}
	if reminder >= 0 {
		req.ReminderMinutes = &reminder
	}
	if req.Start, err = interval.ParseTime(start, loc); err != nil {
		return err
	}
	if end != "" {
		if req.End, err = interval.ParseTime(end, loc); err != nil {
			return err
		}
	}

	res, err := a.svc.AddEvent(ctx, req)
	if err != nil {
		var ce *calerr.ConflictError
		if errors.As(err, &ce) {
			fmt.Fprintln(out, "conflicts:")
			for _, c := range ce.Conflicts {
				fmt.Fprintf(out, "  %s\n", c)
			}
		}
		return err
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(out, "warning:", w)
	}
	if len(res.Conflicts) > 0 {
		fmt.Fprintln(out, "conflicts with:")
		printOccurrences(out, res.Conflicts, a.svc.Location())
	}
	if !res.Created {
		fmt.Fprintln(out, "not booked; rerun with -yes to book anyway")
		return nil
	}
	ev := res.Event
	fmt.Fprintf(out, "added %s %q %s (%s)\n", ev.ID, ev.Title, ev.Interval.In(a.svc.Location()), humanize.Time(ev.Interval.Start))
	if res.PrepID != "" {
		fmt.Fprintf(out, "prep block %s\n", res.PrepID)
	}
	return nil
}

func runDelete(ctx context.Context, args []string, out io.Writer) error {
	var cfgPath string
	fs := newFlagSet("delete", &cfgPath)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return calerr.Inputf("delete takes exactly one event id")
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.DeleteEvent(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintln(out, "deleted", fs.Arg(0))
	return nil
}

func runFree(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		wf      windowFlags
		minutes int
		anyTime bool
	)
	fs := newFlagSet("free", &cfgPath)
	wf.register(fs)
	fs.IntVar(&minutes, "min", 30, "Minimum slot length in minutes")
	fs.BoolVar(&anyTime, "any-time", false, "Ignore the configured work hours")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	window, err := wf.resolve(a.svc.Location())
	if err != nil {
		return err
	}
	var ww *freeslot.WorkWindow
	if anyTime {
		ww = &freeslot.WorkWindow{
			DailyStart: 0,
			DailyEnd:   24 * time.Hour,
			WorkDays:   []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
		}
	}
	slots, err := a.svc.FindFreeSlots(ctx, window, time.Duration(minutes)*time.Minute, ww)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Fprintln(out, "no free slots")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tFROM\tTO\tLENGTH")
	for _, sl := range slots {
		iv := sl.Interval.In(a.svc.Location())
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dm\n", iv.Start.Format("Mon 2006-01-02"), iv.Start.Format("15:04"), iv.End.Format("15:04"), sl.DurationMinutes)
	}
	return tw.Flush()
}

func runConflicts(ctx context.Context, args []string, out io.Writer) error {
	var cfgPath, start, end string
	fs := newFlagSet("conflicts", &cfgPath)
	fs.StringVar(&start, "start", "", "Candidate start")
	fs.StringVar(&end, "end", "", "Candidate end")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	candidate, err := interval.ParseInLocation(start, end, a.svc.Location())
	if err != nil {
		return err
	}
	occs, err := a.svc.FindConflicts(ctx, candidate, interval.Interval{})
	if err != nil {
		return err
	}
	if len(occs) == 0 {
		fmt.Fprintln(out, "no conflicts")
		return nil
	}
	printOccurrences(out, occs, a.svc.Location())
	return nil
}

func runExpand(_ context.Context, args []string, out io.Writer) error {
	var (
		cfgPath, rrule, start, end string
		wf                         windowFlags
		limit                      int
	)
	fs := newFlagSet("expand", &cfgPath)
	fs.StringVar(&rrule, "rrule", "", "Recurrence rule")
	fs.StringVar(&start, "start", "", "Anchor start")
	fs.StringVar(&end, "end", "", "Anchor end")
	fs.IntVar(&limit, "limit", 50, "Maximum occurrences to print")
	wf.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.svc.Location()
	rule, err := recurrence.Parse(rrule)
	if err != nil {
		return err
	}
	anchor, err := interval.ParseInLocation(start, end, loc)
	if err != nil {
		return err
	}
	if wf.from == "" {
		wf.from = start
	}
	window, err := wf.resolve(loc)
	if err != nil {
		return err
	}
	seq, err := a.svc.ExpandRecurrence(rule, anchor, window)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "RRULE:"+rule.String())
	n := 0
	for it := range seq {
		if n == limit {
			fmt.Fprintln(out, "...")
			break
		}
		fmt.Fprintf(out, "%4d  %s\n", it.Index, it.Interval.In(loc))
		n++
	}
	return nil
}

func runReschedule(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath, eventID, instance, day, shift, to string
		dryRun                                     bool
	)
	fs := newFlagSet("reschedule", &cfgPath)
	fs.StringVar(&eventID, "event", "", "Event id of a single occurrence to move")
	fs.StringVar(&instance, "instance", "", "Instance key of a recurring occurrence")
	fs.StringVar(&day, "day", "", "Move every occurrence starting on this day")
	fs.StringVar(&shift, "shift", "", "Shift such as +1d, -30m, 2h")
	fs.StringVar(&to, "to", "", "New start for a single occurrence")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate and print the plan without writing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.svc.Location()
	req := assistant.Request{Key: model.Key{EventID: eventID, InstanceKey: instance}}
	if shift != "" {
		if req.Shift, err = reschedule.ParseShift(shift); err != nil {
			return err
		}
	}
	if to != "" {
		if req.NewStart, err = interval.ParseTime(to, loc); err != nil {
			return err
		}
	}
	if day != "" {
		if req.Day, err = interval.ParseTime(day, loc); err != nil {
			return err
		}
	}

	if dryRun {
		plan, _, err := a.svc.PlanReschedule(ctx, req)
		if err != nil {
			printRescheduleError(out, err)
			return err
		}
		for _, op := range plan.Ops() {
			fmt.Fprintf(out, "would move %q %s -> %s\n", op.Occurrence.Title, op.Original.In(loc), op.Proposed.In(loc))
		}
		return nil
	}

	res, err := a.svc.Reschedule(ctx, req)
	if err != nil {
		printRescheduleError(out, err)
		if res.RolledBack {
			fmt.Fprintln(out, "all writes were rolled back")
		}
		return err
	}
	for _, ap := range res.Applied {
		fmt.Fprintf(out, "moved %q %s -> %s\n", ap.Op.Occurrence.Title, ap.Op.Original.In(loc), ap.Op.Proposed.In(loc))
	}
	return nil
}

func printRescheduleError(out io.Writer, err error) {
	var re *calerr.RescheduleError
	if !errors.As(err, &re) {
		return
	}
	fmt.Fprintln(out, "rejected; nothing was moved:")
	for _, p := range re.Conflicts {
		fmt.Fprintf(out, "  %s\n    collides with %s\n", p.Moved, p.With)
	}
}

func runUpdatePrefs(_ context.Context, args []string, out io.Writer) error {
	var (
		cfgPath, keyword, color, rrule, calendar string
		duration, reminder                       int
	)
	fs := newFlagSet("update-prefs", &cfgPath)
	fs.StringVar(&keyword, "keyword", "", "Keyword of the rule to create or patch")
	fs.IntVar(&duration, "duration", 0, "Duration in minutes")
	fs.StringVar(&color, "color", "", "Color name")
	fs.IntVar(&reminder, "reminder", 0, "Reminder minutes")
	fs.StringVar(&rrule, "rrule", "", "Recurrence template")
	fs.StringVar(&calendar, "calendar", "", "Calendar name")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	// Only flags given on the command line are patched.
	var patch preference.Patch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			patch.DurationMinutes = &duration
		case "color":
			patch.Color = &color
		case "reminder":
			patch.ReminderMinutes = &reminder
		case "rrule":
			patch.Recurrence = &rrule
		case "calendar":
			patch.CalendarName = &calendar
		}
	})
	if patch.Color != nil && *patch.Color != "" {
		if _, ok := preference.Colors[*patch.Color]; !ok {
			return calerr.Inputf("unknown color %q", *patch.Color)
		}
	}

	a, err := openApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	f, updated, err := a.svc.UpdatePreference(keyword, patch)
	if err != nil {
		return err
	}
	verb := "added"
	if updated {
		verb = "updated"
	}
	fmt.Fprintf(out, "%s rule for %q (%d rules)\n", verb, keyword, len(f.Rules))
	return nil
}

func printOccurrences(out io.Writer, occs []model.Occurrence, loc *time.Location) {
	if len(occs) == 0 {
		fmt.Fprintln(out, "no events")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tTIME\tTITLE\tID\tWHEN")
	for _, o := range occs {
		iv := o.Interval.In(loc)
		id := o.EventID
		if o.Recurring {
			id += "/" + o.InstanceKey
		}
		if o.ReadOnly {
			id += " (read-only)"
		}
		fmt.Fprintf(tw, "%s\t%s-%s\t%s\t%s\t%s\n",
			iv.Start.Format("Mon 2006-01-02"), iv.Start.Format("15:04"), iv.End.Format("15:04"),
			o.Title, id, humanize.Time(iv.Start))
	}
	_ = tw.Flush()
}

func printRule(out io.Writer, r preference.Rule) {
	fmt.Fprintf(out, "  duration: %dm\n", r.DurationMinutes)
	if r.Color != "" {
		fmt.Fprintf(out, "  color:    %s\n", r.Color)
	}
	fmt.Fprintf(out, "  reminder: %dm\n", r.ReminderMinutes)
	if r.Recurrence != "" {
		fmt.Fprintf(out, "  repeats:  %s\n", r.Recurrence)
	}
	if r.CalendarName != "" {
		fmt.Fprintf(out, "  calendar: %s\n", r.CalendarName)
	}
}
