// Package recurrence parses recurrence rules once into a tagged Rule and
// expands them into concrete occurrence intervals.
//
// Date arithmetic is delegated to rrule-go; this package owns validation, the
// anchor-is-first-occurrence contract, exclusion dates and window clipping.
package recurrence

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"assistcal/internal/calerr"
)

// Frequency is the unit a rule steps by.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
)

// Weekday is a BYDAY entry. Ordinal is zero for "every <day>", and 1..5 or
// -1..-5 for "first/second/.../last <day> of the month".
type Weekday struct {
	Day     time.Weekday `json:"day" yaml:"day"`
	Ordinal int          `json:"ordinal,omitempty" yaml:"ordinal,omitempty"`
}

// Rule is a parsed recurrence rule. Count and Until bound the series; at most
// one of them may be set. Interval zero means every unit.
type Rule struct {
	Freq       Frequency `json:"freq" yaml:"freq"`
	Interval   int       `json:"interval,omitempty" yaml:"interval,omitempty"`
	ByDay      []Weekday `json:"by_day,omitempty" yaml:"by_day,omitempty"`
	ByMonthDay []int     `json:"by_month_day,omitempty" yaml:"by_month_day,omitempty"`
	Count      int       `json:"count,omitempty" yaml:"count,omitempty"`
	Until      time.Time `json:"until,omitempty" yaml:"until,omitempty"`
}

var rruleDays = [...]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// supported lists the RRULE parts Parse accepts.
var supported = map[string]bool{
	"FREQ": true, "INTERVAL": true, "COUNT": true, "UNTIL": true,
	"BYDAY": true, "BYMONTHDAY": true, "WKST": true,
}

// Parse turns RRULE text ("FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4", optionally
// prefixed with "RRULE:") into a Rule. Parts outside the supported subset are
// rejected rather than ignored.
func Parse(text string) (*Rule, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "RRULE:")
	if text == "" {
		return nil, calerr.Rulef("empty rule")
	}

	raw := map[string]string{}
	for _, part := range strings.Split(text, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, calerr.Rulef("malformed part %q", part)
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		if !supported[k] {
			return nil, calerr.Rulef("unsupported part %s", k)
		}
		raw[k] = strings.TrimSpace(v)
	}

	// rrule-go treats COUNT=0 and INTERVAL=0 as "unset"; an explicit zero is
	// a contradiction here.
	for _, k := range []string{"COUNT", "INTERVAL"} {
		if v, ok := raw[k]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, calerr.Rulef("%s must be a positive integer, got %q", k, v)
			}
		}
	}

	opt, err := rrule.StrToROption(text)
	if err != nil {
		return nil, calerr.Rulef("%v", err)
	}
	if opt.Wkst != rrule.MO {
		return nil, calerr.Rulef("only WKST=MO is supported")
	}

	r := &Rule{
		Interval:   opt.Interval,
		Count:      opt.Count,
		Until:      opt.Until,
		ByMonthDay: slices.Clone(opt.Bymonthday),
	}
	switch opt.Freq {
	case rrule.DAILY:
		r.Freq = Daily
	case rrule.WEEKLY:
		r.Freq = Weekly
	case rrule.MONTHLY:
		r.Freq = Monthly
	default:
		return nil, calerr.Rulef("unsupported frequency %v", opt.Freq)
	}
	for _, w := range opt.Byweekday {
		r.ByDay = append(r.ByDay, Weekday{
			Day:     time.Weekday((w.Day() + 1) % 7),
			Ordinal: w.N(),
		})
	}

	if err := r.Validate(time.Time{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the rule for contradictions. anchor is the series' first
// start; a zero anchor skips the anchor-dependent checks.
func (r *Rule) Validate(anchor time.Time) error {
	if r == nil {
		return calerr.Rulef("nil rule")
	}
	switch r.Freq {
	case Daily, Weekly, Monthly:
	default:
		return calerr.Rulef("unsupported frequency %q", r.Freq)
	}
	if r.Interval < 0 {
		return calerr.Rulef("interval must be positive, got %d", r.Interval)
	}
	if r.Count < 0 {
		return calerr.Rulef("count must be positive, got %d", r.Count)
	}
	if r.Count > 0 && !r.Until.IsZero() {
		return calerr.Rulef("count and until are mutually exclusive")
	}
	for _, w := range r.ByDay {
		if w.Day < time.Sunday || w.Day > time.Saturday {
			return calerr.Rulef("invalid weekday %d", w.Day)
		}
		if w.Ordinal == 0 {
			continue
		}
		if r.Freq != Monthly {
			return calerr.Rulef("ordinal weekday %d%s is only valid for MONTHLY", w.Ordinal, w.Day)
		}
		if w.Ordinal < -5 || w.Ordinal > 5 {
			return calerr.Rulef("ordinal %d out of range", w.Ordinal)
		}
	}
	if len(r.ByMonthDay) > 0 && r.Freq != Monthly {
		return calerr.Rulef("BYMONTHDAY is only valid for MONTHLY")
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d < -31 || d > 31 {
			return calerr.Rulef("month day %d out of range", d)
		}
	}
	if anchor.IsZero() {
		return nil
	}
	if !r.Until.IsZero() && r.Until.Before(anchor) {
		return calerr.Rulef("until %s is before the first occurrence %s",
			r.Until.Format(time.RFC3339), anchor.Format(time.RFC3339))
	}
	return nil
}

// step returns the effective interval multiplier.
func (r *Rule) step() int {
	if r.Interval == 0 {
		return 1
	}
	return r.Interval
}

func (r *Rule) option() rrule.ROption {
	opt := rrule.ROption{
		Interval:   r.step(),
		Count:      r.Count,
		Until:      r.Until,
		Bymonthday: slices.Clone(r.ByMonthDay),
		Wkst:       rrule.MO,
	}
	switch r.Freq {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
	case Monthly:
		opt.Freq = rrule.MONTHLY
	}
	for _, w := range r.ByDay {
		d := rruleDays[(int(w.Day)+6)%7]
		if w.Ordinal != 0 {
			d = d.Nth(w.Ordinal)
		}
		opt.Byweekday = append(opt.Byweekday, d)
	}
	return opt
}

// String renders the rule as RRULE text without the "RRULE:" prefix.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	opt := r.option()
	return opt.RRuleString()
}

// Bounded reports whether the series ends on its own.
func (r *Rule) Bounded() bool {
	return r.Count > 0 || !r.Until.IsZero()
}
