// Package preference maps free text to learned scheduling defaults.
//
// The rule list is always passed in explicitly. Order is significant: the
// first rule with a matching keyword wins, so more specific rules belong
// earlier in the list.
package preference

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"assistcal/internal/recurrence"
)

// Rule is one learned default. Zero-valued fields inherit from the default
// rule when matched.
type Rule struct {
	Match           []string `yaml:"match" json:"match"`
	DurationMinutes int      `yaml:"duration_minutes,omitempty" json:"duration_minutes,omitempty"`
	Color           string   `yaml:"color,omitempty" json:"color,omitempty"`
	ReminderMinutes int      `yaml:"reminder_minutes,omitempty" json:"reminder_minutes,omitempty"`
	// Recurrence is an RRULE template applied to matching events.
	Recurrence string `yaml:"recurrence,omitempty" json:"recurrence,omitempty"`
	// CalendarName routes matching events to another calendar.
	CalendarName string `yaml:"calendar_name,omitempty" json:"calendar_name,omitempty"`
}

// Result is the outcome of Match. Rule is the matched rule merged over the
// default, or the default itself when nothing matched.
type Result struct {
	Rule    Rule   `json:"rule"`
	Keyword string `json:"matched_keyword,omitempty"`
	Index   int    `json:"index"`
	Matched bool   `json:"matched"`
}

// Colors maps the color names accepted in rules to calendar color ids.
var Colors = map[string]string{
	"blue": "1", "green": "2", "purple": "3", "red": "4",
	"yellow": "5", "orange": "6", "turquoise": "7", "gray": "8",
	"bold_blue": "9", "bold_green": "10", "bold_red": "11",
}

// DefaultRule is used when no preference file exists yet.
func DefaultRule() Rule {
	return Rule{DurationMinutes: 30, Color: "bold_blue", ReminderMinutes: 10}
}

// Text joins a title and description into the string Match inspects.
func Text(title, description string) string {
	return strings.TrimSpace(title + " " + description)
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// Match returns the first rule whose keywords occur, case-insensitively, as
// a substring of text. Empty keywords never match.
func Match(text string, rules []Rule, def Rule) Result {
	folded := fold(text)
	for i, r := range rules {
		for _, kw := range r.Match {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if strings.Contains(folded, fold(kw)) {
				return Result{Rule: merge(def, r), Keyword: kw, Index: i, Matched: true}
			}
		}
	}
	return Result{Rule: def, Index: -1}
}

func merge(def, r Rule) Rule {
	out := def
	out.Match = slices.Clone(r.Match)
	if r.DurationMinutes > 0 {
		out.DurationMinutes = r.DurationMinutes
	}
	if r.Color != "" {
		out.Color = r.Color
	}
	if r.ReminderMinutes > 0 {
		out.ReminderMinutes = r.ReminderMinutes
	}
	if r.Recurrence != "" {
		out.Recurrence = r.Recurrence
	}
	if r.CalendarName != "" {
		out.CalendarName = r.CalendarName
	}
	return out
}

// Patch lists the fields an update sets; nil fields are left alone.
type Patch struct {
	DurationMinutes *int
	Color           *string
	ReminderMinutes *int
	Recurrence      *string
	CalendarName    *string
}

// Upsert returns a new rule list where the first rule containing keyword
// (case-insensitively) has patch applied, or, if none does, a new rule for
// keyword is appended. updated reports which of the two happened. The input
// slice is never modified.
func Upsert(rules []Rule, keyword string, patch Patch) (out []Rule, updated bool, err error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, false, errEmptyKeyword
	}
	if patch.Recurrence != nil && *patch.Recurrence != "" {
		if _, err := recurrence.Parse(*patch.Recurrence); err != nil {
			return nil, false, err
		}
	}
	if patch.DurationMinutes != nil && *patch.DurationMinutes < 0 {
		return nil, false, errNegative
	}
	if patch.ReminderMinutes != nil && *patch.ReminderMinutes < 0 {
		return nil, false, errNegative
	}

	out = make([]Rule, len(rules))
	for i, r := range rules {
		r.Match = slices.Clone(r.Match)
		out[i] = r
	}

	idx := slices.IndexFunc(out, func(r Rule) bool {
		return slices.ContainsFunc(r.Match, func(k string) bool { return fold(k) == fold(keyword) })
	})
	if idx < 0 {
		out = append(out, Rule{Match: []string{keyword}})
		idx = len(out) - 1
	} else {
		updated = true
	}

	r := &out[idx]
	if patch.DurationMinutes != nil {
		r.DurationMinutes = *patch.DurationMinutes
	}
	if patch.Color != nil {
		r.Color = *patch.Color
	}
	if patch.ReminderMinutes != nil {
		r.ReminderMinutes = *patch.ReminderMinutes
	}
	if patch.Recurrence != nil {
		r.Recurrence = *patch.Recurrence
	}
	if patch.CalendarName != nil {
		r.CalendarName = *patch.CalendarName
	}
	return out, updated, nil
}
