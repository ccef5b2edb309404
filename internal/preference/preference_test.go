package preference

import (
	"errors"
	"path/filepath"
	"testing"

	"assistcal/internal/calerr"
)

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }

func TestMatchFirstRuleWins(t *testing.T) {
	rules := []Rule{
		{Match: []string{"1:1", "one on one"}, DurationMinutes: 30, Color: "green"},
		{Match: []string{"meeting"}, DurationMinutes: 60, Color: "blue"},
	}
	def := DefaultRule()

	res := Match(Text("Weekly 1:1 meeting", ""), rules, def)
	if !res.Matched || res.Index != 0 || res.Keyword != "1:1" || res.Rule.Color != "green" {
		t.Fatalf("got %+v", res)
	}

	swapped := []Rule{rules[1], rules[0]}
	res = Match(Text("Weekly 1:1 meeting", ""), swapped, def)
	if !res.Matched || res.Index != 0 || res.Keyword != "meeting" || res.Rule.Color != "blue" {
		t.Fatalf("order should decide the winner, got %+v", res)
	}
}

func TestMatchCaseInsensitiveAndDescription(t *testing.T) {
	rules := []Rule{{Match: []string{"STRASSE"}, Color: "red"}, {Match: []string{"Dentist"}, DurationMinutes: 90}}

	res := Match(Text("Checkup", "with the dentist downtown"), rules, DefaultRule())
	if !res.Matched || res.Keyword != "Dentist" {
		t.Fatalf("description should be searched: %+v", res)
	}
	if res.Rule.DurationMinutes != 90 || res.Rule.Color != "bold_blue" || res.Rule.ReminderMinutes != 10 {
		t.Fatalf("unset fields should inherit defaults: %+v", res.Rule)
	}

	res = Match("Walk down the straße", rules, DefaultRule())
	if !res.Matched || res.Rule.Color != "red" {
		t.Fatalf("unicode case folding should match: %+v", res)
	}
}

func TestMatchFallsBackToDefault(t *testing.T) {
	def := Rule{DurationMinutes: 45, Color: "gray"}
	res := Match("lunch", []Rule{{Match: []string{""}}, {Match: []string{"gym"}}}, def)
	if res.Matched || res.Keyword != "" || res.Index != -1 || res.Rule.DurationMinutes != 45 {
		t.Fatalf("got %+v", res)
	}
}

func TestUpsert(t *testing.T) {
	rules := []Rule{{Match: []string{"Standup"}, DurationMinutes: 15}}

	out, updated, err := Upsert(rules, "standup", Patch{Color: strp("green")})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !updated || len(out) != 1 || out[0].Color != "green" || out[0].DurationMinutes != 15 {
		t.Fatalf("update in place failed: %+v updated=%v", out, updated)
	}
	if rules[0].Color != "" {
		t.Fatal("Upsert mutated its input")
	}

	out, updated, err = Upsert(out, "gym", Patch{DurationMinutes: intp(60), Recurrence: strp("FREQ=WEEKLY;BYDAY=MO")})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if updated || len(out) != 2 || out[1].Match[0] != "gym" || out[1].DurationMinutes != 60 {
		t.Fatalf("append failed: %+v", out)
	}

	if _, _, err := Upsert(out, "gym", Patch{Recurrence: strp("FREQ=YEARLY")}); !errors.Is(err, calerr.ErrInvalidRule) {
		t.Fatalf("invalid recurrence template should be rejected: %v", err)
	}
	if _, _, err := Upsert(out, "  ", Patch{}); err == nil {
		t.Fatal("empty keyword should be rejected")
	}
	if _, _, err := Upsert(out, "gym", Patch{ReminderMinutes: intp(-5)}); err == nil {
		t.Fatal("negative reminder should be rejected")
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "preferences.yaml")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if f.Defaults.DurationMinutes != 30 || len(f.Rules) != 0 {
		t.Fatalf("unexpected defaults: %+v", f)
	}

	f.Rules = append(f.Rules, Rule{Match: []string{"review", "retro"}, DurationMinutes: 45, Recurrence: "FREQ=WEEKLY;BYDAY=FR"})
	f.Rules = append(f.Rules, Rule{Match: []string{"review board"}, Color: "red"})
	if err := Save(path, f); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Rules) != 2 || got.Rules[0].Match[1] != "retro" || got.Rules[1].Color != "red" {
		t.Fatalf("round trip lost data or order: %+v", got.Rules)
	}
	if d := got.Defaults; d.DurationMinutes != 30 || d.Color != "bold_blue" || d.ReminderMinutes != 10 {
		t.Fatalf("defaults changed: %+v", d)
	}
}

func TestFileValidate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		ok   bool
	}{
		{"fine", Rule{Match: []string{"gym"}, Recurrence: "RRULE:FREQ=WEEKLY;BYDAY=MO"}, true},
		{"blank keywords", Rule{Match: []string{" ", ""}}, false},
		{"negative duration", Rule{Match: []string{"x"}, DurationMinutes: -1}, false},
		{"bad recurrence", Rule{Match: []string{"x"}, Recurrence: "FREQ=HOURLY"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DefaultFile()
			f.Rules = []Rule{tt.rule}
			if err := f.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
