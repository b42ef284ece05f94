package pattern

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// members evaluates m against every legal value of its field.
func members(m Matcher, f Field, ref time.Time) []int {
	b := fieldBounds[f]
	var out []int
	for v := b.min; v <= b.stepMax; v++ {
		if m.Match(v, ref) {
			out = append(out, v)
		}
	}
	return out
}

func TestParseFieldSets(t *testing.T) {
	t.Parallel()
	// January has 31 days, so L resolves to 31.
	ref := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		field Field
		text  string
		want  []int
	}{
		{name: "minute step", field: Minute, text: "*/15", want: []int{0, 15, 30, 45}},
		{name: "single second", field: Second, text: "5", want: []int{5}},
		{name: "range with step", field: Hour, text: "9-17/4", want: []int{9, 13, 17}},
		{name: "start with step", field: Minute, text: "10/20", want: []int{10, 30, 50}},
		{name: "list", field: Second, text: "1,2,40-42", want: []int{1, 2, 40, 41, 42}},
		{name: "month names", field: Month, text: "jan,MAR,Dec", want: []int{1, 3, 12}},
		{name: "month name range", field: Month, text: "Jun-Aug", want: []int{6, 7, 8}},
		{name: "weekday seven is sunday", field: DayOfWeek, text: "7", want: []int{0}},
		{name: "weekday range ending sunday", field: DayOfWeek, text: "fri-sun", want: []int{0, 5, 6}},
		{name: "weekday numeric range to seven", field: DayOfWeek, text: "5-7", want: []int{0, 5, 6}},
		{name: "weekday step", field: DayOfWeek, text: "*/2", want: []int{0, 2, 4, 6}},
		{name: "day with last", field: DayOfMonth, text: "1,15,L", want: []int{1, 15, 31}},
		{name: "years", field: Year, text: "2030-2032", want: []int{2030, 2031, 2032}},
		{name: "surrounding space", field: Hour, text: " 3 ", want: []int{3}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := ParseField(tt.field, tt.text)
			if err != nil {
				t.Fatalf("ParseField(%v, %q) error: %v", tt.field, tt.text, err)
			}
			if m.Kind() != KindSet {
				t.Fatalf("Kind = %v, want set", m.Kind())
			}
			if diff := cmp.Diff(tt.want, members(m, tt.field, ref)); diff != "" {
				t.Fatalf("members mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFieldKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		field Field
		text  string
		want  Kind
	}{
		{Minute, "*", KindAny},
		{DayOfWeek, "?", KindAny},
		{Hour, "1,*", KindAny},
		{DayOfMonth, "L", KindLastDay},
		{DayOfMonth, "l", KindLastDay},
		{DayOfMonth, "32", KindLastDay},
		{DayOfMonth, "L,3", KindSet},
		{Minute, "*/1", KindSet},
	}
	for _, tt := range tests {
		m, err := ParseField(tt.field, tt.text)
		if err != nil {
			t.Fatalf("ParseField(%v, %q) error: %v", tt.field, tt.text, err)
		}
		if m.Kind() != tt.want {
			t.Fatalf("ParseField(%v, %q).Kind() = %v, want %v", tt.field, tt.text, m.Kind(), tt.want)
		}
	}
}

func TestParseFieldErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		field Field
		text  string
	}{
		{Minute, "60"},
		{Hour, "-1"},
		{Hour, "5-2"},
		{Minute, "*/0"},
		{Minute, "*/x"},
		{Minute, "1/2/3"},
		{Minute, "*/99999999999999999999"},
		{Minute, "1-2-3"},
		{Month, "foo"},
		{Month, "13"},
		{DayOfWeek, "8"},
		{DayOfWeek, "sat-mon"},
		{Minute, "L"},
		{Minute, ""},
		{Minute, "   "},
		{Minute, "1,,2"},
		{DayOfMonth, "0"},
		{DayOfMonth, "1-32"},
		{DayOfMonth, "L/2"},
		{Year, "1969"},
		{Year, "2100"},
	}
	for _, tt := range tests {
		_, err := ParseField(tt.field, tt.text)
		if err == nil {
			t.Fatalf("ParseField(%v, %q) expected error", tt.field, tt.text)
		}
		if !errors.Is(err, ErrInvalidPattern) {
			t.Fatalf("ParseField(%v, %q) error %v does not wrap ErrInvalidPattern", tt.field, tt.text, err)
		}
		var pe *PatternError
		if !errors.As(err, &pe) {
			t.Fatalf("ParseField(%v, %q) error is %T, want *PatternError", tt.field, tt.text, err)
		}
		if pe.Field != tt.field {
			t.Fatalf("ParseField(%v, %q) error field = %v", tt.field, tt.text, pe.Field)
		}
		if pe.Reason == "" {
			t.Fatalf("ParseField(%v, %q) error has no reason", tt.field, tt.text)
		}
	}
}

func TestParseFieldCounts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text       string
		ok         bool
		hasSeconds bool
	}{
		{text: "* * * * *", ok: true, hasSeconds: false},
		{text: "0 * * * * *", ok: true, hasSeconds: true},
		{text: "0 0 0 1 1 ? 2030", ok: true, hasSeconds: true},
		{text: "  0  0 12 * * ?  ", ok: true, hasSeconds: true},
		{text: "* * * *"},
		{text: "* * * * * * * *"},
		{text: ""},
		{text: "   "},
	}
	for _, tt := range tests {
		p, err := Parse(tt.text)
		if !tt.ok {
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.text)
			}
			if !errors.Is(err, ErrInvalidPattern) {
				t.Fatalf("Parse(%q) error %v does not wrap ErrInvalidPattern", tt.text, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.text, err)
		}
		if p.HasSeconds() != tt.hasSeconds {
			t.Fatalf("Parse(%q).HasSeconds() = %v", tt.text, p.HasSeconds())
		}
	}
}

func TestParseReportsFailingField(t *testing.T) {
	t.Parallel()
	_, err := Parse("0 0 25 * * ?")
	var pe *PatternError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PatternError", err)
	}
	if pe.Field != Hour || pe.Token != "25" {
		t.Fatalf("got field=%v token=%q", pe.Field, pe.Token)
	}

	_, err = Parse("1 2 3")
	if !errors.As(err, &pe) || pe.Field != FieldNone {
		t.Fatalf("field count error = %v", err)
	}
}

func TestParseAlternatives(t *testing.T) {
	t.Parallel()
	p, err := Parse("0 0 12 * * ? | 30 8 * * MON")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got := p.String(); got != "0 0 12 * * ? | 30 8 * * MON" {
		t.Fatalf("String() = %q", got)
	}
	if !p.HasSeconds() {
		t.Fatal("HasSeconds() = false, want true from first alternative")
	}

	noon := time.Date(2026, time.June, 2, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2026, time.June, 8, 8, 30, 0, 0, time.UTC)
	tuesday := time.Date(2026, time.June, 2, 8, 30, 0, 0, time.UTC)
	if !p.Matches(noon, true) || !p.Matches(monday, true) {
		t.Fatal("expected both alternatives to match")
	}
	if p.Matches(tuesday, true) {
		t.Fatal("tuesday 08:30 should not match")
	}

	if _, err := Parse("0 0 12 * * ?|bad"); err == nil {
		t.Fatal("expected error for bad alternative")
	}
}

func TestMustParsePanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("MustParse did not panic")
		}
	}()
	MustParse("nope")
}

func TestMatcherValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field Field
		text  string
		want  []int
	}{
		{Minute, "5,1,3", []int{1, 3, 5}},
		{Hour, "20-23", []int{20, 21, 22, 23}},
		{DayOfWeek, "fri-sun", []int{0, 5, 6}},
		{Month, "*", nil},
		{DayOfMonth, "L", nil},
	}
	for _, tt := range tests {
		m, err := ParseField(tt.field, tt.text)
		if err != nil {
			t.Fatalf("ParseField(%v, %q): %v", tt.field, tt.text, err)
		}
		if diff := cmp.Diff(tt.want, m.Values()); diff != "" {
			t.Errorf("Values(%v, %q) mismatch (-want +got):\n%s", tt.field, tt.text, diff)
		}
	}
}

func TestParseHugeStepSelectsStartOnly(t *testing.T) {
	t.Parallel()
	tests := []struct {
		field Field
		text  string
		want  []int
	}{
		{Second, "1/9223372036854775807", []int{1}},
		{Minute, "*/9223372036854775807", []int{0}},
		{Hour, "3-20/100", []int{3}},
		{Year, "1999/9223372036854775807", []int{1999}},
		{Minute, "*/60", []int{0}},
	}
	for _, tt := range tests {
		m, err := ParseField(tt.field, tt.text)
		if err != nil {
			t.Fatalf("ParseField(%v, %q): %v", tt.field, tt.text, err)
		}
		if diff := cmp.Diff(tt.want, m.Values()); diff != "" {
			t.Errorf("ParseField(%v, %q) values mismatch (-want +got):\n%s", tt.field, tt.text, diff)
		}
	}

	for _, text := range []string{
		"1/9223372036854775807 * * * * *",
		"* * * * * * 1999/9223372036854775807",
	} {
		if _, err := Parse(text); err != nil {
			t.Errorf("Parse(%q): %v", text, err)
		}
	}
}
