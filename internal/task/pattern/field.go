package pattern

import "time"

// Field identifies one calendar field of a cron expression.
type Field int

const (
	FieldNone Field = iota - 1
	Second
	Minute
	Hour
	DayOfMonth
	Month
	DayOfWeek
	Year

	numFields = int(Year) + 1
)

func (f Field) String() string {
	switch f {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case DayOfMonth:
		return "day-of-month"
	case Month:
		return "month"
	case DayOfWeek:
		return "day-of-week"
	case Year:
		return "year"
	default:
		return "pattern"
	}
}

// bounds is the valid numeric range of a field plus its name aliases.
// stepMax caps implicit ranges (* and a/n); it differs from max only for
// day-of-week, where 7 is an alias for Sunday and must not be generated twice.
type bounds struct {
	min, max int
	stepMax  int
	names    map[string]int
}

var fieldBounds = [numFields]bounds{
	Second:     {min: 0, max: 59, stepMax: 59},
	Minute:     {min: 0, max: 59, stepMax: 59},
	Hour:       {min: 0, max: 23, stepMax: 23},
	DayOfMonth: {min: 1, max: 31, stepMax: 31},
	Month: {min: 1, max: 12, stepMax: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}},
	DayOfWeek: {min: 0, max: 7, stepMax: 6, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}},
	Year: {min: 1970, max: 2099, stepMax: 2099},
}

// bitset is a presence set over a field's range, offset by the field minimum.
// 192 bits cover the widest field (year, 130 values).
type bitset [3]uint64

func (b *bitset) set(i int)     { b[i>>6] |= 1 << uint(i&63) }
func (b bitset) has(i int) bool { return i >= 0 && i < 192 && b[i>>6]&(1<<uint(i&63)) != 0 }
func (b bitset) empty() bool    { return b[0]|b[1]|b[2] == 0 }

// Kind enumerates the matcher variants.
type Kind uint8

const (
	kindInvalid Kind = iota
	// KindAny accepts every value (* or ?).
	KindAny
	// KindSet accepts the values in a fixed set. On day-of-month the set may
	// additionally accept the last day of the month ("1,L").
	KindSet
	// KindLastDay accepts only the last day of the timestamp's month.
	KindLastDay
)

func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindSet:
		return "set"
	case KindLastDay:
		return "last-day"
	default:
		return "invalid"
	}
}

// Matcher is a compiled constraint for one calendar field.
// The zero value is invalid and matches nothing.
type Matcher struct {
	kind  Kind
	field Field
	set   bitset
	last  bool
}

// Kind reports the matcher variant.
func (m Matcher) Kind() Kind { return m.kind }

// Restricted reports whether the matcher constrains its field at all.
func (m Matcher) Restricted() bool { return m.kind != KindAny }

// Match reports whether value satisfies the constraint. t is the full
// timestamp being tested; only the last-day variants look at it.
func (m Matcher) Match(value int, t time.Time) bool {
	switch m.kind {
	case KindAny:
		return true
	case KindSet:
		if m.last && value == daysIn(t.Month(), t.Year()) {
			return true
		}
		return m.set.has(value - fieldBounds[m.field].min)
	case KindLastDay:
		return value == daysIn(t.Month(), t.Year())
	default:
		return false
	}
}

// Values lists the explicit members of a KindSet matcher in ascending order.
// Day-of-week 7 is reported as 0. It returns nil for other kinds.
func (m Matcher) Values() []int {
	if m.kind != KindSet {
		return nil
	}
	b := fieldBounds[m.field]
	var out []int
	for v := b.min; v <= b.max; v++ {
		if m.set.has(v - b.min) {
			out = append(out, v)
		}
	}
	return out
}

func anyMatcher(f Field) Matcher { return Matcher{kind: KindAny, field: f} }

func daysIn(m time.Month, year int) int {
	// Day 0 of the next month normalizes to the last day of m.
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
