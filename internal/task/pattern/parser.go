package pattern

import (
	"strconv"
	"strings"
)

// ParseField compiles the text of a single field.
func ParseField(f Field, text string) (Matcher, error) {
	if f < Second || f > Year {
		return Matcher{}, fieldErr(FieldNone, text, "unknown field %d", int(f))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Matcher{}, fieldErr(f, text, "empty field")
	}

	var (
		wild bool
		last bool
		set  bitset
	)
	for _, item := range strings.Split(text, ",") {
		switch {
		case item == "*" || item == "?":
			wild = true
		case f == DayOfMonth && (strings.EqualFold(item, "L") || item == "32"):
			last = true
		default:
			if err := parseItem(f, item, &set); err != nil {
				return Matcher{}, err
			}
		}
	}

	switch {
	case wild:
		return anyMatcher(f), nil
	case last && set.empty():
		return Matcher{kind: KindLastDay, field: f}, nil
	default:
		return Matcher{kind: KindSet, field: f, set: set, last: last}, nil
	}
}

// parseItem handles n, a-b, a/n, */n and a-b/n and sets the matching bits.
func parseItem(f Field, item string, set *bitset) error {
	if item == "" {
		return fieldErr(f, item, "empty list item")
	}
	b := fieldBounds[f]

	rangePart, stepPart, hasStep := strings.Cut(item, "/")
	step := 1
	if hasStep {
		if strings.Contains(stepPart, "/") {
			return fieldErr(f, item, "too many slashes")
		}
		n, err := strconv.Atoi(stepPart)
		if err != nil || n < 1 {
			return fieldErr(f, item, "step must be a positive integer")
		}
		// Any step wider than the field selects only the start value.
		step = min(n, b.max-b.min+1)
	}

	var lo, hi int
	switch {
	case rangePart == "*" || rangePart == "?":
		lo, hi = b.min, b.stepMax
	default:
		parts := strings.Split(rangePart, "-")
		switch len(parts) {
		case 1:
			v, err := parseValue(f, parts[0])
			if err != nil {
				return err
			}
			lo, hi = v, v
			if hasStep {
				hi = b.stepMax
				if lo > hi {
					hi = lo
				}
			}
		case 2:
			a, err := parseValue(f, parts[0])
			if err != nil {
				return err
			}
			z, err := parseValue(f, parts[1])
			if err != nil {
				return err
			}
			// "fri-sun" style ranges end on Sunday.
			if f == DayOfWeek && z == 0 && a > 0 {
				z = 7
			}
			lo, hi = a, z
		default:
			return fieldErr(f, item, "malformed range")
		}
	}
	if lo > hi {
		return fieldErr(f, item, "range start %d is after end %d", lo, hi)
	}

	for v := lo; v <= hi; v += step {
		n := v
		if f == DayOfWeek && n == 7 {
			n = 0
		}
		set.set(n - b.min)
		if v > hi-step {
			break
		}
	}
	return nil
}

func parseValue(f Field, tok string) (int, error) {
	b := fieldBounds[f]
	if tok == "" {
		return 0, fieldErr(f, tok, "empty value")
	}
	if b.names != nil {
		if v, ok := b.names[strings.ToLower(tok)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fieldErr(f, tok, "not a number or known name")
	}
	if v < b.min || v > b.max {
		return 0, fieldErr(f, tok, "value out of range [%d, %d]", b.min, b.max)
	}
	return v, nil
}

// Parse compiles a full cron expression: 5 fields (minute precision),
// 6 fields (with seconds) or 7 fields (with seconds and year). Alternatives
// separated by "|" are compiled independently.
func Parse(text string) (*Pattern, error) {
	src := strings.TrimSpace(text)
	if src == "" {
		return nil, &PatternError{Field: FieldNone, Token: text, Reason: "empty pattern"}
	}
	p := &Pattern{source: src}
	for _, alt := range strings.Split(src, "|") {
		e, err := parseExpr(strings.TrimSpace(alt))
		if err != nil {
			return nil, err
		}
		p.alts = append(p.alts, e)
	}
	return p, nil
}

// MustParse is Parse for package-level literals; it panics on error.
func MustParse(text string) *Pattern {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

func parseExpr(text string) (expr, error) {
	tokens := strings.Fields(text)
	var e expr
	var order []Field
	switch len(tokens) {
	case 5:
		order = []Field{Minute, Hour, DayOfMonth, Month, DayOfWeek}
		e.fields[Second] = Matcher{kind: KindSet, field: Second}
		e.fields[Second].set.set(0)
		e.fields[Year] = anyMatcher(Year)
	case 6:
		e.hasSeconds = true
		order = []Field{Second, Minute, Hour, DayOfMonth, Month, DayOfWeek}
		e.fields[Year] = anyMatcher(Year)
	case 7:
		e.hasSeconds = true
		order = []Field{Second, Minute, Hour, DayOfMonth, Month, DayOfWeek, Year}
	default:
		return expr{}, &PatternError{
			Field:  FieldNone,
			Token:  text,
			Reason: "expected 5, 6 or 7 fields, got " + strconv.Itoa(len(tokens)),
		}
	}
	for i, f := range order {
		m, err := ParseField(f, tokens[i])
		if err != nil {
			return expr{}, err
		}
		e.fields[f] = m
	}
	return e, nil
}
