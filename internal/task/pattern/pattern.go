package pattern

import "time"

// searchHorizon bounds Next. Patterns restricted to Feb 29 on a given
// weekday can take decades to recur; those report no result.
const searchHorizon = 5

// Pattern is an immutable compiled cron expression. It is safe for
// concurrent use.
type Pattern struct {
	source string
	alts   []expr
}

type expr struct {
	fields     [numFields]Matcher
	hasSeconds bool
}

// String returns the trimmed source text.
func (p *Pattern) String() string { return p.source }

// HasSeconds reports whether any alternative was written with a seconds field.
func (p *Pattern) HasSeconds() bool {
	for i := range p.alts {
		if p.alts[i].hasSeconds {
			return true
		}
	}
	return false
}

// Matches reports whether t satisfies the pattern. The second field is only
// consulted when matchSecond is true; otherwise t is treated at minute
// precision. Fields are read in t's own location.
func (p *Pattern) Matches(t time.Time, matchSecond bool) bool {
	for i := range p.alts {
		if p.alts[i].matches(t, matchSecond) {
			return true
		}
	}
	return false
}

// Next returns the earliest whole second strictly after `after` that the
// pattern matches with seconds enabled, searching at most searchHorizon
// years ahead. Results are in after's location.
func (p *Pattern) Next(after time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for i := range p.alts {
		t, ok := p.alts[i].next(after)
		if ok && (!found || t.Before(best)) {
			best, found = t, true
		}
	}
	return best, found
}

func (e *expr) matches(t time.Time, matchSecond bool) bool {
	f := &e.fields
	if matchSecond && !f[Second].Match(t.Second(), t) {
		return false
	}
	return f[Minute].Match(t.Minute(), t) &&
		f[Hour].Match(t.Hour(), t) &&
		f[Month].Match(int(t.Month()), t) &&
		f[Year].Match(t.Year(), t) &&
		e.dayMatches(t)
}

func (e *expr) dayMatches(t time.Time) bool {
	dom, dow := e.fields[DayOfMonth], e.fields[DayOfWeek]
	domOK := dom.Match(t.Day(), t)
	dowOK := dow.Match(int(t.Weekday()), t)
	switch {
	case dom.Restricted() && dow.Restricted():
		return domOK || dowOK
	case dom.Restricted():
		return domOK
	case dow.Restricted():
		return dowOK
	default:
		return true
	}
}

func (e *expr) next(after time.Time) (time.Time, bool) {
	loc := after.Location()
	t := after.Truncate(time.Second).Add(time.Second)
	limit := t.AddDate(searchHorizon, 0, 0)
	f := &e.fields

	for t.Before(limit) {
		y, mo, d := t.Date()
		h, mi, _ := t.Clock()
		var cand time.Time
		switch {
		case !f[Year].Match(y, t):
			cand = time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc)
		case !f[Month].Match(int(mo), t):
			cand = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
		case !e.dayMatches(t):
			cand = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
		case !f[Hour].Match(h, t):
			cand = time.Date(y, mo, d, h+1, 0, 0, 0, loc)
		case !f[Minute].Match(mi, t):
			cand = time.Date(y, mo, d, h, mi+1, 0, 0, loc)
		case !f[Second].Match(t.Second(), t):
			cand = t.Add(time.Second)
		default:
			return t, true
		}
		// Wall-clock arithmetic can land on an earlier instant around a
		// DST fold; fall back to plain progress.
		if !cand.After(t) {
			cand = t.Add(time.Second)
		}
		t = cand
	}
	return time.Time{}, false
}
