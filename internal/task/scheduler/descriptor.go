package scheduler

import (
	"strings"

	"icecron/internal/task/pattern"
)

// descriptors are the crontab shorthands. They expand to six-field
// patterns, so they fire on second zero in either tick mode.
var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 *",
	"@annually": "0 0 0 1 1 *",
	"@monthly":  "0 0 0 1 * *",
	"@weekly":   "0 0 0 * * 0",
	"@daily":    "0 0 0 * * *",
	"@midnight": "0 0 0 * * *",
	"@hourly":   "0 0 * * * *",
}

// expandPattern resolves a descriptor and strips an optional "cron:"
// prefix. Anything else is returned trimmed for the pattern parser.
func expandPattern(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 5 && strings.EqualFold(s[:5], "cron:") {
		s = strings.TrimSpace(s[5:])
	}
	if strings.HasPrefix(s, "@") {
		if p, ok := descriptors[strings.ToLower(s)]; ok {
			return p
		}
	}
	return s
}

// ParsePattern accepts everything Schedule does: descriptors, the "cron:"
// prefix and plain patterns.
func ParsePattern(text string) (*pattern.Pattern, error) {
	return pattern.Parse(expandPattern(text))
}
