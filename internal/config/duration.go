package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", key)
	}
	return d, nil
}

func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durations parses a batch of fields and reports every bad one at once.
type durations struct {
	errs []error
}

func (p *durations) parse(key, raw string) time.Duration {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	return d
}

func (p *durations) err() error { return errors.Join(p.errs...) }
