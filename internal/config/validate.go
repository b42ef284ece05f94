package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"icecron/internal/task/engine"
	logx "icecron/pkg/logx"
)

// Validate checks everything that can be checked without building
// components. Pattern syntax is checked by the caller, which owns the
// parser. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	var d durations

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q (want console or json)", c.Logging.Format))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled is true"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	e := c.Engine
	for key, v := range map[string]int{
		"engine.workers":      e.Workers,
		"engine.queue_size":   e.QueueSize,
		"engine.history_size": e.HistorySize,
		"engine.retry_max":    e.RetryMax,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", key))
		}
	}
	d.parse("engine.default_timeout", e.DefaultTimeout)

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		d.parse("storage.busy_timeout", s.BusyTimeout)
		d.parse("storage.retention", s.Retention)
	}

	d.parse("debug.read_timeout", c.Debug.ReadTimeout)
	d.parse("debug.write_timeout", c.Debug.WriteTimeout)
	d.parse("debug.idle_timeout", c.Debug.IdleTimeout)
	if c.Debug.Enabled && !c.Debug.AllowInsecure && strings.TrimSpace(c.Debug.Token) == "" && !isLoopback(c.Debug.Addr) {
		errs = append(errs, fmt.Errorf("debug.addr %q is not loopback: set debug.token or debug.allow_insecure", c.Debug.Addr))
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		key := fmt.Sprintf("tasks[%d]", i)
		id := strings.TrimSpace(t.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", key))
		} else {
			key = fmt.Sprintf("tasks[%s]", id)
			if seen[id] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", key))
			}
			seen[id] = true
		}
		if strings.TrimSpace(t.Pattern) == "" {
			errs = append(errs, fmt.Errorf("%s.pattern is required", key))
		}
		if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", key))
		}
		if _, err := engine.ParseOverlapPolicy(t.Overlap); err != nil {
			errs = append(errs, fmt.Errorf("%s.overlap: %w", key, err))
		}
		if t.RetryMax != nil && *t.RetryMax < 0 {
			errs = append(errs, fmt.Errorf("%s.retry_max must be >= 0", key))
		}
		d.parse(key+".timeout", t.Timeout)
		d.parse(key+".retry_base", t.RetryBase)
	}

	errs = append(errs, d.err())
	return errors.Join(errs...)
}

// DebugAddr returns the configured listen address or the loopback default.
func (c *Config) DebugAddr() string {
	if a := strings.TrimSpace(c.Debug.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
