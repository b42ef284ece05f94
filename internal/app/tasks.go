package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"icecron/internal/config"
	"icecron/internal/task/engine"
	"icecron/internal/task/scheduler"
	logx "icecron/pkg/logx"
)

func entryOptions(tc config.TaskConfig) ([]scheduler.EntryOption, error) {
	key := "tasks[" + tc.ID + "]"
	timeout, err := config.ParseDurationField(key+".timeout", tc.Timeout)
	if err != nil {
		return nil, err
	}
	base, err := config.ParseDurationField(key+".retry_base", tc.RetryBase)
	if err != nil {
		return nil, err
	}
	overlap, err := engine.ParseOverlapPolicy(tc.Overlap)
	if err != nil {
		return nil, fmt.Errorf("%s.overlap: %w", key, err)
	}
	opts := []scheduler.EntryOption{scheduler.WithOverlap(overlap)}
	if timeout > 0 {
		opts = append(opts, scheduler.WithTimeout(timeout))
	}
	if tc.RetryMax != nil || base > 0 {
		n := -1
		if tc.RetryMax != nil {
			n = *tc.RetryMax
		}
		opts = append(opts, scheduler.WithRetry(n, base))
	}
	return opts, nil
}

func newCommandTask(tc config.TaskConfig, log logx.Logger) *CommandTask {
	return &CommandTask{
		ID:   tc.ID,
		Argv: append([]string(nil), tc.Command...),
		Dir:  tc.Dir,
		Env:  envList(tc.Env),
		Log:  log,
	}
}

// scheduleTask (re)registers one configured task.
func (a *App) scheduleTask(tc config.TaskConfig) error {
	opts, err := entryOptions(tc)
	if err != nil {
		return err
	}
	t := newCommandTask(tc, a.log.With(logx.String("comp", "task"), logx.String("task", tc.ID)))
	if err := a.sched.ScheduleID(tc.ID, tc.Pattern, t, opts...); err != nil {
		return fmt.Errorf("tasks[%s]: %w", tc.ID, err)
	}
	return nil
}

// registerTasks schedules every enabled task. All failures are reported.
func (a *App) registerTasks(tasks []config.TaskConfig) error {
	var errs []error
	n := 0
	for _, tc := range tasks {
		if tc.Disabled {
			a.log.Debug("task disabled", logx.String("task", tc.ID))
			continue
		}
		if err := a.scheduleTask(tc); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	a.log.Info("tasks registered", logx.Int("count", n))
	return errors.Join(errs...)
}

// applyTasks moves the table from oldTasks to newTasks without touching
// entries that did not change.
func (a *App) applyTasks(oldTasks, newTasks []config.TaskConfig) config.TaskDiff {
	d := config.DiffTasks(oldTasks, newTasks)
	if d.Empty() {
		return d
	}
	byID := make(map[string]config.TaskConfig, len(newTasks))
	for _, tc := range newTasks {
		byID[strings.TrimSpace(tc.ID)] = tc
	}

	for _, id := range d.Removed {
		a.sched.Remove(id)
	}
	for _, id := range d.PatternOnly {
		if err := a.sched.UpdatePattern(id, byID[id].Pattern); err != nil {
			a.log.Warn("task pattern update failed", logx.String("task", id), logx.Err(err))
		}
	}
	for _, ids := range [][]string{d.Changed, d.Added} {
		for _, id := range ids {
			if err := a.scheduleTask(byID[id]); err != nil {
				a.log.Warn("task registration failed", logx.String("task", id), logx.Err(err))
			}
		}
	}
	a.log.Info("tasks updated",
		logx.Int("added", len(d.Added)),
		logx.Int("removed", len(d.Removed)),
		logx.Int("changed", len(d.Changed)),
		logx.Int("pattern_only", len(d.PatternOnly)),
	)
	return d
}

// ValidateConfig is Config.Validate plus pattern syntax for enabled tasks.
// The config watcher runs it before committing a reload.
func ValidateConfig(cfg *config.Config) error {
	errs := []error{cfg.Validate()}
	for _, tc := range cfg.Tasks {
		if tc.Disabled || strings.TrimSpace(tc.Pattern) == "" {
			continue
		}
		if _, err := scheduler.ParsePattern(tc.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%s].pattern: %w", tc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Preview is the upcoming fire times of one task.
type Preview struct {
	ID       string
	Pattern  string
	Disabled bool
	Next     []time.Time
}

// Check validates cfg and computes the next n fire times of every task
// after now, as the daemon would dispatch them.
func Check(cfg *config.Config, now time.Time, n int) ([]Preview, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	now = now.In(loc)

	out := make([]Preview, 0, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		pv := Preview{ID: tc.ID, Pattern: tc.Pattern, Disabled: tc.Disabled}
		if !tc.Disabled {
			p, err := scheduler.ParsePattern(tc.Pattern)
			if err != nil {
				return nil, err
			}
			at := now
			for range n {
				next, ok := scheduler.NextFire(p, at, cfg.Scheduler.MatchSecond)
				if !ok {
					break
				}
				pv.Next = append(pv.Next, next)
				at = next
			}
		}
		out = append(out, pv)
	}
	return out, nil
}
