package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"icecron/internal/eventbus"
	"icecron/internal/task/engine"
	"icecron/internal/task/pattern"
	"icecron/internal/task/table"
	logx "icecron/pkg/logx"
)

// TicksSkippedEvent is the payload of scheduler.ticks_skipped.
type TicksSkippedEvent struct {
	From  time.Time     `json:"from"`
	To    time.Time     `json:"to"`
	Step  time.Duration `json:"step"`
	Count int           `json:"count"`
}

// DispatchEvent is the payload of task.dispatched.
type DispatchEvent struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	Boundary time.Time `json:"boundary"`
}

func (s *Service) step() time.Duration {
	if s.MatchSecond() {
		return time.Second
	}
	return time.Minute
}

// run is the ticker loop. Resolution and zone are re-read before every
// wait, so SetMatchSecond and SetLocation apply from the next boundary.
//
// A tick that runs past the following boundary makes that boundary fire
// late, right away. Boundaries after it that have also passed are counted
// as skipped and never replayed.
func (s *Service) run(ctx context.Context) error {
	var last time.Time
	for {
		step := s.step()
		now := s.clk.Now()
		wait := now.Truncate(step).Add(step).Sub(now)
		if !last.IsZero() {
			// A due boundary wakes immediately. A clock that moved backwards
			// never stretches the wait past the next natural boundary.
			if d := last.Truncate(step).Add(step).Sub(now); d < wait {
				wait = max(d, 0)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clk.After(wait):
		}
		// Stop may race with the timer; a stopped ticker must not dispatch.
		if ctx.Err() != nil {
			return nil
		}

		loc := s.Location()
		waited := step
		step = s.step()
		current := s.clk.Now().In(loc).Truncate(step)
		boundary := current
		switch {
		case last.IsZero() || step != waited:
			// First tick, or the resolution changed during the wait.
		case current.Equal(last):
			continue
		case current.Before(last):
			s.log.Warn("clock moved backwards; resyncing", logx.Time("last", last), logx.Time("now", current))
			last = current
			continue
		default:
			if due := last.Truncate(step).Add(step).In(loc); due.Before(current) {
				boundary = due
				s.skipped(due, current, step, int(current.Sub(due)/step))
			}
		}
		last = current
		s.tick(ctx, boundary, step == time.Second)
	}
}

// tick matches one table snapshot against boundary and submits the hits.
// Nothing is submitted once ctx is done.
func (s *Service) tick(ctx context.Context, boundary time.Time, matchSecond bool) {
	s.ticks.Add(1)
	s.lastTick.Store(boundary.UnixNano())
	s.met.Tick()

	for _, e := range s.table.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if e.Pattern.Matches(boundary, matchSecond) {
			s.dispatch(e, boundary)
		}
	}
}

func (s *Service) dispatch(e table.Entry, boundary time.Time) {
	if s.engine == nil {
		return
	}
	j := engine.Job{Name: e.ID, Task: e.Task}
	if et, ok := e.Task.(*entryTask); ok {
		j.Task = et.Task
		j.Timeout = et.opts.timeout
		j.Opt = et.opts.job
	}
	j.ID = uuid.NewString()

	if err := s.engine.Submit(j); err != nil {
		s.reportSubmitError(e.ID, err)
		return
	}
	s.met.Dispatched(e.ID)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDispatched, Time: boundary, Data: DispatchEvent{ID: e.ID, RunID: j.ID, Boundary: boundary}})
	}
	s.log.Trace("task dispatched", logx.String("id", e.ID), logx.Time("boundary", boundary))
}

// skipped records the n boundaries after from, up to and including to,
// that the ticker passed over. They are not replayed.
func (s *Service) skipped(from, to time.Time, step time.Duration, n int) {
	s.ticksSkipped.Add(uint64(n))
	s.met.TicksSkipped(n)
	s.log.Debug("ticks skipped", logx.Time("from", from), logx.Time("to", to), logx.Int("count", n))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TicksSkipped, Time: to, Data: TicksSkippedEvent{From: from, To: to, Step: step, Count: n}})
	}
}

func (s *Service) reportSubmitError(id string, err error) {
	// Overlap skips are routine.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped", logx.String("id", id), logx.Err(err))
		return
	}
	if !s.warn.Allow(id) {
		return
	}
	s.log.Warn("failed to submit task", logx.String("id", id), logx.Err(err))
}

// NextFire is when a ticker would next dispatch p, given the tick
// resolution. In minute mode any second of a matching minute counts.
func NextFire(p *pattern.Pattern, now time.Time, matchSecond bool) (time.Time, bool) {
	if matchSecond {
		return p.Next(now)
	}
	t, ok := p.Next(now.Truncate(time.Minute).Add(59 * time.Second))
	if !ok {
		return time.Time{}, false
	}
	return t.Truncate(time.Minute), true
}
