package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"icecron/internal/clock"
	"icecron/internal/eventbus"
	"icecron/internal/metrics"
	"icecron/internal/task"
	"icecron/internal/task/engine"
	"icecron/internal/task/table"
	logx "icecron/pkg/logx"

	rtsup "icecron/internal/runtime/supervisor"
)

const enqueueWarnThrottle = 5 * time.Second

// Service owns the task table and the ticker. Callers create one with New;
// there is no package-level scheduler.
type Service struct {
	mu     sync.Mutex
	sup    *rtsup.Supervisor // ticker goroutine, nil when stopped
	daemon bool

	log    logx.Logger
	bus    eventbus.Bus
	met    *metrics.Metrics
	clk    clock.Clock
	engine *engine.Service
	table  *table.Table
	warn   *logx.Throttle

	matchSecond atomic.Bool
	loc         atomic.Pointer[time.Location]

	ticks        atomic.Uint64
	ticksSkipped atomic.Uint64
	lastTick     atomic.Int64 // unix nanos of the last processed boundary
}

// Option configures New.
type Option func(*Service)

// WithClock replaces the real clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clk = c }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.met = m }
}

// New returns a stopped scheduler that submits to eng.
func New(cfg Config, eng *engine.Service, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		log:    log,
		clk:    clock.Real(),
		engine: eng,
		table:  table.New(),
		warn:   logx.NewThrottle(enqueueWarnThrottle),
		daemon: cfg.Daemon,
	}
	for _, o := range opts {
		o(s)
	}
	s.matchSecond.Store(cfg.MatchSecond)
	s.loc.Store(s.loadLocation(cfg.Timezone))
	return s
}

// Apply updates the tick resolution and time zone. A running ticker picks
// both up at its next wait.
func (s *Service) Apply(cfg Config) {
	s.SetMatchSecond(cfg.MatchSecond)
	s.SetLocation(s.loadLocation(cfg.Timezone))
}

func (s *Service) SetMatchSecond(on bool) {
	if s.matchSecond.Swap(on) != on {
		s.log.Info("tick resolution changed", logx.Bool("match_second", on))
	}
}

func (s *Service) MatchSecond() bool { return s.matchSecond.Load() }

// SetLocation sets the zone patterns are evaluated in. nil means time.Local.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	if prev := s.loc.Swap(loc); prev == nil || prev.String() != loc.String() {
		s.log.Info("timezone changed", logx.String("tz", loc.String()))
	}
}

func (s *Service) Location() *time.Location { return s.loc.Load() }

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Schedule parses patternText and registers t under a fresh id. On a parse
// error nothing is registered and the error is a *pattern.PatternError.
func (s *Service) Schedule(patternText string, t task.Task, opts ...EntryOption) (string, error) {
	id := uuid.NewString()
	if err := s.ScheduleID(id, patternText, t, opts...); err != nil {
		return "", err
	}
	return id, nil
}

// ScheduleID registers t under id, replacing any entry with that id.
func (s *Service) ScheduleID(id, patternText string, t task.Task, opts ...EntryOption) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("scheduler: id required")
	}
	if t == nil {
		return engine.ErrNilTask
	}
	p, err := ParsePattern(patternText)
	if err != nil {
		return err
	}
	var o entryOpts
	for _, fn := range opts {
		fn(&o)
	}
	s.table.Add(id, p, &entryTask{Task: t, opts: o})
	s.met.SetEntries(s.table.Len())

	fields := []logx.Field{logx.String("id", id), logx.String("pattern", p.String())}
	if s.log.Enabled(logx.LevelDebug) {
		if next, ok := NextFire(p, s.clk.Now().In(s.Location()), s.MatchSecond()); ok {
			fields = append(fields, logx.Time("next", next))
		}
	}
	s.log.Debug("task scheduled", fields...)
	return nil
}

// Remove unregisters id. It reports false when id was not registered.
// Runs already submitted are not affected.
func (s *Service) Remove(id string) bool {
	if !s.table.Remove(id) {
		return false
	}
	s.warn.Forget(id)
	if s.engine != nil {
		s.engine.Forget(id)
	}
	s.met.SetEntries(s.table.Len())
	s.log.Debug("task removed", logx.String("id", id))
	return true
}

// UpdatePattern swaps the pattern of an existing entry, keeping its task
// and options.
func (s *Service) UpdatePattern(id, patternText string) error {
	p, err := ParsePattern(patternText)
	if err != nil {
		return err
	}
	if !s.table.UpdatePattern(id, p) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.log.Debug("task pattern updated", logx.String("id", id), logx.String("pattern", p.String()))
	return nil
}

// Has reports whether id is registered.
func (s *Service) Has(id string) bool {
	_, ok := s.table.Get(id)
	return ok
}

// Entries lists registered entries in registration order with their next
// fire time.
func (s *Service) Entries() []EntryInfo {
	now := s.clk.Now().In(s.Location())
	ms := s.MatchSecond()
	snap := s.table.Snapshot()
	out := make([]EntryInfo, 0, len(snap))
	for _, e := range snap {
		info := EntryInfo{ID: e.ID, Pattern: e.Pattern.String(), Overlap: engine.OverlapAllow.String()}
		if next, ok := NextFire(e.Pattern, now, ms); ok {
			info.Next = next
		}
		if et, ok := e.Task.(*entryTask); ok {
			info.Overlap = et.opts.job.Overlap.String()
			if et.opts.timeout > 0 {
				info.Timeout = et.opts.timeout.String()
			}
		}
		out = append(out, info)
	}
	return out
}

// Clear removes every entry.
func (s *Service) Clear() {
	for _, e := range s.table.Snapshot() {
		s.Remove(e.ID)
	}
}

// Start launches the engine workers (if needed) and the ticker. Calling it
// on a running scheduler does nothing. With daemon set, Stop and Wait do
// not wait for the ticker goroutine to exit.
func (s *Service) Start(ctx context.Context, daemon bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		s.log.Debug("start ignored: already running")
		return nil
	}
	if s.engine != nil {
		s.engine.Start(ctx)
	}

	s.daemon = daemon
	s.lastTick.Store(0)
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithRestartHook(s.met.Restarted),
	)
	s.sup.GoRestart("ticker", s.run, rtsup.WithStopOnCleanExit(true), rtsup.WithPublishFirstError(true))

	s.log.Info("scheduler started",
		logx.Bool("daemon", daemon),
		logx.Bool("match_second", s.MatchSecond()),
		logx.String("tz", s.Location().String()),
		logx.Int("tasks", s.table.Len()),
	)
	return nil
}

// Stop halts the ticker. Runs already submitted keep going; use Shutdown to
// wait for them. Stopping a stopped scheduler does nothing.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, daemon := s.sup, s.daemon
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	if !daemon {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("ticker did not stop cleanly", logx.Err(err))
		}
	}
	s.log.Info("scheduler stopped")
}

// Wait blocks until the ticker exits (after Stop) or ctx is done. In daemon
// mode, or when the scheduler isn't running, it returns at once.
func (s *Service) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, daemon := s.sup, s.daemon
	s.mu.Unlock()
	if sup == nil || daemon {
		return nil
	}
	select {
	case <-sup.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the ticker and then drains the engine, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.Stop(ctx)
	if s.engine == nil {
		return nil
	}
	return s.engine.Drain(ctx)
}

func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	started, daemon := s.sup != nil, s.daemon
	s.mu.Unlock()

	snap := Snapshot{
		Started:      started,
		Daemon:       daemon,
		MatchSecond:  s.MatchSecond(),
		Timezone:     s.Location().String(),
		Ticks:        s.ticks.Load(),
		TicksSkipped: s.ticksSkipped.Load(),
		Entries:      s.Entries(),
	}
	if n := s.lastTick.Load(); n != 0 {
		snap.LastTick = time.Unix(0, n).In(s.Location())
	}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

// entryTask carries per-entry submit options alongside the task in the
// table.
type entryTask struct {
	task.Task
	opts entryOpts
}
