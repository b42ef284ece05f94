package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"icecron/internal/eventbus"
	"icecron/internal/metrics"
	logx "icecron/pkg/logx"

	rtsup "icecron/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dispatcher: a bounded queue drained by a fixed worker pool.
// Submit never blocks, so a slow task can't stall whoever fires jobs.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	met *metrics.Metrics

	warn *logx.Throttle

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	draining bool

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	// pending counts accepted jobs that have not finished (queued + running).
	pending  atomic.Int64
	inFlight atomic.Int32

	submitted        atomic.Uint64
	completed        atomic.Uint64
	failed           atomic.Uint64
	droppedQueueFull atomic.Uint64
	skippedOverlap   atomic.Uint64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	opt        JobOptions
	state      *runState // non-nil when the overlap gate is held
}

// New builds a stopped dispatcher. bus and m may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		met:    m,
		warn:   logx.NewThrottle(warnThrottleEvery),
		states: make(map[string]*runState),
	}
}

// Running reports whether workers are accepting jobs.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil && !s.draining
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the configuration. When the pool size or queue size changes on
// a running dispatcher, it drains the old pool (bounded by ctx) and starts a
// new one.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.log.Info("dispatcher resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		_ = s.Drain(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.draining = false
	s.pending.Store(0)
	stopCh, queue := s.stopCh, s.q

	// Detached from the caller's cancellation: the pool lives until Stop.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithRestartHook(s.met.Restarted),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts the workers. Running tasks see their context canceled; jobs
// still queued are discarded. It waits for workers until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		discarded := s.discardQueued(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.draining = false
		s.mu.Unlock()
		s.met.SetQueueDepth(0)
		if discarded > 0 {
			s.log.Warn("dispatcher discarded queued jobs", logx.Int("count", discarded))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// Drain stops accepting jobs, waits for queued and running jobs to finish,
// then stops the pool. If ctx ends first the pool is stopped anyway and
// ctx.Err() is returned.
func (s *Service) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			s.Stop(ctx)
			return ctx.Err()
		case <-tick.C:
		}
	}
	s.Stop(ctx)
	return nil
}

func (s *Service) discardQueued(queue chan queuedJob) int {
	n := 0
	for {
		select {
		case qj := <-queue:
			if qj.state != nil {
				qj.state.release()
			}
			s.pending.Add(-1)
			n++
		default:
			return n
		}
	}
}

// Submit hands a job to the pool without blocking. A full queue drops the
// job and returns ErrQueueFull.
func (s *Service) Submit(j Job) error {
	if j.Task == nil {
		return ErrNilTask
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil
	stopping := s.stopDone != nil || s.draining
	s.mu.Unlock()

	if !running {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qj := queuedJob{job: j, enqueuedAt: now, timeout: timeout, opt: j.Opt.withDefaults(cfg)}

	if qj.opt.Overlap == OverlapSkipIfRunning {
		st := s.stateFor(j.Name)
		if !st.tryAcquire() {
			s.skippedOverlap.Add(1)
			s.met.Dropped("overlap_skip")
			s.publish(eventbus.TaskSkipped, now, RunEvent{ID: j.ID, Name: j.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("job skipped due to overlap", logx.String("task", j.Name), logx.String("id", j.ID))
			return ErrOverlapSkip
		}
		qj.state = st
	}

	s.pending.Add(1)
	select {
	case q <- qj:
		s.submitted.Add(1)
		s.met.SetQueueDepth(len(q))
		return nil
	default:
		s.pending.Add(-1)
		if qj.state != nil {
			qj.state.release()
		}
		s.onQueueFull(now, j, q)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Submitted:        s.submitted.Load(),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		SkippedOverlap:   s.skippedOverlap.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// History returns up to n most recent runs, newest last. n <= 0 returns all.
func (s *Service) History(n int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h := s.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]HistoryItem(nil), h...)
}

func (s *Service) stateFor(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

// Forget drops per-task bookkeeping for a task that no longer exists.
func (s *Service) Forget(name string) {
	s.stateMu.Lock()
	delete(s.states, name)
	s.stateMu.Unlock()
	s.warn.Forget(name)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev RunEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (s *Service) onQueueFull(now time.Time, j Job, q chan queuedJob) {
	n := s.droppedQueueFull.Add(1)
	s.met.Dropped("queue_full")
	s.publish(eventbus.TaskDropped, now, RunEvent{ID: j.ID, Name: j.Name, Started: now, Error: "queue_full"})

	if s.warn.Allow(j.Name) {
		s.log.Warn("job dropped: queue full",
			logx.String("task", j.Name),
			logx.String("id", j.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}
