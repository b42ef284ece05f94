package storage

import (
	"context"
	"sync/atomic"
	"time"

	"icecron/internal/eventbus"
	"icecron/internal/task/engine"
	logx "icecron/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Recorder copies finished and failed runs from the bus into a Store.
type Recorder struct {
	st  Store
	log logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	retention time.Duration

	written atomic.Uint64
	failed  atomic.Uint64
	pruned  atomic.Uint64
}

// NewRecorder subscribes immediately, so runs finishing before Run starts
// are buffered rather than lost.
func NewRecorder(st Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	ch, unsub := bus.Subscribe(512, eventbus.TaskFinished, eventbus.TaskFailed)
	return &Recorder{st: st, log: log, events: ch, unsub: unsub}
}

// SetRetention makes Run delete records older than d, once at start and
// then periodically. Zero keeps everything. Call before Run.
func (r *Recorder) SetRetention(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.retention = d
}

func pruneInterval(retention time.Duration) time.Duration {
	return min(time.Hour, max(retention/2, time.Minute))
}

// Run writes records until ctx is done, then flushes what is already
// buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()

	var pruneC <-chan time.Time
	if r.retention > 0 {
		r.prune(time.Now())
		t := time.NewTicker(pruneInterval(r.retention))
		defer t.Stop()
		pruneC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case now := <-pruneC:
			r.prune(now)
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(e)
		}
	}
}

func (r *Recorder) prune(now time.Time) {
	if r.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*appendTimeout)
	defer cancel()
	n, err := r.st.Prune(ctx, now.Add(-r.retention))
	if err != nil {
		r.log.Warn("run record prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.pruned.Add(uint64(n))
		r.log.Debug("run records pruned", logx.Int("count", n), logx.Duration("retention", r.retention))
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(e)
		default:
			return
		}
	}
}

func (r *Recorder) handle(e eventbus.Event) {
	ev, ok := e.Data.(engine.RunEvent)
	if !ok {
		return
	}
	rec := RunRecord{
		RunID:      ev.ID,
		Task:       ev.Name,
		Started:    ev.Started,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
		Panicked:   ev.Panicked,
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := r.st.AppendRun(ctx, rec); err != nil {
		r.failed.Add(1)
		r.log.Warn("run record append failed", logx.String("task", rec.Task), logx.String("run_id", rec.RunID), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// Written is the number of records stored so far.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed counts append errors.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Pruned counts records removed by retention.
func (r *Recorder) Pruned() uint64 { return r.pruned.Load() }
