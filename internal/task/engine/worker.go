package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"icecron/internal/eventbus"
	logx "icecron/pkg/logx"
)

// Runs at or above this duration are logged at info instead of debug.
const slowRun = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, idx int) {
	// Per-worker RNG so retry jitter doesn't contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.met.SetQueueDepth(len(queue))
			s.inFlight.Add(1)
			s.met.AddInFlight(1)
			s.execOne(ctx, stopCh, qj, rng)
			s.met.AddInFlight(-1)
			s.inFlight.Add(-1)
			s.pending.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	j := qj.job
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.log.Debug("task.started", logx.String("task", j.Name), logx.String("id", j.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, RunEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay})

	var (
		err      error
		panicked bool
		attempts int
	)
	maxAttempts := 1 + qj.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err, panicked = s.runOnce(ctx, qj)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qj.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", j.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	// Reopen the overlap gate before anyone can observe the outcome.
	if qj.state != nil {
		qj.state.release()
	}

	dur := time.Since(start)
	ev := RunEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Panicked: panicked}
	if err != nil {
		ev.Error = err.Error()
		s.failed.Add(1)
	} else {
		s.completed.Add(1)
	}
	s.met.ObserveRun(j.Name, dur, err)
	s.record(HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: ev.Error})

	if err != nil {
		s.log.Warn("task.failed", logx.String("task", j.Name), logx.String("id", j.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
		return
	}
	fields := []logx.Field{logx.String("task", j.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
	if dur >= slowRun {
		s.log.Info("task.completed", fields...)
	} else {
		s.log.Debug("task.completed", fields...)
	}
	s.publish(eventbus.TaskFinished, time.Now(), ev)
}

// runOnce executes one attempt, converting a panic into an ErrTaskPanic error
// so a bad task can't kill its worker.
func (s *Service) runOnce(ctx context.Context, qj queuedJob) (err error, panicked bool) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			s.log.Error("task.panic", logx.String("task", qj.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qj.job.Task.Execute(runCtx), false
}

func backoffDelayWithHint(opt JobOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt JobOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
