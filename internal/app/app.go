// Package app wires the daemon together: config, logging, metrics, the
// scheduler and its dispatcher, run-history storage and the debug server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"icecron/internal/config"
	"icecron/internal/eventbus"
	"icecron/internal/metrics"
	"icecron/internal/observability/debug"
	"icecron/internal/storage"
	"icecron/internal/task/engine"
	"icecron/internal/task/scheduler"
	logx "icecron/pkg/logx"

	rtsup "icecron/internal/runtime/supervisor"
)

type App struct {
	cfgPath string
	opt     Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus
	met  *metrics.Metrics

	store     storage.Store
	rec       *storage.Recorder
	recCancel context.CancelFunc
	recDone   chan struct{}

	engine *engine.Service
	sched  *scheduler.Service
	debug  *debug.Service
}

// ReloadEvent is the payload of config.reloaded events.
type ReloadEvent struct {
	Sections []string
	Tasks    config.TaskDiff
}

// New loads and validates the config at cfgPath and builds every component
// without starting any of them. Configured tasks are registered.
func New(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", cfgPath, err)
	}

	logSvc, base := logx.New(mapLogConfig(cfg, opt))
	log := base.With(logx.String("comp", "app"))

	bus := eventbus.New()
	met := metrics.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, base.With(logx.String("comp", "engine")), bus, met)
	sched := scheduler.New(mapSchedulerConfig(cfg, opt), eng, base.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(met),
	)

	a := &App{
		cfgPath: cfgPath,
		opt:     opt,
		cfgm:    cfgm,
		base:    base,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		met:     met,
		engine:  eng,
		sched:   sched,
	}

	// Storage (optional)
	var runs debug.RunSource
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = storage.NewRecorder(st, bus, base.With(logx.String("comp", "recorder")))
		a.rec.SetRetention(sc.Retention)
		runs = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.debug = debug.New(dcfg, base.With(logx.String("comp", "debug")), debug.Sources{
		Metrics: met.Handler(),
		Tasks:   sched,
		Runs:    runs,
	})

	if err := a.registerTasks(cfg.Tasks); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

// Scheduler exposes the scheduler, mainly for tests and diagnostics.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithRestartHook(a.met.Restarted),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	// The recorder outlives the app context so runs that finish while the
	// engine drains on shutdown are still written.
	if a.rec != nil {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.recCancel = cancel
		a.recDone = make(chan struct{})
		go func() {
			defer close(a.recDone)
			_ = a.rec.Run(rctx)
		}()
	}

	daemon := mapSchedulerConfig(a.cfgm.Get(), a.opt).Daemon
	if err := a.sched.Start(a.sup.Context(), daemon); err != nil {
		return err
	}
	a.debug.Start(a.sup.Context())

	// Keep this debug-level; task events fire every tick on busy tables.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			coalesce:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break coalesce
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("daemon", daemon))
	return nil
}

// applyConfig moves the running daemon from oldCfg to newCfg. Storage and
// the daemon flag only change on restart.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	a.logs.Apply(mapLogConfig(newCfg, a.opt))

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	if ec, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg, a.opt))

	var oldTasks []config.TaskConfig
	if oldCfg != nil {
		oldTasks = oldCfg.Tasks
	}
	td := a.applyTasks(oldTasks, newCfg.Tasks)

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: ReloadEvent{Sections: sections, Tasks: td}})
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Ticker first so nothing new is submitted, then let running jobs finish.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 10*time.Second, a.engine.Drain)
	a.step(ctx, "recorder", 2*time.Second, func(c context.Context) error {
		if a.recCancel == nil {
			return nil
		}
		a.recCancel()
		select {
		case <-a.recDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.closeStore() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, report when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
