package app

import (
	"errors"
	"strings"
	"time"

	"icecron/internal/config"
	"icecron/internal/observability/debug"
	"icecron/internal/storage"
	"icecron/internal/task/engine"
	"icecron/internal/task/scheduler"
	logx "icecron/pkg/logx"
)

// Options are command-line overrides applied on top of the config file.
type Options struct {
	// Daemon forces the daemon ticker policy regardless of scheduler.daemon.
	Daemon bool
	// LogLevel overrides logging.level when set.
	LogLevel string
}

func mapLogConfig(cfg *config.Config, opt Options) logx.Config {
	level := cfg.Logging.Level
	if strings.TrimSpace(opt.LogLevel) != "" {
		level = opt.LogLevel
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config, opt Options) scheduler.Config {
	return scheduler.Config{
		MatchSecond: cfg.Scheduler.MatchSecond,
		Timezone:    cfg.Scheduler.Timezone,
		Daemon:      cfg.Scheduler.Daemon || opt.Daemon,
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	timeout, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	// Zero values fall through to the engine defaults.
	return engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    e.HistorySize,
		RetryMax:       e.RetryMax,
	}, nil
}

// mapStorageConfig reports enabled=false when storage is absent or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	var errs []error
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	errs = append(errs, err)
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   retention,
	}, true, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// pprof's profile endpoint streams for 30s by default.
	write, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 45*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          cfg.DebugAddr(),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
