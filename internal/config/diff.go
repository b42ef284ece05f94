package config

import (
	"reflect"
	"slices"
	"strings"

	logx "icecron/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (tokens are never included).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.match_second", newCfg.Scheduler.MatchSecond),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
		if oldCfg.Scheduler.Daemon != newCfg.Scheduler.Daemon {
			attrs = append(attrs, logx.Bool("scheduler.daemon_restart_required", true))
		}
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	// Compare the token by presence only so it never reaches a log line.
	oD, nD := oldCfg.Debug, newCfg.Debug
	tokenChanged := oD.Token != nD.Token
	oD.Token, nD.Token = "", ""
	if oD != nD || tokenChanged {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	if td := DiffTasks(oldCfg.Tasks, newCfg.Tasks); !td.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(td.Added)),
			logx.Int("tasks.removed", len(td.Removed)),
			logx.Int("tasks.changed", len(td.Changed)),
		)
	}

	slices.Sort(changed)
	return changed, attrs
}

// TaskDiff lists task ids by what happened to them between two configs.
// Disabled tasks count as absent.
type TaskDiff struct {
	Added   []string
	Removed []string
	// Changed tasks need their task rebuilt (command, env, options).
	Changed []string
	// PatternOnly tasks differ only in pattern and can be updated in place.
	PatternOnly []string
}

func (d TaskDiff) Empty() bool {
	return len(d.Added)+len(d.Removed)+len(d.Changed)+len(d.PatternOnly) == 0
}

func DiffTasks(oldTasks, newTasks []TaskConfig) TaskDiff {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			if id := strings.TrimSpace(t.ID); id != "" && !t.Disabled {
				m[id] = t
			}
		}
		return m
	}
	om, nm := index(oldTasks), index(newTasks)

	var d TaskDiff
	for id, n := range nm {
		o, ok := om[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case reflect.DeepEqual(o, n):
		default:
			o.Pattern = n.Pattern
			if reflect.DeepEqual(o, n) {
				d.PatternOnly = append(d.PatternOnly, id)
			} else {
				d.Changed = append(d.Changed, id)
			}
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Changed)
	slices.Sort(d.PatternOnly)
	return d
}
