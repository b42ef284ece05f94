package config

// Config is the daemon configuration file.
//
// Durations are Go duration strings ("500ms", "10s", "30m"); empty means
// the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the ticker.
type SchedulerConfig struct {
	// MatchSecond selects one-second ticks; otherwise the ticker fires on
	// minute boundaries and pattern seconds are ignored.
	MatchSecond bool `json:"match_second"`
	// Timezone is an IANA name; empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// Daemon makes Stop return without waiting for the ticker goroutine.
	// Only read at startup.
	Daemon bool `json:"daemon,omitempty"`
}

// EngineConfig controls the worker pool. Changing workers or queue_size
// on reload drains and restarts the pool.
//
// Defaults: workers 4, queue_size 256, history_size 200, retry_max 0,
// default_timeout "0s" (none).
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	storage: { driver: sqlite, path: ./icecron.db, retention: 720h }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (/healthz, /metrics,
// /tasks, /runs, /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TaskConfig is one scheduled command.
type TaskConfig struct {
	ID      string            `json:"id"`
	Pattern string            `json:"pattern"`
	Command []string          `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Timeout   string `json:"timeout,omitempty"`
	Overlap   string `json:"overlap,omitempty"`   // allow | skip
	RetryMax  *int   `json:"retry_max,omitempty"` // unset: engine.retry_max
	RetryBase string `json:"retry_base,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}
