package scheduler

import (
	"errors"
	"time"

	"icecron/internal/task/engine"
)

var ErrNotFound = errors.New("scheduler: task not found")

// Config is the live-tunable part of the scheduler. Daemon is only read by
// Start; the rest is applied immediately by Apply.
type Config struct {
	// MatchSecond selects one-second ticks. When false the ticker wakes once
	// per minute and the second field of every pattern is ignored.
	MatchSecond bool
	// Timezone is an IANA name. Empty means the process local zone.
	Timezone string
	Daemon   bool
}

// EntryOption tunes how an entry's runs are submitted to the engine.
type EntryOption func(*entryOpts)

type entryOpts struct {
	timeout time.Duration
	job     engine.JobOptions
}

// WithTimeout bounds each run of the entry.
func WithTimeout(d time.Duration) EntryOption {
	return func(o *entryOpts) { o.timeout = d }
}

func WithOverlap(p engine.OverlapPolicy) EntryOption {
	return func(o *entryOpts) { o.job.Overlap = p }
}

// WithRetry retries a failed run up to n times with backoff from base.
// n = 0 disables retries for the entry; a negative n keeps the engine's
// default count and only sets base.
func WithRetry(n int, base time.Duration) EntryOption {
	return func(o *entryOpts) {
		if n >= 0 {
			o.job.RetryMax = n
			o.job.RetrySet = true
		}
		o.job.RetryBase = base
	}
}

type EntryInfo struct {
	ID      string    `json:"id"`
	Pattern string    `json:"pattern"`
	Next    time.Time `json:"next,omitempty"`
	Timeout string    `json:"timeout,omitempty"`
	Overlap string    `json:"overlap"`
}

type Snapshot struct {
	Started      bool      `json:"started"`
	Daemon       bool      `json:"daemon"`
	MatchSecond  bool      `json:"match_second"`
	Timezone     string    `json:"timezone"`
	Ticks        uint64    `json:"ticks"`
	TicksSkipped uint64    `json:"ticks_skipped"`
	LastTick     time.Time `json:"last_tick,omitempty"`

	Entries []EntryInfo     `json:"entries"`
	Engine  engine.Snapshot `json:"engine"`
}
