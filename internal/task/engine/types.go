package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"icecron/internal/task"
)

// Config controls the dispatcher. The scheduler only triggers; every
// execution setting lives here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int

	// RetryMax is the default retry count for jobs that don't set one.
	// 0 means a failed run is reported immediately.
	RetryMax int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// OverlapPolicy decides what happens when a job fires while an earlier run
// of the same task is still queued or executing.
type OverlapPolicy int

const (
	// OverlapAllow lets runs of one task execute concurrently.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops the new run while one is queued or running.
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	if p == OverlapSkipIfRunning {
		return "skip"
	}
	return "allow"
}

// ParseOverlapPolicy accepts "", "allow", "skip" and "skip_if_running".
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return OverlapAllow, nil
	case "skip", "skip_if_running", "skip-if-running":
		return OverlapSkipIfRunning, nil
	default:
		return OverlapAllow, fmt.Errorf("unknown overlap policy %q", s)
	}
}

type JobOptions struct {
	Overlap  OverlapPolicy
	RetryMax int
	// RetrySet makes RetryMax authoritative even when it is 0. Otherwise a
	// zero RetryMax falls back to Config.RetryMax.
	RetrySet      bool
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o JobOptions) withDefaults(cfg Config) JobOptions {
	if !o.RetrySet && o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	o.RetryMax = max(o.RetryMax, 0)
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Job is one requested execution of a task.
//
// Name is the logical task (the schedule entry id); ID identifies this run
// and is generated when empty.
type Job struct {
	ID      string
	Name    string
	Task    task.Task
	Timeout time.Duration
	Opt     JobOptions
}

// runState gates OverlapSkipIfRunning. A run holds it from enqueue until it
// finishes, so "queued" counts as running.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// RunEvent is the payload of task.* events on the bus.
type RunEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Submitted        uint64 `json:"submitted"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	SkippedOverlap   uint64 `json:"skipped_overlap"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history"`
}
