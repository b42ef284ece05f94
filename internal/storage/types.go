package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention drops records older than this on periodic pruning.
	// 0 keeps everything.
	Retention time.Duration
}

// RunRecord is one finished run. Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string        `json:"run_id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
}

// OK reports whether the run succeeded.
func (r RunRecord) OK() bool { return r.Error == "" }
