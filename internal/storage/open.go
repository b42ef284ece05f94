package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "icecron/pkg/logx"
)

// Store is the persistence API used by the recorder and the debug server.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty task
	// matches every task; limit <= 0 means no limit.
	RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error)
	// Prune deletes records that started before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
