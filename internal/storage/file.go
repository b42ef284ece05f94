package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "icecron/pkg/logx"
)

// compactEvery is how many appends pass between retention compactions.
const compactEvery = 1000

// fileStore keeps runs in <prefix>.runs.jsonl, one record per line.
// With a retention set, the file is periodically rewritten without the
// expired records.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	path      string
	f         *os.File
	retention time.Duration
	writes    int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := filepath.Join(dir, base) + ".runs.jsonl"
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: runsPath, f: f, retention: cfg.Retention}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.retention > 0 && s.writes%compactEvery == 0 {
		if _, err := s.pruneLocked(time.Now().Add(-s.retention)); err != nil {
			s.log.Debug("run log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errors.New("run log closed")
	}
	all, err := readRuns(s.path)
	if err != nil {
		return nil, err
	}
	var out []RunRecord
	for _, r := range slices.Backward(all) {
		if task != "" && r.Task != task {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("run log closed")
	}
	return s.pruneLocked(cutoff)
}

// pruneLocked rewrites the log through a temp file and swaps it in.
func (s *fileStore) pruneLocked(cutoff time.Time) (int, error) {
	all, err := readRuns(s.path)
	if err != nil {
		return 0, err
	}
	keep := all[:0]
	for _, r := range all {
		if !r.Started.Before(cutoff) {
			keep = append(keep, r)
		}
	}
	removed := len(all) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}

	// The old handle points at the replaced inode.
	_ = s.f.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		s.f = nil
		return removed, err
	}
	s.f = nf
	return removed, nil
}

// readRuns loads every record in file order. Corrupt lines (a torn write
// after a crash) are skipped.
func readRuns(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.RunID == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
