package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"icecron/internal/eventbus"
	"icecron/internal/task/engine"
	logx "icecron/pkg/logx"
)

var base = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func openTest(t *testing.T, driver string, retention time.Duration) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "runs.db"), Retention: retention}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(id, task string, at time.Duration, errStr string) RunRecord {
	return RunRecord{
		RunID:    id,
		Task:     task,
		Started:  base.Add(at),
		Duration: 150 * time.Millisecond,
		Attempts: 1,
		Error:    errStr,
	}
}

// Stores may hand back times in a different location; compare instants.
var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without path accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file without path accepted")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, driver, 0)

			in := []RunRecord{
				rec("r1", "backup", 0, ""),
				rec("r2", "report", time.Minute, "exit status 1"),
				rec("r3", "backup", 2*time.Minute, ""),
			}
			in[1].Panicked = true
			for _, r := range in {
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, "", 0)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			want := []RunRecord{in[2], in[1], in[0]}
			if diff := cmp.Diff(want, got, timeEqual); diff != "" {
				t.Fatalf("all runs (-want +got):\n%s", diff)
			}

			got, _ = st.RecentRuns(ctx, "backup", 1)
			if diff := cmp.Diff([]RunRecord{in[2]}, got, timeEqual); diff != "" {
				t.Fatalf("filtered runs (-want +got):\n%s", diff)
			}
			if !got[0].OK() || !want[1].Panicked || want[1].OK() {
				t.Fatal("OK/Panicked mismatch")
			}

			n, err := st.Prune(ctx, base.Add(90*time.Second))
			if err != nil || n != 2 {
				t.Fatalf("Prune = %d, %v; want 2", n, err)
			}
			got, _ = st.RecentRuns(ctx, "", 0)
			if len(got) != 1 || got[0].RunID != "r3" {
				t.Fatalf("after prune: %+v", got)
			}

			// Writes keep working after a prune rewrote the log.
			if err := st.AppendRun(ctx, rec("r4", "report", 3*time.Minute, "")); err != nil {
				t.Fatalf("AppendRun after prune: %v", err)
			}
			got, _ = st.RecentRuns(ctx, "report", 0)
			if len(got) != 1 || got[0].RunID != "r4" {
				t.Fatalf("after append: %+v", got)
			}
		})
	}
}

func TestStoresSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state", "runs.db")}

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			for i := 0; i < 3; i++ {
				if err := st.AppendRun(ctx, rec(fmt.Sprintf("r%d", i), "t", time.Duration(i)*time.Second, "")); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.RecentRuns(ctx, "t", 0)
			if err != nil || len(got) != 3 || got[0].RunID != "r2" {
				t.Fatalf("after reopen: %+v, %v", got, err)
			}
		})
	}
}

func TestFileStoreRetentionCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t, "file", time.Hour)

	old := time.Now().Add(-2 * time.Hour)
	for i := 0; i < compactEvery-1; i++ {
		r := RunRecord{RunID: fmt.Sprintf("old-%d", i), Task: "t", Started: old, Attempts: 1}
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	// The compactEvery-th write triggers compaction.
	if err := st.AppendRun(ctx, RunRecord{RunID: "new", Task: "t", Started: time.Now(), Attempts: 1}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	got, err := st.RecentRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "new" {
		t.Fatalf("got %d records, want only the fresh one: %+v", len(got), got[:min(len(got), 3)])
	}
}

func TestRecorderStoresRunEvents(t *testing.T) {
	t.Parallel()
	st := openTest(t, "sqlite", 0)
	bus := eventbus.New()
	r := NewRecorder(st, bus, logx.Nop())

	bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.RunEvent{ID: "a", Name: "backup", Started: base, Attempts: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.RunEvent{ID: "b", Name: "backup", Started: base.Add(time.Second), Attempts: 2, Error: "boom"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: engine.RunEvent{ID: "c", Name: "backup", Started: base}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for r.Written() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.RecentRuns(context.Background(), "backup", 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 || got[0].RunID != "b" || got[0].Error != "boom" || got[0].Attempts != 2 || got[1].RunID != "a" {
		t.Fatalf("records = %+v", got)
	}
	if r.Failed() != 0 {
		t.Fatalf("Failed = %d", r.Failed())
	}
}

func TestRecorderPrunesExpiredRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t, "sqlite", 0)
	now := time.Now()
	for _, r := range []RunRecord{
		{RunID: "old", Task: "t", Started: now.Add(-3 * time.Hour), Attempts: 1},
		{RunID: "fresh", Task: "t", Started: now.Add(-time.Minute), Attempts: 1},
	} {
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	r := NewRecorder(st, eventbus.New(), logx.Nop())
	r.SetRetention(time.Hour)
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(rctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for r.Pruned() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.RecentRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "fresh" {
		t.Fatalf("records after prune = %+v", got)
	}
}

func TestPruneInterval(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct{ retention, want time.Duration }{
		{30 * time.Second, time.Minute},
		{time.Hour, 30 * time.Minute},
		{720 * time.Hour, time.Hour},
	} {
		if got := pruneInterval(tt.retention); got != tt.want {
			t.Errorf("pruneInterval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}
