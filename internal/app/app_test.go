package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"icecron/internal/config"
	"icecron/internal/eventbus"
	"icecron/internal/storage"
	"icecron/internal/task/engine"
	"icecron/internal/task/scheduler"
	logx "icecron/pkg/logx"
)

func TestCommandTask(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		task    CommandTask
		wantErr string
		noRetry bool
	}{
		{name: "success", task: CommandTask{Argv: []string{"sh", "-c", "exit 0"}}},
		{name: "env", task: CommandTask{Argv: []string{"sh", "-c", `test "$ICECRON_TEST" = yes`}, Env: []string{"ICECRON_TEST=yes"}}},
		{name: "dir", task: CommandTask{Argv: []string{"sh", "-c", "test -f marker"}, Dir: dir}},
		{name: "exit code and output", task: CommandTask{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}}, wantErr: "exit status 3: boom"},
		{name: "missing binary", task: CommandTask{Argv: []string{"icecron-no-such-binary"}}, wantErr: "icecron-no-such-binary", noRetry: true},
		{name: "empty", task: CommandTask{}, wantErr: "empty command", noRetry: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.task.Execute(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Execute = %v, want error containing %q", err, tt.wantErr)
			}
			if engine.IsNoRetry(err) != tt.noRetry {
				t.Fatalf("IsNoRetry = %v, want %v", engine.IsNoRetry(err), tt.noRetry)
			}
		})
	}
}

func TestCommandTaskHonorsDeadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	task := &CommandTask{Argv: []string{"sleep", "10"}}
	start := time.Now()
	err := task.Execute(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute = %v, want deadline exceeded", err)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("command outlived its deadline by %v", took)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("abc"))
	if got := b.String(); got != "...6789abc" {
		t.Fatalf("String = %q", got)
	}
	if b.total != 13 {
		t.Fatalf("total = %d", b.total)
	}
}

func TestEnvListSorted(t *testing.T) {
	t.Parallel()
	got := envList(map[string]string{"B": "2", "A": "1"})
	if diff := cmp.Diff([]string{"A=1", "B=2"}, got); diff != "" {
		t.Fatalf("envList (-want +got):\n%s", diff)
	}
	if envList(nil) != nil {
		t.Fatal("envList(nil) should be nil")
	}
}

func TestMappings(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Logging:   config.LoggingConfig{Level: "info"},
		Scheduler: config.SchedulerConfig{MatchSecond: true, Timezone: "UTC"},
		Engine:    config.EngineConfig{Workers: 3, DefaultTimeout: "2s"},
		Storage:   &config.StorageConfig{Driver: "SQLite", Path: " runs.db ", Retention: "24h"},
		Debug:     config.DebugConfig{Enabled: true, Token: " t "},
	}

	if got := mapLogConfig(cfg, Options{LogLevel: "debug"}).Level; got != "debug" {
		t.Errorf("log level override = %q", got)
	}
	if got := mapSchedulerConfig(cfg, Options{Daemon: true}); !got.Daemon || !got.MatchSecond || got.Timezone != "UTC" {
		t.Errorf("scheduler config = %+v", got)
	}

	ec, err := mapEngineConfig(cfg)
	if err != nil || ec.Workers != 3 || ec.DefaultTimeout != 2*time.Second {
		t.Errorf("engine config = %+v, %v", ec, err)
	}

	sc, enabled, err := mapStorageConfig(cfg)
	want := storage.Config{Driver: "sqlite", Path: "runs.db", BusyTimeout: 5 * time.Second, Retention: 24 * time.Hour}
	if err != nil || !enabled {
		t.Fatalf("storage enabled=%v err=%v", enabled, err)
	}
	if diff := cmp.Diff(want, sc); diff != "" {
		t.Errorf("storage config (-want +got):\n%s", diff)
	}
	if _, enabled, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}}); enabled {
		t.Error("driver none should disable storage")
	}

	dc, err := mapDebugConfig(cfg)
	if err != nil || dc.Addr != "127.0.0.1:6060" || dc.Token != "t" || dc.WriteTimeout != 45*time.Second {
		t.Errorf("debug config = %+v, %v", dc, err)
	}
}

func TestEntryOptions(t *testing.T) {
	t.Parallel()
	if _, err := entryOptions(config.TaskConfig{ID: "x", Overlap: "sometimes"}); err == nil {
		t.Fatal("bad overlap accepted")
	}
	if _, err := entryOptions(config.TaskConfig{ID: "x", Timeout: "forever"}); err == nil {
		t.Fatal("bad timeout accepted")
	}
	two := 2
	opts, err := entryOptions(config.TaskConfig{ID: "x", Timeout: "1s", Overlap: "skip", RetryMax: &two})
	if err != nil || len(opts) != 3 {
		t.Fatalf("entryOptions = %d opts, %v", len(opts), err)
	}
}

func TestValidateConfigChecksPatterns(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Tasks: []config.TaskConfig{
		{ID: "ok", Pattern: "@hourly", Command: []string{"true"}},
		{ID: "bad", Pattern: "61 * * * *", Command: []string{"true"}},
		{ID: "off", Pattern: "nonsense", Command: []string{"true"}, Disabled: true},
	}}
	err := ValidateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "tasks[bad].pattern") {
		t.Fatalf("ValidateConfig = %v", err)
	}
	if strings.Contains(err.Error(), "tasks[off]") {
		t.Fatalf("disabled task validated: %v", err)
	}
}

func TestCheckPreviewsFireTimes(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 1, 10, 0, 30, 0, time.UTC)
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Tasks: []config.TaskConfig{
			{ID: "quarter", Pattern: "*/15 * * * *", Command: []string{"true"}},
			{ID: "seconds", Pattern: "*/10 * * * * *", Command: []string{"true"}},
			{ID: "off", Pattern: "@daily", Command: []string{"true"}, Disabled: true},
		},
	}
	got, err := Check(cfg, now, 3)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	at := func(h, m, s int) time.Time { return time.Date(2026, 6, 1, h, m, s, 0, time.UTC) }
	want := []Preview{
		{ID: "quarter", Pattern: "*/15 * * * *", Next: []time.Time{at(10, 15, 0), at(10, 30, 0), at(10, 45, 0)}},
		// minute mode: second field ignored, so every minute matches
		{ID: "seconds", Pattern: "*/10 * * * * *", Next: []time.Time{at(10, 1, 0), at(10, 2, 0), at(10, 3, 0)}},
		{ID: "off", Pattern: "@daily", Disabled: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Check (-want +got):\n%s", diff)
	}

	cfg.Scheduler.MatchSecond = true
	got, err = Check(cfg, now, 2)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if diff := cmp.Diff([]time.Time{at(10, 0, 40), at(10, 0, 50)}, got[1].Next); diff != "" {
		t.Fatalf("second mode (-want +got):\n%s", diff)
	}

	cfg.Tasks[0].Pattern = "* * *"
	if _, err := Check(cfg, now, 1); err == nil {
		t.Fatal("Check accepted a bad pattern")
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "icecron.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), `
logging: {level: error}
tasks:
  - {id: a, pattern: "99 * * * *", command: ["true"]}
`)
	if _, err := New(path, Options{}); err == nil || !strings.Contains(err.Error(), "tasks[a].pattern") {
		t.Fatalf("New = %v", err)
	}
}

func TestApplyTasksDiffsTable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging: {level: error}
scheduler: {timezone: UTC}
tasks:
  - {id: keep, pattern: "* * * * *", command: ["true"]}
  - {id: move, pattern: "0 * * * *", command: ["true"]}
  - {id: drop, pattern: "0 0 * * *", command: ["true"]}
  - {id: swap, pattern: "0 0 * * *", command: ["true"]}
`)
	a, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.closeStore()

	oldCfg := a.cfgm.Get()
	newTasks := []config.TaskConfig{
		{ID: "keep", Pattern: "* * * * *", Command: []string{"true"}},
		{ID: "move", Pattern: "30 * * * *", Command: []string{"true"}},
		{ID: "swap", Pattern: "0 0 * * *", Command: []string{"false"}, Overlap: "skip"},
		{ID: "new", Pattern: "@weekly", Command: []string{"true"}},
	}
	d := a.applyTasks(oldCfg.Tasks, newTasks)
	want := config.TaskDiff{Added: []string{"new"}, Removed: []string{"drop"}, Changed: []string{"swap"}, PatternOnly: []string{"move"}}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("diff (-want +got):\n%s", diff)
	}

	got := map[string]scheduler.EntryInfo{}
	for _, e := range a.sched.Entries() {
		got[e.ID] = e
	}
	if len(got) != 4 || got["drop"].ID != "" {
		t.Fatalf("entries = %v", got)
	}
	if got["move"].Pattern != "30 * * * *" || got["swap"].Overlap != "skip" || got["new"].ID != "new" {
		t.Fatalf("entries not updated: %+v", got)
	}
}

func TestAppRunsTasksAndRecordsRuns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := filepath.Join(dir, "ran")
	path := writeConfig(t, dir, `
logging: {level: error}
scheduler: {match_second: true, timezone: UTC}
engine: {workers: 2}
storage: {driver: file, path: `+filepath.Join(dir, "history")+`}
tasks:
  - id: touch
    pattern: "* * * * * *"
    command: [sh, -c, "echo x >> `+out+`"]
`)
	a, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reloaded, unsub := a.bus.Subscribe(4, eventbus.ConfigReloaded)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var recs []storage.RunRecord
	deadline := time.Now().Add(5 * time.Second)
	for len(recs) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		recs, err = a.store.RecentRuns(context.Background(), "touch", 10)
		if err != nil {
			t.Fatalf("RecentRuns: %v", err)
		}
	}
	if len(recs) == 0 || !recs[0].OK() {
		t.Fatalf("no successful run recorded: %+v", recs)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("command did not run: %v", err)
	}

	// Live reload through the same path the watcher uses.
	newCfg := *a.cfgm.Get()
	newCfg.Scheduler.MatchSecond = false
	newCfg.Tasks = nil
	a.applyConfig(ctx, a.cfgm.Get(), &newCfg)
	if a.sched.MatchSecond() || a.sched.Has("touch") {
		t.Fatal("reload not applied")
	}
	select {
	case e := <-reloaded:
		ev, ok := e.Data.(ReloadEvent)
		if !ok || !slices.Contains(ev.Sections, "tasks") || len(ev.Tasks.Removed) != 1 {
			t.Fatalf("reload event = %+v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config.reloaded event")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.sched.IsStarted() || a.engine.Running() {
		t.Fatal("components still running after Stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if recs, _ := st.RecentRuns(context.Background(), "", 0); len(recs) == 0 {
		t.Fatal("runs not persisted")
	}
}
