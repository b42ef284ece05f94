package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"icecron/internal/metrics"
	"icecron/internal/storage"
	"icecron/internal/task/scheduler"
	logx "icecron/pkg/logx"
)

type stubTasks struct{ snap scheduler.Snapshot }

func (s stubTasks) Snapshot() scheduler.Snapshot { return s.snap }

type stubRuns struct {
	recs      []storage.RunRecord
	err       error
	gotTask   string
	gotLimit  int
	callCount int
}

func (s *stubRuns) RecentRuns(_ context.Context, task string, limit int) ([]storage.RunRecord, error) {
	s.callCount++
	s.gotTask, s.gotLimit = task, limit
	return s.recs, s.err
}

var started = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestService(runs RunSource) *Service {
	m := metrics.New()
	m.Tick()
	return New(Config{Enabled: true}, logx.Nop(), Sources{
		Metrics: m.Handler(),
		Tasks: stubTasks{snap: scheduler.Snapshot{
			Started:  true,
			Timezone: "UTC",
			Entries: []scheduler.EntryInfo{
				{ID: "backup", Pattern: "0 0 3 * * ?", Overlap: "allow"},
				{ID: "report", Pattern: "@daily", Overlap: "skip"},
			},
		}},
		Runs: runs,
	})
}

func get(t *testing.T, h http.Handler, target string, hdr ...string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	runs := &stubRuns{recs: []storage.RunRecord{{RunID: "r1", Task: "backup", Started: started, Attempts: 1}}}
	h := newTestService(runs).Handler("")

	tests := []struct {
		target string
		code   int
		body   string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "icecron_scheduler_ticks_total 1"},
		{"/tasks", http.StatusOK, `"id": "backup"`},
		{"/tasks/report", http.StatusOK, `"overlap": "skip"`},
		{"/tasks/nope", http.StatusNotFound, "task not found"},
		{"/runs", http.StatusOK, `"run_id": "r1"`},
		{"/runs?limit=0", http.StatusBadRequest, "limit"},
		{"/debug/pprof/", http.StatusOK, "goroutine"},
	}
	for _, tt := range tests {
		code, body := get(t, h, tt.target)
		if code != tt.code || !strings.Contains(body, tt.body) {
			t.Errorf("GET %s = %d %q, want %d containing %q", tt.target, code, body, tt.code, tt.body)
		}
	}
}

func TestTasksSnapshotDecodes(t *testing.T) {
	t.Parallel()
	h := newTestService(nil).Handler("")
	code, body := get(t, h, "/tasks")
	if code != http.StatusOK {
		t.Fatalf("GET /tasks = %d", code)
	}
	var snap scheduler.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ids []string
	for _, e := range snap.Entries {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"backup", "report"}, ids); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestRunsQueryParameters(t *testing.T) {
	t.Parallel()
	runs := &stubRuns{}
	h := newTestService(runs).Handler("")

	if code, body := get(t, h, "/tasks/backup/runs?limit=5"); code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Fatalf("GET /tasks/backup/runs = %d %q", code, body)
	}
	if runs.gotTask != "backup" || runs.gotLimit != 5 {
		t.Fatalf("query = (%q, %d), want (backup, 5)", runs.gotTask, runs.gotLimit)
	}

	get(t, h, "/runs?task=report&limit=999999")
	if runs.gotTask != "report" || runs.gotLimit != maxRunLimit {
		t.Fatalf("query = (%q, %d), want (report, %d)", runs.gotTask, runs.gotLimit, maxRunLimit)
	}

	get(t, h, "/runs")
	if runs.gotTask != "" || runs.gotLimit != defaultRunLimit {
		t.Fatalf("query = (%q, %d), want ('', %d)", runs.gotTask, runs.gotLimit, defaultRunLimit)
	}

	runs.err = errors.New("disk on fire")
	if code, body := get(t, h, "/runs"); code != http.StatusInternalServerError || strings.Contains(body, "disk on fire") {
		t.Fatalf("failing store: %d %q", code, body)
	}
}

func TestMissingSourcesAnswer404(t *testing.T) {
	t.Parallel()
	h := New(Config{}, logx.Nop(), Sources{}).Handler("")
	for _, target := range []string{"/metrics", "/tasks", "/tasks/x", "/runs"} {
		if code, _ := get(t, h, target); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, code)
		}
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	h := newTestService(nil).Handler("s3cret")

	tests := []struct {
		name   string
		target string
		hdr    []string
		code   int
	}{
		{"no credentials", "/healthz", nil, http.StatusUnauthorized},
		{"wrong bearer", "/healthz", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/healthz", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query token", "/tasks?token=s3cret", nil, http.StatusOK},
		{"wrong query token wins over header", "/healthz?token=x", []string{"Authorization", "Bearer s3cret"}, http.StatusUnauthorized},
		{"pprof guarded", "/debug/pprof/", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		code, _ := get(t, h, tt.target, tt.hdr...)
		if code != tt.code {
			t.Errorf("%s: GET %s = %d, want %d", tt.name, tt.target, code, tt.code)
		}
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := newTestService(nil)
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("GET /healthz = %d %q", resp.StatusCode, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after disable")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), Sources{})
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want insecure bind refusal", err)
	}
	if isLoopbackAddr(":6060") || !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:1") {
		t.Fatal("isLoopbackAddr misclassifies")
	}
}
