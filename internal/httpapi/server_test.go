package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/orchestrator"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/runtrack"
	"taskpilot/internal/store"
	"taskpilot/internal/trigger"
	"taskpilot/pkg/logx"
)

type fakeRuns struct {
	runID string
	err   error
}

func (f *fakeRuns) Run(context.Context, string) (string, error) { return f.runID, f.err }

type staticNotifier bool

func (n staticNotifier) Configured() bool { return bool(n) }

type fixture struct {
	ts      *httptest.Server
	store   store.Store
	bus     eventbus.Bus
	tracker *runtrack.Tracker
	runs    *fakeRuns
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sup := supervisor.New(context.Background())
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	runs := &fakeRuns{runID: "run-1"}
	eng, err := trigger.New(trigger.Config{Timezone: "UTC"}, st, noRunner{}, sup, logx.Nop())
	if err != nil {
		t.Fatalf("trigger.New: %v", err)
	}

	bus := eventbus.New()
	tracker := runtrack.New()
	srv := New(Config{Addr: "127.0.0.1:0"}, st, runs, eng, tracker, bus, staticNotifier(true), logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, bus: bus, tracker: tracker, runs: runs}
}

type noRunner struct{}

func (noRunner) RunScheduled(context.Context, string) {}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return v
}

func createPayload() map[string]any {
	return map[string]any{
		"name":            "price watch",
		"description":     "check the widget price",
		"cron_expr":       "*/5 * * * *",
		"timeout_seconds": 60,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/api/jobs", createPayload())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, raw)
	}
	created := decode[jobView](t, raw)
	if created.ID == "" || !created.Enabled || created.TimeoutSeconds != 60 {
		t.Fatalf("created = %+v", created)
	}
	if created.NextRunAt == nil {
		t.Fatal("cron job created without next_run_at")
	}

	resp, raw = f.do(t, http.MethodGet, "/api/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get = %d", resp.StatusCode)
	}
	if got := decode[jobView](t, raw); got.Name != "price watch" {
		t.Fatalf("get = %+v", got)
	}

	resp, raw = f.do(t, http.MethodGet, "/api/jobs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	if got := decode[[]jobView](t, raw); len(got) != 1 {
		t.Fatalf("list len = %d", len(got))
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []map[string]any{
		{"description": "no name"},
		{"name": "x"},
		{"name": "x", "description": "y", "cron_expr": "every day at nine"},
		{"name": "x", "description": "y", "timeout_seconds": 0},
		{"name": "x", "description": "y", "bogus_field": true},
	}
	for i, payload := range cases {
		resp, raw := f.do(t, http.MethodPost, "/api/jobs", payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d = %d: %s", i, resp.StatusCode, raw)
		}
	}
}

func TestUpdateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, raw := f.do(t, http.MethodPost, "/api/jobs", createPayload())
	created := decode[jobView](t, raw)

	resp, raw := f.do(t, http.MethodPut, "/api/jobs/"+created.ID,
		map[string]any{"cron_expr": "0 8 * * *", "notify_enabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %d: %s", resp.StatusCode, raw)
	}
	got := decode[jobView](t, raw)
	if got.CronExpr != "0 8 * * *" || !got.NotifyEnabled {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.Name != "price watch" {
		t.Fatalf("untouched field changed: %+v", got)
	}

	resp, _ = f.do(t, http.MethodPut, "/api/jobs/"+created.ID, map[string]any{"cron_expr": "junk"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cron update = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPut, "/api/jobs/nope", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update missing = %d", resp.StatusCode)
	}
}

func TestToggleClearsNextRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, raw := f.do(t, http.MethodPost, "/api/jobs", createPayload())
	created := decode[jobView](t, raw)

	resp, raw := f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle = %d", resp.StatusCode)
	}
	got := decode[jobView](t, raw)
	if got.Enabled {
		t.Fatal("toggle did not disable")
	}
	if got.NextRunAt != nil {
		t.Fatalf("disabled job kept next_run_at %v", got.NextRunAt)
	}

	resp, raw = f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-toggle = %d", resp.StatusCode)
	}
	if got := decode[jobView](t, raw); !got.Enabled || got.NextRunAt == nil {
		t.Fatalf("re-enabled job = %+v", got)
	}
}

func TestDuplicateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, raw := f.do(t, http.MethodPost, "/api/jobs", createPayload())
	created := decode[jobView](t, raw)

	resp, raw := f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/duplicate", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("duplicate = %d", resp.StatusCode)
	}
	dup := decode[jobView](t, raw)
	if dup.ID == created.ID || dup.Name != "price watch (copy)" {
		t.Fatalf("duplicate = %+v", dup)
	}
	if dup.CronExpr != created.CronExpr || dup.TimeoutSeconds != created.TimeoutSeconds {
		t.Fatalf("settings not copied: %+v", dup)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, raw := f.do(t, http.MethodPost, "/api/jobs", createPayload())
	created := decode[jobView](t, raw)

	// A lingering tracker slot must not survive deletion.
	if _, err := f.tracker.Begin(created.ID); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	resp, _ := f.do(t, http.MethodDelete, "/api/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if f.tracker.Running(created.ID) {
		t.Fatal("tracker slot survived delete")
	}
	resp, _ = f.do(t, http.MethodGet, "/api/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/api/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("re-delete = %d", resp.StatusCode)
	}
}

func TestRunJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/api/jobs/j1/run", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run = %d: %s", resp.StatusCode, raw)
	}
	if got := decode[map[string]string](t, raw); got["run_id"] != "run-1" {
		t.Fatalf("run body = %v", got)
	}

	f.runs.err = orchestrator.ErrAlreadyRunning
	resp, _ = f.do(t, http.MethodPost, "/api/jobs/j1/run", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict run = %d", resp.StatusCode)
	}

	f.runs.err = store.ErrNotFound
	resp, _ = f.do(t, http.MethodPost, "/api/jobs/j1/run", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run = %d", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	job := &store.Job{Name: "j", Description: "d", Enabled: true}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	success := store.RunSuccess
	for i := 0; i < 3; i++ {
		run, err := f.store.CreateRun(ctx, job.ID)
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if i > 0 {
			if _, err := f.store.UpdateRun(ctx, run.ID, store.RunPatch{Status: &success}); err != nil {
				t.Fatalf("UpdateRun: %v", err)
			}
		}
	}

	resp, raw := f.do(t, http.MethodGet, "/api/runs?status=success", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runs = %d", resp.StatusCode)
	}
	type listResp struct {
		Runs  []runView `json:"runs"`
		Total int       `json:"total"`
	}
	got := decode[listResp](t, raw)
	if got.Total != 2 || len(got.Runs) != 2 {
		t.Fatalf("filtered runs = %+v", got)
	}
	if got.Runs[0].DurationSeconds == nil {
		t.Fatal("terminal run missing duration_seconds")
	}

	resp, _ = f.do(t, http.MethodGet, "/api/runs?status=sideways", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/runs/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing run = %d", resp.StatusCode)
	}
}

func TestStatusAndHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, raw); got["status"] != "ok" {
		t.Fatalf("healthz body = %v", got)
	}

	h, err := f.tracker.Begin("busy-job")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer h.Release()

	resp, raw = f.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	type statusResp struct {
		Running            []runtrack.Active      `json:"running"`
		ScheduledJobs      []trigger.ScheduledJob `json:"scheduled_jobs"`
		EventSubscribers   int                    `json:"event_subscribers"`
		NotifierConfigured bool                   `json:"notifier_configured"`
	}
	got := decode[statusResp](t, raw)
	if len(got.Running) != 1 || got.Running[0].JobID != "busy-job" {
		t.Fatalf("status running = %+v", got.Running)
	}
	if !got.NotifierConfigured {
		t.Fatal("notifier_configured = false")
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.bus.Publish(eventbus.Event{Type: "task_started", Data: map[string]any{"job_id": "j1"}})

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: task_started" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"j1"`) {
			sawData = true
		}
		if sawEvent && sawData {
			return
		}
	}
	t.Fatalf("stream ended without event (event=%v data=%v): %v", sawEvent, sawData, scanner.Err())
}

func TestJSONErrorShape(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodGet, "/api/jobs/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get = %d", resp.StatusCode)
	}
	got := decode[map[string]string](t, raw)
	if got["error"] == "" {
		t.Fatalf("error body = %s", raw)
	}
}
