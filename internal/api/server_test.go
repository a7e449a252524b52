package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/catalog-autotag/internal/applier"
	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/retry"
	"github.com/fpang/catalog-autotag/internal/store"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

type fakeProcessor struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (p *fakeProcessor) ProcessItem(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &tagging.Outcome{ItemID: item.ID, Kind: item.Kind, Success: true, Tags: []string{"auto"}, Attempts: 1}, nil
}

type fakeApplier struct {
	applied atomic.Int32
}

func (a *fakeApplier) Apply(_ context.Context, o *tagging.Outcome) (*applier.Result, error) {
	a.applied.Add(1)
	return &applier.Result{ItemID: o.ItemID, TagsApplied: len(o.Tags)}, nil
}

type fakeSelector struct {
	items []catalog.Item
	err   error
	got   catalog.Filter
}

func (s *fakeSelector) ListAllItems(_ context.Context, f catalog.Filter, _ int) ([]catalog.Item, error) {
	s.got = f
	return s.items, s.err
}

type testEnv struct {
	manager   *Manager
	server    *Server
	store     *store.SQLiteStore
	processor *fakeProcessor
	applier   *fakeApplier
	selector  *fakeSelector
}

func newEnv(t *testing.T, opts Options, mutate func(*Deps)) *testEnv {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store:     st,
		processor: &fakeProcessor{},
		applier:   &fakeApplier{},
		selector:  &fakeSelector{},
	}
	deps := Deps{
		Processor:   env.processor,
		Applier:     env.applier,
		Selector:    env.selector,
		Store:       st,
		Retry:       retry.Policy{MaxAttempts: 1},
		Concurrency: 2,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.manager = NewManager(deps)
	env.server = NewServer(env.manager, opts)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (env *testEnv) start(t *testing.T, body string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/batches", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID string `json:"runId"`
	}
	decode(t, rec, &resp)
	return resp.RunID
}

func (env *testEnv) wait(t *testing.T, runID string) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := env.manager.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestHealth(t *testing.T) {
	env := newEnv(t, Options{Version: "test"}, nil)
	rec := env.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("expected security headers, got %v", rec.Header())
	}
}

func TestBatchLifecycle(t *testing.T) {
	env := newEnv(t, Options{}, nil)
	runID := env.start(t, `{"type":"scenes","ids":["1","2","3"]}`)
	res := env.wait(t, runID)

	if res.Run.Status != store.StatusCompleted || res.Run.Completed != 3 {
		t.Errorf("unexpected run: %+v", res.Run)
	}
	if env.applier.applied.Load() != 3 {
		t.Errorf("expected 3 applies, got %d", env.applier.applied.Load())
	}

	rec := env.do(t, http.MethodGet, "/api/batches/"+runID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/runs", "")
	var list struct {
		Runs []store.Run `json:"runs"`
	}
	decode(t, rec, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != runID || list.Runs[0].Mode != "ids" {
		t.Errorf("unexpected history: %+v", list.Runs)
	}

	rec = env.do(t, http.MethodGet, "/api/runs/"+runID, "")
	var detail struct {
		Run   store.Run          `json:"run"`
		Items []store.ItemRecord `json:"items"`
	}
	decode(t, rec, &detail)
	if len(detail.Items) != 3 {
		t.Errorf("expected 3 item records, got %d", len(detail.Items))
	}

	rec = env.do(t, http.MethodGet, "/api/runs/"+runID+"/report", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"completed":3`) {
		t.Errorf("unexpected report: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBatchSelectsByMode(t *testing.T) {
	env := newEnv(t, Options{}, nil)
	env.selector.items = []catalog.Item{{ID: "10", Kind: tagging.Image}, {ID: "11", Kind: tagging.Image}}
	runID := env.start(t, `{"mode":"recent","type":"images","dryRun":true}`)
	res := env.wait(t, runID)

	if env.selector.got.Mode != tagging.ModeRecent || env.selector.got.Kind != tagging.Image {
		t.Errorf("unexpected filter: %+v", env.selector.got)
	}
	if !res.Run.DryRun || res.Run.Kind != "image" || res.Run.Completed != 2 {
		t.Errorf("unexpected run: %+v", res.Run)
	}
	if env.applier.applied.Load() != 0 {
		t.Errorf("dry run must not apply, got %d", env.applier.applied.Load())
	}
}

func TestStartBatch_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		mutate func(*Deps)
		want   int
	}{
		{name: "bad type", body: `{"type":"videos","ids":["1"]}`, want: http.StatusBadRequest},
		{name: "bad mode", body: `{"mode":"someday"}`, want: http.StatusBadRequest},
		{name: "bad concurrency", body: `{"ids":["1"],"concurrency":500}`, want: http.StatusBadRequest},
		{name: "malformed body", body: `{"ids":`, want: http.StatusBadRequest},
		{name: "no items", body: `{"mode":"untagged"}`, want: http.StatusUnprocessableEntity},
		{
			name: "health check fails",
			body: `{"ids":["1"]}`,
			mutate: func(d *Deps) {
				d.HealthCheck = func(context.Context) error { return errors.New("processor down") }
			},
			want: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, Options{}, tt.mutate)
			rec := env.do(t, http.MethodPost, "/api/batches", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartBatch_ConcurrencyBounds(t *testing.T) {
	env := newEnv(t, Options{}, nil)

	rec := env.do(t, http.MethodPost, "/api/batches", `{"ids":["1"],"concurrency":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "0 (default)") {
		t.Errorf("expected the message to name the default, got %s", rec.Body.String())
	}

	runID := env.start(t, `{"ids":["1"],"concurrency":0}`)
	if res := env.wait(t, runID); res.Run.Completed != 1 {
		t.Errorf("expected concurrency 0 to run with the default, got %+v", res.Run)
	}
}

func TestStartBatch_HealthFailureRecorded(t *testing.T) {
	env := newEnv(t, Options{}, func(d *Deps) {
		d.HealthCheck = func(context.Context) error { return errors.New("processor down") }
	})
	env.do(t, http.MethodPost, "/api/batches", `{"ids":["1"]}`)

	runs, err := env.store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.StatusFailed || !strings.Contains(runs[0].Error, "processor down") {
		t.Errorf("expected failed run record, got %+v", runs)
	}
}

func TestCancelBatch(t *testing.T) {
	env := newEnv(t, Options{}, func(d *Deps) { d.Concurrency = 1 })
	env.processor.gate = make(chan struct{})
	runID := env.start(t, `{"ids":["1","2","3"]}`)

	rec := env.do(t, http.MethodPost, "/api/batches/"+runID+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", rec.Code)
	}
	close(env.processor.gate)
	res := env.wait(t, runID)

	if res.Run.Status != store.StatusCancelled {
		t.Errorf("expected cancelled run, got %s", res.Run.Status)
	}
	if res.Run.Completed+res.Run.Failed != 3 || res.Run.Skipped == 0 {
		t.Errorf("unexpected counters: %+v", res.Run)
	}

	rec = env.do(t, http.MethodPost, "/api/batches/"+runID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestRunIDValidation(t *testing.T) {
	env := newEnv(t, Options{}, nil)
	if rec := env.do(t, http.MethodGet, "/api/batches/not-a-run", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
	unknown := "run-6f1c2a9e-1b2c-4d3e-8f9a-0b1c2d3e4f5a"
	if rec := env.do(t, http.MethodGet, "/api/batches/"+unknown, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/batches/"+unknown+"/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 cancelling unknown run, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/runs/"+unknown+"/report", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown report, got %d", rec.Code)
	}
}

func TestOriginVerify(t *testing.T) {
	env := newEnv(t, Options{OriginSecret: "s3cret"}, nil)
	if rec := env.do(t, http.MethodGet, "/api/runs", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without header, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must bypass origin check, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("x-origin-verify", "s3cret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with header, got %d", rec.Code)
	}
}

func TestRequestMetrics(t *testing.T) {
	var buf bytes.Buffer
	env := newEnv(t, Options{Metrics: metrics.NewEmitter("Test", &buf)}, nil)
	env.do(t, http.MethodGet, "/api/health", "")
	out := buf.String()
	if !strings.Contains(out, `"Endpoint":"/api/health"`) || !strings.Contains(out, "RequestLatency") {
		t.Errorf("unexpected metrics output: %s", out)
	}
}

func TestBatchEvents(t *testing.T) {
	env := newEnv(t, Options{}, nil)
	env.processor.gate = make(chan struct{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	runID := env.start(t, `{"ids":["1","2"]}`)

	resp, err := http.Get(srv.URL + "/api/batches/" + runID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	first, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(first, "event:snapshot") {
		t.Fatalf("expected initial snapshot event, got %q (%v)", first, err)
	}

	close(env.processor.gate)
	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(rest)
	if strings.Count(body, "event:completed") != 2 || !strings.Contains(body, "event:done") {
		t.Errorf("unexpected event stream: %s", body)
	}
}

func TestStartBatch_Synchronous(t *testing.T) {
	env := newEnv(t, Options{Synchronous: true}, nil)
	rec := env.do(t, http.MethodPost, "/api/batches", `{"ids":["1","2"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res Result
	decode(t, rec, &res)
	if res.Run == nil || res.Run.Status != store.StatusCompleted || res.Report == nil || res.Report.Completed != 2 {
		t.Errorf("unexpected result: %s", rec.Body.String())
	}
}
