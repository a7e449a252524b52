package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/catalog-autotag/internal/applier"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/processor"
	"github.com/fpang/catalog-autotag/internal/progress"
	"github.com/fpang/catalog-autotag/internal/retry"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// fakeProcessor runs fn for every item and tracks concurrency.
type fakeProcessor struct {
	fn func(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error)

	mu       sync.Mutex
	calls    map[string]int
	inFlight int
	maxSeen  int
}

func (f *fakeProcessor) ProcessItem(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[item.ID]++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.fn != nil {
		return f.fn(ctx, item)
	}
	return succeed(item), nil
}

func (f *fakeProcessor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeProcessor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func succeed(item tagging.WorkItem) *tagging.Outcome {
	return &tagging.Outcome{ItemID: item.ID, Kind: item.Kind, Success: true, Tags: []string{"tag-" + item.ID}}
}

// fakeApplier records applied outcomes.
type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	fn      func(outcome *tagging.Outcome) (*applier.Result, error)
}

func (f *fakeApplier) Apply(_ context.Context, outcome *tagging.Outcome) (*applier.Result, error) {
	f.mu.Lock()
	f.applied = append(f.applied, outcome.ItemID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(outcome)
	}
	return &applier.Result{ItemID: outcome.ItemID, TagsApplied: len(outcome.Tags)}, nil
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Jitter:      -1,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func makeItems(n int) []tagging.WorkItem {
	items := make([]tagging.WorkItem, n)
	for i := range items {
		items[i] = tagging.NewWorkItem(strconv.Itoa(i+1), tagging.Scene, nil)
	}
	return items
}

func checkTerminal(t *testing.T, s *State) {
	t.Helper()
	if !s.Done() {
		t.Error("expected run to be done")
	}
	if s.Completed+s.Failed != s.Total {
		t.Errorf("completed(%d) + failed(%d) != total(%d)", s.Completed, s.Failed, s.Total)
	}
	if len(s.Outcomes) != s.Completed || len(s.Errors) != s.Failed {
		t.Errorf("entries out of step with counters: %d outcomes, %d errors, state %+v", len(s.Outcomes), len(s.Errors), s)
	}
	seen := make(map[string]bool)
	for _, o := range s.Outcomes {
		if seen[o.ItemID] {
			t.Errorf("duplicate outcome for item %s", o.ItemID)
		}
		seen[o.ItemID] = true
	}
	for _, e := range s.Errors {
		if e.Err != nil && e.Err.Code == failure.CodeInvalidInput {
			continue
		}
		if seen[e.ItemID] {
			t.Errorf("item %s recorded more than once", e.ItemID)
		}
		seen[e.ItemID] = true
	}
}

func TestRun_TerminationInvariant(t *testing.T) {
	for _, n := range []int{1, 2, 7, 40} {
		for _, c := range []int{1, 3, 10, 100} {
			t.Run(fmt.Sprintf("items=%d/concurrency=%d", n, c), func(t *testing.T) {
				proc := &fakeProcessor{fn: func(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
					time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
					if id, _ := strconv.Atoi(item.ID); id%4 == 0 {
						return nil, failure.FromStatus(failure.RemoteService, http.StatusBadRequest, "bad")
					}
					return succeed(item), nil
				}}
				d := New(proc, &fakeApplier{}, Options{Concurrency: c, Retry: fastRetry()})
				state, err := d.Run(context.Background(), makeItems(n))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				checkTerminal(t, state)
				if state.Failed != n/4 {
					t.Errorf("expected %d failures, got %d", n/4, state.Failed)
				}
				if proc.maxSeen > min(c, n) {
					t.Errorf("concurrency bound exceeded: %d > %d", proc.maxSeen, min(c, n))
				}
			})
		}
	}
}

func TestRun_PartialFailure(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SceneID string `json:"scene_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		hits[body.SceneID]++
		mu.Unlock()
		if body.SceneID == "3" {
			http.Error(w, "inference worker crashed", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"success": true, "result": {"tags": ["ok"]}}`))
	}))
	defer server.Close()

	client := processor.NewClient(server.URL, processor.WithHTTPClient(server.Client()))
	apply := &fakeApplier{}
	d := New(client, apply, Options{Concurrency: 2, Retry: fastRetry()})

	state, err := d.Run(context.Background(), makeItems(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTerminal(t, state)
	if state.Completed != 4 || state.Failed != 1 {
		t.Fatalf("expected 4 completed / 1 failed, got %d / %d", state.Completed, state.Failed)
	}
	ie := state.Errors[0]
	if ie.ItemID != "3" {
		t.Errorf("expected item 3 to fail, got %s", ie.ItemID)
	}
	if ie.Err.Source != failure.RemoteService || !ie.Err.Retryable {
		t.Errorf("expected retryable RemoteService error, got %+v", ie.Err)
	}
	if ie.Attempts != 3 || hits["3"] != 3 {
		t.Errorf("expected exactly 3 attempts for item 3, recorded %d, server saw %d", ie.Attempts, hits["3"])
	}
	if len(apply.applied) != 4 {
		t.Errorf("expected 4 outcomes applied, got %v", apply.applied)
	}
}

func TestRun_Cancellation(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
		started <- item.ID
		<-release
		return succeed(item), nil
	}}
	d := New(proc, &fakeApplier{}, Options{Concurrency: 2, Retry: fastRetry()})

	type result struct {
		state *State
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := d.Run(context.Background(), makeItems(10))
		resCh <- result{s, err}
	}()

	<-started
	<-started
	d.Cancel()
	close(release)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	s := res.state
	checkTerminal(t, s)
	if !s.Cancelled {
		t.Error("expected cancelled state")
	}
	if proc.totalCalls() != 2 {
		t.Errorf("expected no new items after cancel, processor saw %d calls", proc.totalCalls())
	}
	if s.Completed != 2 {
		t.Errorf("expected in-flight items to complete, got %d completed", s.Completed)
	}
	if s.Skipped != 8 || s.Failed != 8 {
		t.Errorf("expected 8 skipped items counted as failed, got skipped=%d failed=%d", s.Skipped, s.Failed)
	}
	for _, e := range s.Errors {
		if e.Err.Source != failure.Cancelled {
			t.Errorf("expected cancelled source for skipped item %s, got %s", e.ItemID, e.Err.Source)
		}
	}
	final := d.Progress().Snapshot()
	if !final.Done || !final.Cancelled || final.Finished() != 10 {
		t.Errorf("unexpected final progress snapshot: %+v", final)
	}
}

func TestRun_CancelBeforeStart(t *testing.T) {
	proc := &fakeProcessor{}
	d := New(proc, nil, Options{Retry: fastRetry()})
	d.Cancel()
	s, err := d.Run(context.Background(), makeItems(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTerminal(t, s)
	if s.Skipped != 3 || proc.totalCalls() != 0 {
		t.Errorf("expected every item skipped, got %+v (calls %d)", s, proc.totalCalls())
	}
}

func TestRun_ContextCancelStopsNewItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	proc := &fakeProcessor{fn: func(_ context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		return succeed(item), nil
	}}
	s, err := New(proc, &fakeApplier{}, Options{Concurrency: 1, Retry: fastRetry()}).Run(ctx, makeItems(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTerminal(t, s)
	if calls.Load() != 1 || !s.Cancelled || s.Skipped != 4 {
		t.Errorf("expected 1 call and 4 skipped, got calls=%d state=%+v", calls.Load(), s)
	}
}

func TestRun_ContextCancelLetsInFlightCallFinish(t *testing.T) {
	started := make(chan struct{}, 5)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"success": true, "result": {"tags": ["ok"]}}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := processor.NewClient(server.URL, processor.WithHTTPClient(server.Client()))
	apply := &fakeApplier{}
	d := New(client, apply, Options{Concurrency: 1, Retry: fastRetry()})
	if err := d.Start(ctx, makeItems(3)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	cancel()

	s, err := d.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	checkTerminal(t, s)
	if s.Completed != 1 || s.Failed != 2 || s.Skipped != 2 || !s.Cancelled {
		t.Fatalf("expected the in-flight item to complete and 2 to be skipped, got %+v", s)
	}
	if s.Outcomes[0].ItemID != "1" || len(apply.applied) != 1 {
		t.Errorf("expected item 1 processed and applied, got outcomes %+v applied %v", s.Outcomes, apply.applied)
	}
}

func TestRun_NoItems(t *testing.T) {
	_, err := New(&fakeProcessor{}, nil, Options{}).Run(context.Background(), nil)
	if !errors.Is(err, ErrNoItems) {
		t.Errorf("expected ErrNoItems, got %v", err)
	}
}

func TestRun_HealthCheckFails(t *testing.T) {
	proc := &fakeProcessor{}
	d := New(proc, nil, Options{HealthCheck: func(context.Context) error {
		return errors.New("container loading models")
	}})
	_, err := d.Run(context.Background(), makeItems(2))
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if proc.totalCalls() != 0 {
		t.Error("no item may start when the health check fails")
	}
	select {
	case <-d.Done():
	default:
		t.Error("expected Done to be closed after a failed start")
	}
}

func TestRun_AlreadyStarted(t *testing.T) {
	d := New(&fakeProcessor{}, nil, Options{})
	if _, err := d.Run(context.Background(), makeItems(1)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := d.Run(context.Background(), makeItems(1)); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRun_DuplicateAndInvalidItems(t *testing.T) {
	proc := &fakeProcessor{}
	items := []tagging.WorkItem{
		tagging.NewWorkItem("1", tagging.Scene, nil),
		tagging.NewWorkItem("1", tagging.Scene, nil),
		tagging.NewWorkItem("", tagging.Image, nil),
		tagging.NewWorkItem("2", tagging.Image, nil),
	}
	s, err := New(proc, &fakeApplier{}, Options{Retry: fastRetry()}).Run(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTerminal(t, s)
	if s.Completed != 2 || s.Failed != 2 {
		t.Errorf("expected 2 completed / 2 failed, got %+v", s)
	}
	if proc.callCount("1") != 1 {
		t.Errorf("duplicate item processed %d times", proc.callCount("1"))
	}
	for _, e := range s.Errors {
		if e.Err.Source != failure.Validation {
			t.Errorf("expected validation errors, got %+v", e.Err)
		}
	}
}

func TestRun_ApplyFailureCountsAsFailed(t *testing.T) {
	apply := &fakeApplier{fn: func(o *tagging.Outcome) (*applier.Result, error) {
		if o.ItemID == "2" {
			return nil, failure.NewCatalog(failure.CodeGraphQL, "scene not found", false, nil)
		}
		return &applier.Result{
			ItemID:     o.ItemID,
			StepErrors: []applier.StepError{{Step: applier.StepMarker, Target: "x", Err: failure.NewCatalog(failure.CodeUnresolvedTag, "x", false, nil)}},
		}, nil
	}}
	s, err := New(&fakeProcessor{}, apply, Options{Retry: fastRetry()}).Run(context.Background(), makeItems(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTerminal(t, s)
	if s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("expected 1/1, got %+v", s)
	}
	if s.Errors[0].Err.Source != failure.Catalog || s.Errors[0].Outcome == nil {
		t.Errorf("expected catalog failure carrying the processed outcome, got %+v", s.Errors[0])
	}
	if !s.Outcomes[0].Applied.Partial() {
		t.Error("marker step errors should leave the item completed but partial")
	}
}

func TestRun_DryRunSkipsApplier(t *testing.T) {
	s, err := New(&fakeProcessor{}, nil, Options{Retry: fastRetry()}).Run(context.Background(), makeItems(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.DryRun || s.Completed != 3 {
		t.Errorf("unexpected dry run state: %+v", s)
	}
	if s.Outcomes[0].Applied != nil {
		t.Error("dry runs must not apply")
	}
}

func TestRun_ProgressEventsPerItem(t *testing.T) {
	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(_ context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
		<-release
		return succeed(item), nil
	}}
	d := New(proc, &fakeApplier{}, Options{Concurrency: 2, Retry: fastRetry()})
	if err := d.Start(context.Background(), makeItems(6)); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := d.Progress().Subscribe()
	close(release)

	terminal := 0
	for e := range sub.C {
		if e.Type == progress.EventCompleted || e.Type == progress.EventFailed {
			terminal++
		}
	}
	if terminal != 6 {
		t.Errorf("expected one terminal event per item, got %d", terminal)
	}
	s, err := d.Wait(context.Background())
	if err != nil || s.Completed != 6 {
		t.Errorf("unexpected final state %+v, %v", s, err)
	}
}
