package store

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fpang/catalog-autotag/internal/batch"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// fakeDynamo is an in-memory table keyed by PK and SK.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	batches int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemKey(item map[string]types.AttributeValue) string {
	return attrS(item, "PK") + "|" + attrS(item, "SK")
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := attrS(in.ExpressionAttributeValues, ":pk")
	prefix := attrS(in.ExpressionAttributeValues, ":skPrefix")

	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if attrS(item, "PK") == pk && strings.HasPrefix(attrS(item, "SK"), prefix) {
			matched = append(matched, item)
		}
	}
	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		if forward {
			return attrS(matched[i], "SK") < attrS(matched[j], "SK")
		}
		return attrS(matched[i], "SK") > attrS(matched[j], "SK")
	})
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: matched}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	for _, reqs := range in.RequestItems {
		if len(reqs) > maxBatchWrite {
			panic("batch too large")
		}
		for _, r := range reqs {
			switch {
			case r.PutRequest != nil:
				f.items[itemKey(r.PutRequest.Item)] = r.PutRequest.Item
			case r.DeleteRequest != nil:
				delete(f.items, itemKey(r.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func sampleState() *batch.State {
	start := time.Unix(1_700_000_000, 0)
	return &batch.State{
		RunID:     "run-1",
		Total:     3,
		Completed: 1,
		Failed:    2,
		Skipped:   1,
		Cancelled: true,
		Outcomes: []batch.ItemOutcome{{Outcome: &tagging.Outcome{
			ItemID: "1", Kind: tagging.Scene, Success: true,
			Tags:     []string{"outdoor", "beach"},
			Markers:  []tagging.Marker{{Title: "wave", Seconds: 3}},
			Attempts: 1, ElapsedMs: 120,
		}}},
		Errors: []batch.ItemError{
			{ItemID: "1", Kind: tagging.Scene, Err: failure.NewValidation("duplicate item id 1")},
			{ItemID: "2", Kind: tagging.Scene, Err: failure.FromStatus(failure.RemoteService, 500, "boom"), Attempts: 3},
			{ItemID: "3", Kind: tagging.Scene, Err: failure.NewCancelled("3")},
		},
		StartedAt:  start,
		FinishedAt: start.Add(5 * time.Second),
	}
}

func TestRunFinish(t *testing.T) {
	run := NewRun("run-1", "untagged", "scene", 3, false)
	if run.Status != StatusRunning {
		t.Fatalf("expected running, got %s", run.Status)
	}
	run.Finish(sampleState())

	if run.Status != StatusCancelled {
		t.Errorf("expected cancelled status, got %s", run.Status)
	}
	if run.Completed != 1 || run.Failed != 2 || run.Skipped != 1 {
		t.Errorf("unexpected counters: %+v", run)
	}
	if run.FinishedAt-run.StartedAt != 5 {
		t.Errorf("expected 5s duration, got %d", run.FinishedAt-run.StartedAt)
	}
	if run.SourceCounts["container"] != 1 || run.SourceCounts["validation"] != 1 || run.SourceCounts["cancelled"] != 1 {
		t.Errorf("unexpected source counts: %v", run.SourceCounts)
	}
}

func TestItemRecords_OnePerItem(t *testing.T) {
	recs := ItemRecords(sampleState())
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	byID := make(map[string]*ItemRecord)
	for _, r := range recs {
		byID[r.ItemID] = r
	}
	if r := byID["1"]; !r.Success || r.Markers != 1 || len(r.Tags) != 2 {
		t.Errorf("item 1 should keep its successful outcome, got %+v", r)
	}
	if r := byID["2"]; r.Success || r.Source != "container" || r.Attempts != 3 {
		t.Errorf("unexpected record for item 2: %+v", r)
	}
}

// exerciseStore runs the same checks against any backend.
func exerciseStore(t *testing.T, s RunStore) {
	t.Helper()
	ctx := context.Background()

	if run, err := s.GetRun(ctx, "missing"); err != nil || run != nil {
		t.Fatalf("expected nil, nil for a missing run, got %v, %v", run, err)
	}

	older := NewRun("run-old", "all", "scene", 1, false)
	older.StartedAt = 100
	newer := NewRun("run-new", "recent", "image", 2, true)
	newer.StartedAt = 200
	for _, r := range []*Run{older, newer} {
		if err := s.PutRun(ctx, r); err != nil {
			t.Fatalf("PutRun: %v", err)
		}
	}

	newer.Status = StatusCompleted
	newer.Completed = 2
	newer.SourceCounts = map[string]int{"catalog": 1}
	if err := s.PutRun(ctx, newer); err != nil {
		t.Fatalf("PutRun update: %v", err)
	}

	got, err := s.GetRun(ctx, "run-new")
	if err != nil || got == nil {
		t.Fatalf("GetRun: %v, %v", got, err)
	}
	if got.Status != StatusCompleted || got.Completed != 2 || !got.DryRun || got.SourceCounts["catalog"] != 1 {
		t.Errorf("unexpected run after update: %+v", got)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Errorf("expected newest first, got %+v", runs)
	}
	if runs, _ := s.ListRuns(ctx, 1); len(runs) != 1 {
		t.Errorf("expected limit to apply, got %d runs", len(runs))
	}

	recs := make([]*ItemRecord, 30)
	for i := range recs {
		recs[i] = &ItemRecord{ItemID: string(rune('a'+i%26)) + string(rune('0'+i/26)), Kind: "scene", Success: i%2 == 0, Tags: []string{"x"}}
	}
	if err := s.PutItems(ctx, "run-new", recs); err != nil {
		t.Fatalf("PutItems: %v", err)
	}
	items, err := s.ListItems(ctx, "run-new")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 30 {
		t.Fatalf("expected 30 items, got %d", len(items))
	}
	if items[0].RunID != "run-new" || len(items[0].Tags) != 1 {
		t.Errorf("unexpected item: %+v", items[0])
	}

	if err := s.DeleteRun(ctx, "run-new"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if run, _ := s.GetRun(ctx, "run-new"); run != nil {
		t.Error("expected run to be deleted")
	}
	if items, _ := s.ListItems(ctx, "run-new"); len(items) != 0 {
		t.Errorf("expected items to be deleted, got %d", len(items))
	}
	if runs, _ := s.ListRuns(ctx, 10); len(runs) != 1 {
		t.Errorf("expected one run left, got %d", len(runs))
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.PutRun(context.Background(), NewRun("run-1", "all", "scene", 1, false)); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if run, err := s.GetRun(context.Background(), "run-1"); err != nil || run == nil {
		t.Errorf("expected run to survive reopen, got %v, %v", run, err)
	}
}

func TestDynamoStore(t *testing.T) {
	exerciseStore(t, NewDynamoStore(newFakeDynamo(), "runs"))
}

func TestDynamoStore_BatchesAndTTL(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "runs")
	recs := make([]*ItemRecord, 60)
	for i := range recs {
		recs[i] = &ItemRecord{ItemID: strings.Repeat("x", i+1)}
	}
	if err := s.PutItems(context.Background(), "run-1", recs); err != nil {
		t.Fatalf("PutItems: %v", err)
	}
	if fake.batches != 3 {
		t.Errorf("expected 3 batch writes for 60 items, got %d", fake.batches)
	}
	for _, item := range fake.items {
		if _, ok := item["expiresAt"].(*types.AttributeValueMemberN); !ok {
			t.Fatalf("item %s has no expiresAt", itemKey(item))
		}
	}
}
