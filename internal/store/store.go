// Package store keeps the history of batch runs: one summary record per run
// and one record per item outcome. The Lambda deployment stores runs in
// DynamoDB; the CLI and local web server use a SQLite file.
//
// Both backends implement RunStore. All Get methods return (nil, nil) when
// the record does not exist; Put methods are upserts.
package store

import (
	"context"
	"time"

	"github.com/fpang/catalog-autotag/internal/batch"
)

// RunTTL is how long run records are kept in DynamoDB.
const RunTTL = 30 * 24 * time.Hour

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Run is the summary of one batch run.
type Run struct {
	ID           string         `json:"id" dynamodbav:"runId"`
	Status       string         `json:"status" dynamodbav:"status"`
	Mode         string         `json:"mode,omitempty" dynamodbav:"mode,omitempty"`
	Kind         string         `json:"kind,omitempty" dynamodbav:"kind,omitempty"`
	Total        int            `json:"total" dynamodbav:"total"`
	Completed    int            `json:"completed" dynamodbav:"completed"`
	Failed       int            `json:"failed" dynamodbav:"failed"`
	Skipped      int            `json:"skipped" dynamodbav:"skipped"`
	DryRun       bool           `json:"dryRun,omitempty" dynamodbav:"dryRun,omitempty"`
	SourceCounts map[string]int `json:"sourceCounts,omitempty" dynamodbav:"sourceCounts,omitempty"`
	ReportKey    string         `json:"reportKey,omitempty" dynamodbav:"reportKey,omitempty"`
	Error        string         `json:"error,omitempty" dynamodbav:"error,omitempty"`
	StartedAt    int64          `json:"startedAt" dynamodbav:"startedAt"`
	FinishedAt   int64          `json:"finishedAt,omitempty" dynamodbav:"finishedAt,omitempty"`
}

// ItemRecord is the stored outcome of one item.
type ItemRecord struct {
	RunID     string   `json:"runId" dynamodbav:"-"`
	ItemID    string   `json:"itemId" dynamodbav:"itemId"`
	Kind      string   `json:"kind" dynamodbav:"kind"`
	Success   bool     `json:"success" dynamodbav:"success"`
	Tags      []string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
	Markers   int      `json:"markers" dynamodbav:"markers"`
	Source    string   `json:"source,omitempty" dynamodbav:"source,omitempty"`
	Code      string   `json:"code,omitempty" dynamodbav:"code,omitempty"`
	Message   string   `json:"message,omitempty" dynamodbav:"message,omitempty"`
	Attempts  int      `json:"attempts" dynamodbav:"attempts"`
	ElapsedMs int64    `json:"elapsedMs" dynamodbav:"elapsedMs"`
}

// RunStore persists run history. Implementations are safe for concurrent use.
type RunStore interface {
	// PutRun creates or replaces a run summary.
	PutRun(ctx context.Context, run *Run) error
	// GetRun returns a run by ID, or nil, nil.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	// PutItems stores the item records of a run.
	PutItems(ctx context.Context, runID string, items []*ItemRecord) error
	// ListItems returns the item records of a run.
	ListItems(ctx context.Context, runID string) ([]*ItemRecord, error)
	// DeleteRun removes a run and its items.
	DeleteRun(ctx context.Context, runID string) error
}

// NewRun returns the record of a run that has just started.
func NewRun(runID, mode, kind string, total int, dryRun bool) *Run {
	return &Run{
		ID:        runID,
		Status:    StatusRunning,
		Mode:      mode,
		Kind:      kind,
		Total:     total,
		DryRun:    dryRun,
		StartedAt: time.Now().Unix(),
	}
}

// Finish copies the final counters of s into r.
func (r *Run) Finish(s *batch.State) {
	r.Total = s.Total
	r.Completed = s.Completed
	r.Failed = s.Failed
	r.Skipped = s.Skipped
	r.DryRun = s.DryRun
	r.Status = StatusCompleted
	if s.Cancelled {
		r.Status = StatusCancelled
	}
	if !s.StartedAt.IsZero() {
		r.StartedAt = s.StartedAt.Unix()
	}
	r.FinishedAt = s.FinishedAt.Unix()
	r.SourceCounts = nil
	for _, e := range s.Errors {
		if e.Err == nil {
			continue
		}
		if r.SourceCounts == nil {
			r.SourceCounts = make(map[string]int)
		}
		r.SourceCounts[e.Err.Source.Tag()]++
	}
}

// ItemRecords flattens the outcomes and errors of s, one record per item ID.
// Errors are read newest first so a duplicate-ID rejection, which is always
// recorded before the original item finishes, never hides the real result.
func ItemRecords(s *batch.State) []*ItemRecord {
	out := make([]*ItemRecord, 0, len(s.Outcomes)+len(s.Errors))
	seen := make(map[string]bool, cap(out))
	for _, o := range s.Outcomes {
		seen[o.ItemID] = true
		out = append(out, &ItemRecord{
			RunID:     s.RunID,
			ItemID:    o.ItemID,
			Kind:      o.Kind.String(),
			Success:   true,
			Tags:      o.Tags,
			Markers:   len(o.Markers),
			Attempts:  o.Attempts,
			ElapsedMs: o.ElapsedMs,
		})
	}
	for i := len(s.Errors) - 1; i >= 0; i-- {
		e := s.Errors[i]
		if seen[e.ItemID] {
			continue
		}
		seen[e.ItemID] = true
		rec := &ItemRecord{RunID: s.RunID, ItemID: e.ItemID, Kind: e.Kind.String(), Attempts: e.Attempts}
		if e.Err != nil {
			rec.Source = e.Err.Source.Tag()
			rec.Code = e.Err.Code
			rec.Message = e.Err.Message
		}
		if e.Outcome != nil {
			rec.ElapsedMs = e.Outcome.ElapsedMs
		}
		out = append(out, rec)
	}
	return out
}
