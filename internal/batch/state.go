package batch

import (
	"time"

	"github.com/fpang/catalog-autotag/internal/applier"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// ItemOutcome is a successfully processed item together with what was
// written to the catalog. Applied is nil for dry runs.
type ItemOutcome struct {
	*tagging.Outcome
	Applied *applier.Result `json:"applied,omitempty"`
}

// ItemError is a failed or skipped item. Outcome is set when processing
// succeeded but the catalog write did not.
type ItemError struct {
	ItemID   string           `json:"itemId"`
	Kind     tagging.Kind     `json:"kind"`
	Err      *failure.Error   `json:"error"`
	Attempts int              `json:"attempts"`
	Outcome  *tagging.Outcome `json:"outcome,omitempty"`
}

// State is the record of one run. The dispatcher owns it; callers only ever
// see copies returned by Snapshot.
type State struct {
	RunID      string        `json:"runId"`
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Cancelled  bool          `json:"cancelled"`
	DryRun     bool          `json:"dryRun,omitempty"`
	Outcomes   []ItemOutcome `json:"outcomes"`
	Errors     []ItemError   `json:"errors"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Done reports whether every item has reached a terminal state.
func (s *State) Done() bool {
	return !s.FinishedAt.IsZero()
}

// Elapsed returns the run duration so far.
func (s *State) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.Done() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

func (s *State) clone() *State {
	c := *s
	c.Outcomes = append([]ItemOutcome(nil), s.Outcomes...)
	c.Errors = append([]ItemError(nil), s.Errors...)
	return &c
}
