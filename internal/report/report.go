// Package report turns a finished batch into the user-facing summary: which
// items were tagged, which failed and why. Failures carry the source tag and
// a readable message, never a stack trace.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fpang/catalog-autotag/internal/batch"
)

// Entry is one successfully tagged item.
type Entry struct {
	ItemID         string   `json:"itemId"`
	Kind           string   `json:"kind"`
	Tags           []string `json:"tags"`
	Markers        int      `json:"markers"`
	TagsApplied    int      `json:"tagsApplied"`
	MarkersCreated int      `json:"markersCreated"`
	MarkersSkipped int      `json:"markersSkipped"`
	Attempts       int      `json:"attempts"`
	ElapsedMs      int64    `json:"elapsedMs"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Failure is one failed or skipped item.
type Failure struct {
	ItemID    string `json:"itemId"`
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Attempts  int    `json:"attempts"`
}

// Report is the summary of one run.
type Report struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Partial    int       `json:"partial"`
	Cancelled  bool      `json:"cancelled"`
	DryRun     bool      `json:"dryRun,omitempty"`
	Succeeded  []Entry   `json:"succeeded"`
	Failures   []Failure `json:"failures"`
}

// Build summarises s. Entries are ordered by item ID.
func Build(s *batch.State) *Report {
	r := &Report{
		RunID:      s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		DurationMs: s.Elapsed().Milliseconds(),
		Total:      s.Total,
		Completed:  s.Completed,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Cancelled:  s.Cancelled,
		DryRun:     s.DryRun,
		Succeeded:  make([]Entry, 0, len(s.Outcomes)),
		Failures:   make([]Failure, 0, len(s.Errors)),
	}

	for _, o := range s.Outcomes {
		e := Entry{
			ItemID:    o.ItemID,
			Kind:      o.Kind.String(),
			Tags:      o.Tags,
			Markers:   len(o.Markers),
			Attempts:  o.Attempts,
			ElapsedMs: o.ElapsedMs,
		}
		if a := o.Applied; a != nil {
			e.TagsApplied = a.TagsApplied
			e.MarkersCreated = a.MarkersCreated
			e.MarkersSkipped = a.MarkersSkipped
			for _, se := range a.StepErrors {
				e.Warnings = append(e.Warnings, fmt.Sprintf("%s %q: %s", se.Step, se.Target, se.Err.Message))
			}
			if a.Partial() {
				r.Partial++
			}
		}
		r.Succeeded = append(r.Succeeded, e)
	}

	for _, ie := range s.Errors {
		f := Failure{ItemID: ie.ItemID, Kind: ie.Kind.String(), Attempts: ie.Attempts}
		if ie.Err != nil {
			f.Source = ie.Err.Source.Tag()
			f.Code = ie.Err.Code
			f.Message = ie.Err.Message
			f.Retryable = ie.Err.Retryable
		}
		r.Failures = append(r.Failures, f)
	}

	sort.Slice(r.Succeeded, func(i, j int) bool { return idLess(r.Succeeded[i].ItemID, r.Succeeded[j].ItemID) })
	sort.Slice(r.Failures, func(i, j int) bool { return idLess(r.Failures[i].ItemID, r.Failures[j].ItemID) })
	return r
}

// idLess orders numeric IDs numerically and everything else lexically.
func idLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// SourceCounts returns the number of failures per source tag.
func (r *Report) SourceCounts() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Failures {
		out[f.Source]++
	}
	return out
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes the terminal summary.
func WriteText(w io.Writer, r *Report) error {
	status := "completed"
	if r.Cancelled {
		status = "cancelled"
	}
	if r.DryRun {
		status += " (dry run)"
	}
	fmt.Fprintf(w, "Run %s %s in %s\n", r.RunID, status, time.Duration(r.DurationMs)*time.Millisecond)
	fmt.Fprintf(w, "  %d items: %d tagged, %d failed", r.Total, r.Completed, r.Failed)
	if r.Skipped > 0 {
		fmt.Fprintf(w, " (%d skipped)", r.Skipped)
	}
	if r.Partial > 0 {
		fmt.Fprintf(w, ", %d with marker warnings", r.Partial)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(r.Succeeded) > 0 {
		fmt.Fprintln(w, "\nTagged:")
		fmt.Fprintln(tw, "  ITEM\tKIND\tTAGS\tMARKERS\tATTEMPTS")
		for _, e := range r.Succeeded {
			markers := strconv.Itoa(e.MarkersCreated)
			if e.MarkersSkipped > 0 {
				markers += fmt.Sprintf(" (+%d existing)", e.MarkersSkipped)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\n", e.ItemID, e.Kind, summariseTags(e.Tags, 5), markers, e.Attempts)
			for _, warn := range e.Warnings {
				fmt.Fprintf(tw, "  \t\twarning: %s\t\t\n", warn)
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintln(w, "\nFailed:")
		fmt.Fprintln(tw, "  ITEM\tKIND\tSOURCE\tATTEMPTS\tMESSAGE")
		for _, f := range r.Failures {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\n", f.ItemID, f.Kind, f.Source, f.Attempts, f.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func summariseTags(tags []string, n int) string {
	if len(tags) <= n {
		return strings.Join(tags, ", ")
	}
	return strings.Join(tags[:n], ", ") + fmt.Sprintf(" +%d", len(tags)-n)
}
