// Package batch runs a set of work items through the processing container and
// writes the results to the catalog with a fixed pool of workers.
//
// Workers pull from one shared queue, so a slow item never holds back items
// queued behind it. Each item is processed (with retries), then applied, then
// recorded exactly once as completed or failed. One item failing never stops
// the others; only an empty batch or a failed health check aborts a run.
//
// Cancellation is cooperative. Workers check for it before each item; calls
// already in flight finish, and every item not yet started is recorded as
// skipped so the final counts always add up to the total. The context passed
// to Start counts as a cancel signal when it ends; it never aborts an item
// that has started.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/applier"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/jobs"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/progress"
	"github.com/fpang/catalog-autotag/internal/retry"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// DefaultConcurrency is the worker count when Options.Concurrency is unset.
const DefaultConcurrency = 4

var (
	// ErrNoItems is returned when a run is started without items.
	ErrNoItems = errors.New("batch: no items to process")
	// ErrPrecondition wraps a failed health check.
	ErrPrecondition = errors.New("batch: precondition failed")
	// ErrAlreadyStarted is returned when a dispatcher is started twice.
	ErrAlreadyStarted = errors.New("batch: dispatcher already started")
)

// Processor produces an outcome for one item.
type Processor interface {
	ProcessItem(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error)
}

// Applier persists a successful outcome.
type Applier interface {
	Apply(ctx context.Context, outcome *tagging.Outcome) (*applier.Result, error)
}

// Options configures a Dispatcher.
type Options struct {
	// RunID names the run; a new ID is generated when empty.
	RunID string
	// Concurrency is the worker count, clamped to [1, number of items].
	Concurrency int
	// Retry wraps every processing call.
	Retry retry.Policy
	// HealthCheck runs once before any item starts; a failure aborts the run.
	HealthCheck func(ctx context.Context) error
	// Metrics receives per-item and per-run EMF documents.
	Metrics *metrics.Emitter
}

// Dispatcher executes one run. Create a new one per run.
type Dispatcher struct {
	processor Processor
	applier   Applier
	opts      Options

	mu       sync.Mutex
	state    State
	started  bool
	progress *progress.Aggregator

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

// New returns a dispatcher. A nil applier makes the run a dry run: items are
// processed but nothing is written to the catalog.
func New(p Processor, a Applier, opts Options) *Dispatcher {
	if opts.RunID == "" {
		opts.RunID = jobs.NewRunID()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Dispatcher{
		processor: p,
		applier:   a,
		opts:      opts,
		state:     State{RunID: opts.RunID, DryRun: a == nil},
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RunID returns the run's ID.
func (d *Dispatcher) RunID() string {
	return d.opts.RunID
}

// Run starts the batch and blocks until every item is terminal.
func (d *Dispatcher) Run(ctx context.Context, items []tagging.WorkItem) (*State, error) {
	if err := d.Start(ctx, items); err != nil {
		return nil, err
	}
	<-d.done
	return d.Snapshot(), nil
}

// Start validates the batch, runs the health check and launches the workers.
// It returns once work has begun; use Done or Wait to observe completion.
func (d *Dispatcher) Start(ctx context.Context, items []tagging.WorkItem) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	if len(items) == 0 {
		close(d.done)
		return ErrNoItems
	}
	if d.opts.HealthCheck != nil {
		if err := d.opts.HealthCheck(ctx); err != nil {
			log.Error().Err(err).Str("runId", d.opts.RunID).Msg("Health check failed, batch not started")
			close(d.done)
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
	}

	agg := progress.New(len(items))
	d.mu.Lock()
	d.state.Total = len(items)
	d.state.StartedAt = time.Now().UTC()
	d.progress = agg
	cancelled := d.state.Cancelled
	d.mu.Unlock()
	if cancelled {
		agg.MarkCancelled()
	}

	queue := make(chan tagging.WorkItem, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			d.fail(item, failure.As(err), 0, nil, time.Now())
			continue
		}
		if seen[item.ID] {
			d.fail(item, failure.NewValidation("duplicate item id "+item.ID+" in batch"), 0, nil, time.Now())
			continue
		}
		seen[item.ID] = true
		queue <- item
	}
	close(queue)

	workers := min(d.opts.Concurrency, len(queue))
	log.Info().
		Str("runId", d.opts.RunID).
		Int("items", len(items)).
		Int("queued", len(queue)).
		Int("workers", workers).
		Bool("dryRun", d.applier == nil).
		Msg("Batch started")

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, queue)
		}()
	}
	go func() {
		wg.Wait()
		d.finish()
	}()
	return nil
}

// Cancel asks the workers to stop taking new items. Safe to call any number
// of times, before or during a run.
func (d *Dispatcher) Cancel() {
	d.cancelOnce.Do(func() {
		close(d.cancelCh)
		d.mu.Lock()
		d.state.Cancelled = true
		agg := d.progress
		d.mu.Unlock()
		if agg != nil {
			agg.MarkCancelled()
		}
		log.Info().Str("runId", d.opts.RunID).Msg("Batch cancellation requested")
	})
}

// Done is closed when the run has finished.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the run finishes or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) (*State, error) {
	select {
	case <-d.done:
		return d.Snapshot(), nil
	case <-ctx.Done():
		return d.Snapshot(), ctx.Err()
	}
}

// Progress returns the run's aggregator, or nil before Start.
func (d *Dispatcher) Progress() *progress.Aggregator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Snapshot returns a copy of the current state.
func (d *Dispatcher) Snapshot() *State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

func (d *Dispatcher) cancelRequested(ctx context.Context) bool {
	select {
	case <-d.cancelCh:
		return true
	case <-ctx.Done():
		d.Cancel()
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context, queue <-chan tagging.WorkItem) {
	for item := range queue {
		if d.cancelRequested(ctx) {
			d.skip(item)
			continue
		}
		// An item that has started runs to its end.
		d.process(context.WithoutCancel(ctx), item)
	}
}

func (d *Dispatcher) process(ctx context.Context, item tagging.WorkItem) {
	start := time.Now()
	d.progress.Started(item.ID)

	name := "process " + item.Kind.String() + " " + item.ID
	outcome, attempts, err := retry.Value(ctx, d.opts.Retry, name, func(ctx context.Context) (*tagging.Outcome, error) {
		return d.processor.ProcessItem(ctx, item)
	})
	if err == nil && (outcome == nil || !outcome.Success) {
		err = failure.NewProcessing("processing reported no successful result")
		if outcome != nil && outcome.Error != nil {
			err = outcome.Error
		}
	}
	if err != nil {
		d.fail(item, failure.Classify(err), attempts, nil, start)
		return
	}
	outcome.Attempts = attempts

	var applied *applier.Result
	if d.applier != nil {
		applied, err = d.applier.Apply(ctx, outcome)
		if err != nil {
			outcome.ElapsedMs = time.Since(start).Milliseconds()
			d.fail(item, failure.Classify(err), attempts, outcome, start)
			return
		}
	}
	outcome.ElapsedMs = time.Since(start).Milliseconds()
	d.complete(item, ItemOutcome{Outcome: outcome, Applied: applied}, start)
}

func (d *Dispatcher) complete(item tagging.WorkItem, out ItemOutcome, start time.Time) {
	d.mu.Lock()
	d.state.Completed++
	d.state.Outcomes = append(d.state.Outcomes, out)
	d.mu.Unlock()
	d.progress.Completed(item.ID)

	ev := log.Info().
		Str("runId", d.opts.RunID).
		Str("itemId", item.ID).
		Str("kind", item.Kind.String()).
		Int("tags", len(out.Tags)).
		Int("markers", len(out.Markers)).
		Int("attempts", out.Attempts).
		Dur("elapsed", time.Since(start))
	if out.Applied != nil && out.Applied.Partial() {
		ev = ev.Int("stepErrors", len(out.Applied.StepErrors))
	}
	ev.Msg("Item completed")

	d.opts.Metrics.Record().
		Dimension("Kind", item.Kind.String()).
		Count("ItemsCompleted").
		Duration("ItemLatency", time.Since(start)).
		Metric("Attempts", float64(out.Attempts), metrics.UnitCount).
		Property("runId", d.opts.RunID).
		Property("itemId", item.ID).
		Flush()
}

func (d *Dispatcher) fail(item tagging.WorkItem, fe *failure.Error, attempts int, outcome *tagging.Outcome, start time.Time) {
	if fe == nil {
		fe = failure.NewValidation("invalid item")
	}
	d.mu.Lock()
	d.state.Failed++
	d.state.Errors = append(d.state.Errors, ItemError{
		ItemID:   item.ID,
		Kind:     item.Kind,
		Err:      fe,
		Attempts: attempts,
		Outcome:  outcome,
	})
	d.mu.Unlock()
	d.progress.Failed(item.ID, fe)

	log.Warn().
		Str("runId", d.opts.RunID).
		Str("itemId", item.ID).
		Str("kind", item.Kind.String()).
		Str("source", fe.Source.Tag()).
		Str("code", fe.Code).
		Bool("retryable", fe.Retryable).
		Int("attempts", attempts).
		Str("error", fe.Message).
		Msg("Item failed")

	d.opts.Metrics.Record().
		Dimension("Kind", item.Kind.String()).
		Dimension("Source", fe.Source.Tag()).
		Count("ItemsFailed").
		Duration("ItemLatency", time.Since(start)).
		Property("runId", d.opts.RunID).
		Property("itemId", item.ID).
		Property("code", fe.Code).
		Flush()
}

func (d *Dispatcher) skip(item tagging.WorkItem) {
	fe := failure.NewCancelled(item.ID)
	d.mu.Lock()
	d.state.Failed++
	d.state.Skipped++
	d.state.Errors = append(d.state.Errors, ItemError{ItemID: item.ID, Kind: item.Kind, Err: fe})
	d.mu.Unlock()
	d.progress.Skipped(item.ID, fe)
	log.Debug().Str("runId", d.opts.RunID).Str("itemId", item.ID).Msg("Item skipped, batch cancelled")
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.state.FinishedAt = time.Now().UTC()
	s := d.state
	d.mu.Unlock()
	d.progress.Close()

	log.Info().
		Str("runId", s.RunID).
		Int("total", s.Total).
		Int("completed", s.Completed).
		Int("failed", s.Failed).
		Int("skipped", s.Skipped).
		Bool("cancelled", s.Cancelled).
		Dur("elapsed", s.FinishedAt.Sub(s.StartedAt)).
		Msg("Batch finished")

	rec := d.opts.Metrics.Record().
		Metric("BatchItems", float64(s.Total), metrics.UnitCount).
		Metric("BatchCompleted", float64(s.Completed), metrics.UnitCount).
		Metric("BatchFailed", float64(s.Failed), metrics.UnitCount).
		Duration("BatchDuration", s.FinishedAt.Sub(s.StartedAt)).
		Property("runId", s.RunID).
		Property("cancelled", s.Cancelled)
	if s.Total > 0 {
		rec.Metric("BatchSuccessRate", float64(s.Completed)*100/float64(s.Total), metrics.UnitPercent)
	}
	rec.Flush()
	close(d.done)
}
