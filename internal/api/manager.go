// Package api exposes batch runs over HTTP and owns their lifecycle.
//
// A Manager starts one Dispatcher per run, keeps it addressable by run ID
// while it is live, and when the run finishes it persists the summary and
// item records, exports the report and publishes the completion event.
// The same Manager backs the CLI, the local web server and the Lambda.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/batch"
	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/jobs"
	"github.com/fpang/catalog-autotag/internal/jobutil"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/notify"
	"github.com/fpang/catalog-autotag/internal/report"
	"github.com/fpang/catalog-autotag/internal/retry"
	"github.com/fpang/catalog-autotag/internal/store"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// maxFinished is how many finished runs stay in memory for status and SSE
// requests. Older ones are served from the run store.
const maxFinished = 32

// ErrUnknownRun is returned for run IDs the manager does not hold.
var ErrUnknownRun = errors.New("api: unknown run")

// Selector lists catalog items for a batch.
type Selector interface {
	ListAllItems(ctx context.Context, f catalog.Filter, limit int) ([]catalog.Item, error)
}

// Deps are the collaborators shared by every run. Store, Reports and Events
// are optional.
type Deps struct {
	Processor   batch.Processor
	Applier     batch.Applier
	Selector    Selector
	HealthCheck func(ctx context.Context) error

	Store   store.RunStore
	Reports *report.Exporter
	Events  *notify.Publisher
	Metrics *metrics.Emitter

	Retry       retry.Policy
	Concurrency int
}

// BatchRequest describes a run to start.
type BatchRequest struct {
	Mode        string         `json:"mode"`
	Type        string         `json:"type"`
	Concurrency int            `json:"concurrency,omitempty"`
	IDs         []string       `json:"ids,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	DryRun      bool           `json:"dryRun,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// Result is what a finished run leaves behind.
type Result struct {
	Run    *store.Run     `json:"run"`
	Report *report.Report `json:"report"`
}

type runEntry struct {
	d    *batch.Dispatcher
	run  *store.Run
	done chan struct{}

	// set once done is closed
	result *Result
}

// Manager owns the active and recently finished runs.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	runs     map[string]*runEntry
	finished []string
}

// NewManager returns a manager using deps.
func NewManager(deps Deps) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	return &Manager{deps: deps, runs: make(map[string]*runEntry)}
}

// Store returns the run store, which may be nil.
func (m *Manager) Store() store.RunStore {
	return m.deps.Store
}

// Reports returns the report exporter, which may be nil.
func (m *Manager) Reports() *report.Exporter {
	return m.deps.Reports
}

// Items resolves the work items of req: the explicit IDs when given,
// otherwise a catalog selection by mode.
func (m *Manager) Items(ctx context.Context, req BatchRequest) ([]tagging.WorkItem, error) {
	kind, err := tagging.ParseKind(defaultString(req.Type, "scenes"))
	if err != nil {
		return nil, failure.NewValidation(err.Error())
	}
	if len(req.IDs) > 0 {
		items := make([]tagging.WorkItem, 0, len(req.IDs))
		for _, id := range req.IDs {
			items = append(items, tagging.NewWorkItem(strings.TrimSpace(id), kind, req.Options))
		}
		return items, nil
	}

	mode, err := tagging.ParseMode(defaultString(req.Mode, string(tagging.ModeUntagged)))
	if err != nil {
		return nil, failure.NewValidation(err.Error())
	}
	if m.deps.Selector == nil {
		return nil, failure.NewValidation("no catalog configured; pass item ids explicitly")
	}
	found, err := m.deps.Selector.ListAllItems(ctx, catalog.Filter{Mode: mode, Kind: kind}, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	return catalog.WorkItems(found, req.Options), nil
}

// Start selects the items of req and launches a run. The run continues
// after ctx ends; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, req BatchRequest) (*batch.Dispatcher, error) {
	items, err := m.Items(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.StartItems(ctx, req, items)
}

// StartItems launches a run over items.
func (m *Manager) StartItems(ctx context.Context, req BatchRequest, items []tagging.WorkItem) (*batch.Dispatcher, error) {
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = m.deps.Concurrency
	}
	var a batch.Applier
	if !req.DryRun {
		a = m.deps.Applier
	}

	runID := jobs.NewRunID()
	d := batch.New(m.deps.Processor, a, batch.Options{
		RunID:       runID,
		Concurrency: concurrency,
		Retry:       m.deps.Retry,
		HealthCheck: m.deps.HealthCheck,
		Metrics:     m.deps.Metrics,
	})

	kind, _ := tagging.ParseKind(defaultString(req.Type, "scenes"))
	if len(items) > 0 {
		kind = items[0].Kind
	}
	mode := defaultString(req.Mode, string(tagging.ModeUntagged))
	if len(req.IDs) > 0 {
		mode = "ids"
	}
	run := store.NewRun(runID, mode, kind.String(), len(items), a == nil)
	if m.deps.Store != nil {
		if err := m.deps.Store.PutRun(ctx, run); err != nil {
			log.Warn().Err(err).Str("runId", runID).Msg("Failed to record run start")
		}
	}

	// The run outlives the request that started it.
	if err := d.Start(context.WithoutCancel(ctx), items); err != nil {
		if m.deps.Store != nil {
			if werr := jobutil.SetRunError(ctx, runID, err.Error(), jobutil.StoreWriter(m.deps.Store)); werr != nil {
				log.Warn().Err(werr).Str("runId", runID).Msg("Failed to record run error")
			}
		}
		return nil, err
	}

	e := &runEntry{d: d, run: run, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[runID] = e
	m.mu.Unlock()

	go m.finish(e)
	return d, nil
}

// Run starts a run and blocks until it has been persisted. If ctx ends
// first the run is cancelled.
func (m *Manager) Run(ctx context.Context, req BatchRequest) (*Result, error) {
	d, err := m.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := m.Wait(ctx, d.RunID())
	if err != nil {
		d.Cancel()
		return nil, err
	}
	return res, nil
}

// finish persists the run once the dispatcher is done.
func (m *Manager) finish(e *runEntry) {
	<-e.d.Done()
	state := e.d.Snapshot()
	runID := state.RunID
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	e.run.Finish(state)
	rep := report.Build(state)

	if m.deps.Reports != nil {
		key, err := m.deps.Reports.Export(ctx, rep)
		if err != nil {
			log.Warn().Err(err).Str("runId", runID).Msg("Report export failed")
		} else {
			e.run.ReportKey = key
		}
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.PutItems(ctx, runID, store.ItemRecords(state)); err != nil {
			log.Warn().Err(err).Str("runId", runID).Msg("Failed to store item records")
		}
		if err := m.deps.Store.PutRun(ctx, e.run); err != nil {
			log.Warn().Err(err).Str("runId", runID).Msg("Failed to store run summary")
		}
	}
	if err := m.deps.Events.BatchFinished(ctx, e.run); err != nil {
		log.Warn().Err(err).Str("runId", runID).Msg("Completion event not published")
	}

	m.mu.Lock()
	e.result = &Result{Run: e.run, Report: rep}
	m.finished = append(m.finished, runID)
	for len(m.finished) > maxFinished {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
	close(e.done)

	log.Info().
		Str("runId", runID).
		Str("status", e.run.Status).
		Str("reportKey", e.run.ReportKey).
		Msg("Run recorded")
}

func (m *Manager) entry(runID string) *runEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// Get returns the dispatcher of a run held in memory.
func (m *Manager) Get(runID string) (*batch.Dispatcher, bool) {
	e := m.entry(runID)
	if e == nil {
		return nil, false
	}
	return e.d, true
}

// Active returns the number of runs that have not finished.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs) - len(m.finished)
}

// Cancel requests cancellation of a run. It reports false for unknown runs.
func (m *Manager) Cancel(runID string) bool {
	e := m.entry(runID)
	if e == nil {
		return false
	}
	e.d.Cancel()
	return true
}

// CancelAll requests cancellation of every active run.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	entries := make([]*runEntry, 0, len(m.runs))
	for _, e := range m.runs {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.d.Cancel()
	}
}

// Wait blocks until the run has finished and been persisted.
func (m *Manager) Wait(ctx context.Context, runID string) (*Result, error) {
	e := m.entry(runID)
	if e == nil {
		return nil, ErrUnknownRun
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.result, nil
}

// Report returns the report of a finished run held in memory.
func (m *Manager) Report(runID string) (*report.Report, bool) {
	e := m.entry(runID)
	if e == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.result == nil {
		return nil, false
	}
	return e.result.Report, true
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
