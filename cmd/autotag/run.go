package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/catalog-autotag/internal/api"
	"github.com/fpang/catalog-autotag/internal/batch"
	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/cli"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/progress"
	"github.com/fpang/catalog-autotag/internal/report"
	"github.com/fpang/catalog-autotag/internal/store"
)

// Exit codes of the run command.
const (
	exitPartial   = 2
	exitCancelled = 130
)

// run flags
var (
	modeFlag      string
	typeFlag      string
	idsFlag       []string
	limitFlag     int
	dryRunFlag    bool
	jsonFlag      bool
	noHistoryFlag bool
	metricsFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tag a batch of scenes or images",
	Long: `Run selects items from the catalog (or takes --ids), processes them with a
fixed pool of workers and applies the results. Press Ctrl+C once to stop
after the items in flight; press it again to abort immediately.

Exit status is 0 when every item succeeded, 2 when some failed and 130 when
the run was cancelled.`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&modeFlag, "mode", "m", "untagged", "Item selection: untagged, recent or all")
	f.StringVarP(&typeFlag, "type", "t", "scenes", "Item type: scenes or images")
	f.StringSliceVar(&idsFlag, "ids", nil, "Explicit item IDs (comma-separated); overrides --mode")
	f.IntVar(&limitFlag, "limit", 0, "Maximum items to select (0 = unlimited)")
	f.BoolVar(&dryRunFlag, "dry-run", false, "Process items but do not write to the catalog")
	f.BoolVar(&jsonFlag, "json", false, "Print the final report as JSON")
	f.BoolVar(&noHistoryFlag, "no-history", false, "Do not record the run in the history database")
	f.StringVar(&metricsFlag, "metrics-file", "", "Append EMF metric lines to this file")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals are handled from here on: a first Ctrl+C during catalog
	// selection or the health check cancels the run before it starts.
	intr := &interrupts{cancel: cancel}
	stopSignals := intr.notify()
	defer stopSignals()

	emitter := metrics.Discard()
	if metricsFlag != "" {
		f, err := os.OpenFile(metricsFlag, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		defer f.Close()
		emitter = metrics.NewEmitter(metrics.Namespace, f)
	}

	// An explicit dry run over IDs needs nothing from the catalog.
	var cat *catalog.Client
	if !(dryRunFlag && len(idsFlag) > 0) {
		cat, err = cli.InitCatalogClient(ctx, cfg.CatalogURL, cfg.CatalogAPIKey, emitter)
		if err != nil {
			return cancelledOr(err)
		}
	}

	deps, _ := api.DepsFromConfig(cfg, cat, emitter)
	if !noHistoryFlag {
		st, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.DBPath).Msg("History disabled")
		} else {
			defer st.Close()
			deps.Store = st
		}
	}
	manager := api.NewManager(deps)

	d, err := manager.Start(ctx, api.BatchRequest{
		Mode:        modeFlag,
		Type:        typeFlag,
		Concurrency: cfg.Concurrency,
		IDs:         idsFlag,
		Limit:       limitFlag,
		DryRun:      dryRunFlag,
	})
	if err != nil {
		return cancelledOr(err)
	}
	fmt.Fprintf(os.Stderr, "Run %s started (%d items)\n", d.RunID(), d.Snapshot().Total)
	intr.attach(d)

	var progressDone chan struct{}
	if cli.IsInteractive(os.Stderr) {
		progressDone = make(chan struct{})
		go func() {
			defer close(progressDone)
			showProgress(d.Progress())
		}()
	}

	// ctx may already be cancelled by an interrupt; the run itself is not.
	res, err := manager.Wait(context.WithoutCancel(ctx), d.RunID())
	if err != nil {
		return err
	}
	if progressDone != nil {
		<-progressDone
	}
	if jsonFlag {
		err = report.WriteJSON(os.Stdout, res.Report)
	} else {
		err = report.WriteText(os.Stdout, res.Report)
	}
	if err != nil {
		return err
	}

	switch {
	case res.Report.Cancelled:
		return exitCode(exitCancelled)
	case res.Report.Failed > 0:
		return exitCode(exitPartial)
	}
	return nil
}

// exitCode ends the process with a status but no error message.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

// cancelledOr maps an error caused by an interrupt before the run started
// to the cancelled exit status.
func cancelledOr(err error) error {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Cancelled before the run started")
		return exitCode(exitCancelled)
	}
	return err
}

// interrupts maps the first SIGINT/SIGTERM to a cooperative cancel and the
// second to an immediate exit. The first signal cancels the setup context and
// the run, whether the run is attached before or after it arrives.
type interrupts struct {
	cancel context.CancelFunc
	// abort runs on the second signal; nil means os.Exit(exitCancelled).
	abort func()

	mu    sync.Mutex
	d     *batch.Dispatcher
	fired bool
}

// attach hands the started run to the handler.
func (in *interrupts) attach(d *batch.Dispatcher) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.d = d
	if in.fired {
		d.Cancel()
	}
}

func (in *interrupts) interrupt() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fired = true
	in.cancel()
	if in.d != nil {
		in.d.Cancel()
	}
}

// notify installs the signal handler and returns its stop function.
func (in *interrupts) notify() func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	stop := in.watch(sigs)
	return func() {
		signal.Stop(sigs)
		stop()
	}
}

// watch reacts to signals received on sigs until the returned function is called.
func (in *interrupts) watch(sigs <-chan os.Signal) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-sigs:
		case <-stop:
			return
		}
		fmt.Fprintln(os.Stderr, "\nCancelling: waiting for items in flight (Ctrl+C again to abort)")
		in.interrupt()
		select {
		case <-sigs:
			fmt.Fprintln(os.Stderr, "Aborted")
			if in.abort != nil {
				in.abort()
				return
			}
			os.Exit(exitCancelled)
		case <-stop:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// showProgress redraws a single progress line on stderr until the run is done.
func showProgress(agg *progress.Aggregator) {
	sub := agg.Subscribe()
	width := cli.TerminalWidth(os.Stderr, 80)
	for e := range sub.C {
		fmt.Fprintf(os.Stderr, "\r%s", cli.FormatProgress(e.Snapshot, agg.Elapsed(), width-1))
		if e.Type == progress.EventFailed {
			log.Debug().Str("itemId", e.ItemID).Msg("Item failed")
		}
	}
	fmt.Fprintln(os.Stderr)
}
