package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/catalog-autotag/internal/cli"
	"github.com/fpang/catalog-autotag/internal/jobs"
	"github.com/fpang/catalog-autotag/internal/processor"
	"github.com/fpang/catalog-autotag/internal/store"
)

var historyLimitFlag int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(context.Background(), historyLimitFlag)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tMODE\tTYPE\tOK\tFAILED\tTOTAL\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				r.ID, time.Unix(r.StartedAt, 0).Format("2006-01-02 15:04"), statusLabel(r),
				r.Mode, r.Kind, r.Completed, r.Failed, r.Total, runDuration(r))
		}
		return tw.Flush()
	},
}

// statusCmd shows a stored run, or the container queue when no run is given.
var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a recorded run or the processing container's queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()

		if len(args) == 0 {
			qs, err := processor.NewClient(cfg.ProcessorURL).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("busy: %t  active: %d  queued: %d", qs.Busy, qs.Active, qs.Queued)
			if qs.CurrentItem != "" {
				fmt.Printf("  current: %s", qs.CurrentItem)
			}
			fmt.Println()
			return nil
		}

		runID, ok := jobs.NormalizeRunID(args[0])
		if !ok {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		st, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found in %s", runID, cfg.DBPath)
		}
		items, err := st.ListItems(ctx, runID)
		if err != nil {
			return err
		}
		printRun(run, items)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 20, "Number of runs to show")
}

func statusLabel(r *store.Run) string {
	if r.DryRun {
		return r.Status + " (dry)"
	}
	return r.Status
}

func runDuration(r *store.Run) string {
	if r.FinishedAt == 0 {
		return "-"
	}
	return cli.FormatDurationShort(time.Duration(r.FinishedAt-r.StartedAt) * time.Second)
}

func printRun(r *store.Run, items []*store.ItemRecord) {
	fmt.Printf("Run:       %s\n", r.ID)
	fmt.Printf("Status:    %s\n", statusLabel(r))
	fmt.Printf("Selection: %s %s\n", r.Mode, r.Kind)
	fmt.Printf("Items:     %d ok, %d failed (%d skipped) of %d\n", r.Completed, r.Failed, r.Skipped, r.Total)
	fmt.Printf("Duration:  %s\n", runDuration(r))
	if r.Error != "" {
		fmt.Printf("Error:     %s\n", r.Error)
	}
	if len(r.SourceCounts) > 0 {
		sources := make([]string, 0, len(r.SourceCounts))
		for src, n := range r.SourceCounts {
			sources = append(sources, fmt.Sprintf("%s=%d", src, n))
		}
		sort.Strings(sources)
		fmt.Printf("Failures:  %s\n", strings.Join(sources, " "))
	}

	var failed []*store.ItemRecord
	for _, it := range items {
		if !it.Success {
			failed = append(failed, it)
		}
	}
	if len(failed) == 0 {
		return
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSOURCE\tATTEMPTS\tMESSAGE")
	for _, it := range failed {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", it.ItemID, it.Source, it.Attempts, it.Message)
	}
	tw.Flush()
}
