package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/processor"
)

const controlTimeout = 15 * time.Second

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the processing container and the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()

		proc := processor.NewClient(cfg.ProcessorURL, cfg.ProcessorOptions()...)
		hs, procErr := proc.Health(ctx)
		if procErr != nil {
			fmt.Printf("processor  %-40s  FAIL  %v\n", cfg.ProcessorURL, procErr)
		} else {
			fmt.Printf("processor  %-40s  OK    %s %s [%s]\n", cfg.ProcessorURL, hs.Status, hs.Version, strings.Join(hs.Models, ", "))
		}

		catErr := catalog.NewClient(cfg.CatalogURL, cfg.CatalogAPIKey).Ping(ctx)
		if catErr != nil {
			fmt.Printf("catalog    %-40s  FAIL  %v\n", cfg.CatalogURL, catErr)
		} else {
			fmt.Printf("catalog    %-40s  OK\n", cfg.CatalogURL)
		}

		if procErr != nil {
			return procErr
		}
		return catErr
	},
}

var cancelRemoteCmd = &cobra.Command{
	Use:   "cancel-remote",
	Short: "Ask the processing container to drop its queued work",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if err := processor.NewClient(cfg.ProcessorURL).Cancel(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Cancel requested")
		return nil
	},
}
