// Command autotag runs batch autotagging against a media catalog from the
// terminal.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/catalog-autotag/internal/cli"
	"github.com/fpang/catalog-autotag/internal/config"
	"github.com/fpang/catalog-autotag/internal/logging"
)

// Build-time version identity, injected via -ldflags:
//
//	go build -ldflags="-X main.commitHash=${COMMIT_HASH} -X main.buildTime=$(date -u +%Y%m%dT%H%M%SZ)"
var (
	commitHash = "dev"
	buildTime  = "unknown"
)

// Global flags
var (
	processorURLFlag string
	catalogURLFlag   string
	catalogKeyFlag   string
	dbPathFlag       string
	concurrencyFlag  int
	retriesFlag      int
)

var rootCmd = &cobra.Command{
	Use:   "autotag",
	Short: "Batch autotagging for a media catalog",
	Long: `Autotag selects scenes or images from the catalog, sends each one to the
processing container for analysis and writes the returned tags and scene
markers back to the catalog.

Examples:
  autotag run --mode untagged --type scenes
  autotag run --type images --ids 12,15,31 --concurrency 8
  autotag run --mode recent --dry-run
  autotag health
  autotag history --limit 10
  autotag status run-6f1c2a9e-...`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       commitHash + " (" + buildTime + ")",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&processorURLFlag, "processor-url", "", "Processing container URL (default $"+config.EnvProcessorURL+")")
	pf.StringVar(&catalogURLFlag, "catalog-url", "", "Catalog GraphQL endpoint (default $"+config.EnvCatalogURL+")")
	pf.StringVar(&catalogKeyFlag, "catalog-key", "", "Catalog API key (default $"+config.EnvCatalogAPIKey+")")
	pf.StringVar(&dbPathFlag, "db", "", "Run history database (default $"+config.EnvDBPath+")")
	pf.IntVarP(&concurrencyFlag, "concurrency", "c", 0, "Items processed in parallel (1-64)")
	pf.IntVar(&retriesFlag, "retries", 0, "Attempts per remote call")

	rootCmd.AddCommand(runCmd, healthCmd, historyCmd, statusCmd, cancelRemoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := cli.Hint(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("processor-url") {
		cfg.ProcessorURL = processorURLFlag
	}
	if flags.Changed("catalog-url") {
		cfg.CatalogURL = catalogURLFlag
	}
	if flags.Changed("catalog-key") {
		cfg.CatalogAPIKey = catalogKeyFlag
	}
	if flags.Changed("db") {
		cfg.DBPath = dbPathFlag
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = concurrencyFlag
	}
	if flags.Changed("retries") {
		cfg.MaxRetries = retriesFlag
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	logging.NewStartupLogger("autotag").
		CommitHash(commitHash).
		BuildTime(buildTime).
		Service("processor", cfg.ProcessorURL).
		Service("catalog", cfg.CatalogURL).
		Database("history", cfg.DBPath).
		Config("concurrency", fmt.Sprint(cfg.Concurrency)).
		Config("maxRetries", fmt.Sprint(cfg.MaxRetries)).
		Config("baseDelayMs", fmt.Sprint(cfg.BaseDelay.Milliseconds())).
		InitDuration(time.Since(initStart)).
		Log()
	log.Debug().Str("command", cmd.Name()).Msg("Configuration loaded")
	return cfg, nil
}
