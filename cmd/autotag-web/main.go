// Command autotag-web serves the batch API on a local port with SQLite run
// history.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/catalog-autotag/internal/api"
	"github.com/fpang/catalog-autotag/internal/cli"
	"github.com/fpang/catalog-autotag/internal/config"
	"github.com/fpang/catalog-autotag/internal/logging"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/store"
)

var (
	commitHash = "dev"
	buildTime  = "unknown"
)

// CLI flags
var (
	listenFlag string
	dbPathFlag string
	sslFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "autotag-web",
	Short: "HTTP API for batch autotagging",
	Long: `Autotag Web starts a local server exposing the batch API: start runs,
follow their progress as server-sent events, cancel them and browse the
run history.

Examples:
  autotag-web
  autotag-web --listen 0.0.0.0:8090 --db /var/lib/autotag/history.db`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on (default $"+config.EnvListen+")")
	rootCmd.Flags().StringVar(&dbPathFlag, "db", "", "Run history database (default $"+config.EnvDBPath+")")
	rootCmd.Flags().BoolVar(&sslFlag, "ssl", false, "Send HSTS and redirect plain HTTP")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx := context.Background()
	emitter := metrics.Discard()
	cat, err := cli.InitCatalogClient(ctx, cfg.CatalogURL, cfg.CatalogAPIKey, emitter)
	if err != nil {
		if hint := cli.Hint(err); hint != "" {
			log.Error().Msg(hint)
		}
		log.Fatal().Err(err).Msg("Catalog unavailable")
	}

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open run history")
	}
	defer st.Close()

	deps, _ := api.DepsFromConfig(cfg, cat, emitter)
	deps.Store = st
	manager := api.NewManager(deps)
	server := api.NewServer(manager, api.Options{
		SSL:     sslFlag,
		Version: commitHash,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.NewStartupLogger("autotag-web").
		CommitHash(commitHash).
		BuildTime(buildTime).
		Service("processor", cfg.ProcessorURL).
		Service("catalog", cfg.CatalogURL).
		Database("history", cfg.DBPath).
		Config("listen", cfg.Listen).
		Config("concurrency", fmt.Sprint(cfg.Concurrency)).
		Config("maxRetries", fmt.Sprint(cfg.MaxRetries)).
		Feature("ssl", sslFlag).
		InitDuration(time.Since(initStart)).
		Log()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		log.Info().Msg("Shutting down: cancelling active runs")
		manager.CancelAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	fmt.Printf("\nAutotag API running at http://%s\n\n", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
