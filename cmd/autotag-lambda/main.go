// Package main provides the Lambda entry point for batch autotagging.
//
// One function serves two kinds of invocation:
//   - API Gateway HTTP API events are routed through the gin engine
//     (httpadapter). Batches started over HTTP run synchronously because
//     the execution environment is frozen once a response is returned.
//   - Any other event (an EventBridge schedule or a direct invoke) is
//     decoded as a batch request and run to completion.
//
// Run history lives in DynamoDB, reports in S3, completion events go to
// EventBridge and the catalog API key is read from SSM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/api"
	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/config"
	"github.com/fpang/catalog-autotag/internal/lambdaboot"
	"github.com/fpang/catalog-autotag/internal/logging"
	"github.com/fpang/catalog-autotag/internal/metrics"
)

// Build-time version identity, injected via -ldflags.
var (
	commitHash = "dev"
	buildTime  = "unknown"
)

var (
	manager   *api.Manager
	adapter   *httpadapter.HandlerAdapterV2
	coldStart = true
)

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	clients := lambdaboot.InitAWS()
	if err := lambdaboot.LoadCatalogKey(context.Background(), clients.SSM, &cfg); err != nil {
		log.Warn().Msg("Continuing without a catalog API key")
	}

	emitter := metrics.Stdout()
	cat := catalog.NewClient(cfg.CatalogURL, cfg.CatalogAPIKey)
	deps, _ := api.DepsFromConfig(cfg, cat, emitter)
	deps.Store = lambdaboot.InitDynamo(clients.Config, cfg.RunsTable)
	deps.Reports = lambdaboot.InitReports(clients.Config, cfg.ReportBucket)
	deps.Events = lambdaboot.InitEvents(clients.Config, cfg.EventBus)
	manager = api.NewManager(deps)

	server := api.NewServer(manager, api.Options{
		OriginSecret: os.Getenv("ORIGIN_VERIFY_SECRET"),
		Metrics:      emitter,
		Version:      commitHash,
		Synchronous:  true,
	})
	adapter = httpadapter.NewV2(server.Handler())

	lambdaboot.StartupLog("autotag-lambda", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Service("processor", cfg.ProcessorURL).
		Service("catalog", cfg.CatalogURL).
		DynamoTable("runs", cfg.RunsTable).
		S3Bucket("reports", cfg.ReportBucket).
		EventBus("events", logging.EnvOrDefault(config.EnvEventBus, "default")).
		SSMParam("catalogKey", logging.EnvOrDefault(config.EnvCatalogKeyParam, lambdaboot.DefaultCatalogKeyParam)).
		Config("concurrency", fmt.Sprint(cfg.Concurrency)).
		Config("maxRetries", fmt.Sprint(cfg.MaxRetries)).
		Feature("originVerify", os.Getenv("ORIGIN_VERIFY_SECRET") != "").
		Log()
}

// rawHandler peeks at the event to decide whether it came from API Gateway.
func rawHandler(ctx context.Context, raw json.RawMessage) (any, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "autotag-lambda").Msg("Cold start, first invocation")
	}

	var peek struct {
		RequestContext *struct {
			HTTP *struct {
				Method string `json:"method"`
			} `json:"http"`
		} `json:"requestContext"`
	}
	json.Unmarshal(raw, &peek)

	if peek.RequestContext != nil && peek.RequestContext.HTTP != nil {
		var req events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("unmarshal HTTP event: %w", err)
		}
		return adapter.ProxyWithContext(ctx, req)
	}

	var req api.BatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unmarshal batch request: %w", err)
	}
	return runScheduled(ctx, req)
}

// runScheduled runs one batch to completion for a non-HTTP invocation.
func runScheduled(ctx context.Context, req api.BatchRequest) (*api.Result, error) {
	start := time.Now()
	res, err := manager.Run(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("mode", req.Mode).Str("type", req.Type).Msg("Scheduled batch failed")
		return nil, err
	}
	log.Info().
		Str("runId", res.Run.ID).
		Str("status", res.Run.Status).
		Int("completed", res.Run.Completed).
		Int("failed", res.Run.Failed).
		Dur("duration", time.Since(start)).
		Msg("Scheduled batch complete")
	return res, nil
}

func main() {
	lambda.Start(rawHandler)
}
