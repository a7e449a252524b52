// Package lambdaboot provides the Lambda cold-start bootstrap.
//
// The Lambda deployment needs AWS config, S3 for reports, DynamoDB for run
// history, EventBridge for completion events, an SSM fetch of the catalog
// key and startup logging. Each helper covers one of those so the handler's
// init() is a short composition of calls.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/config"
	"github.com/fpang/catalog-autotag/internal/logging"
	"github.com/fpang/catalog-autotag/internal/notify"
	"github.com/fpang/catalog-autotag/internal/report"
	"github.com/fpang/catalog-autotag/internal/store"
)

// DefaultCatalogKeyParam is the SSM parameter read when none is configured.
const DefaultCatalogKeyParam = "/catalog-autotag/prod/catalog-api-key"

// AWSClients holds the core AWS SDK clients.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitReports creates the S3 report exporter. Returns nil (with a warning)
// when no bucket is configured.
func InitReports(cfg aws.Config, bucket string) *report.Exporter {
	if bucket == "" {
		log.Warn().Str("envVar", config.EnvReportBucket).Msg("Report bucket not set, report export disabled")
		return nil
	}
	return report.NewExporter(s3.NewFromConfig(cfg), bucket)
}

// InitDynamo creates the DynamoDB run store. Fatals if no table is configured.
func InitDynamo(cfg aws.Config, tableName string) *store.DynamoStore {
	if tableName == "" {
		log.Fatal().Str("envVar", config.EnvRunsTable).Msg("DynamoDB table environment variable is required")
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), tableName)
}

// InitEvents creates the EventBridge publisher. An empty bus publishes to
// the account's default bus.
func InitEvents(cfg aws.Config, bus string) *notify.Publisher {
	return notify.NewPublisher(eventbridge.NewFromConfig(cfg), bus)
}

// ParameterGetter is the subset of the SSM client LoadCatalogKey uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadCatalogKey fills cfg.CatalogAPIKey from SSM Parameter Store unless it
// is already set. A failed fetch is returned so the caller can decide whether
// an unauthenticated catalog is acceptable.
func LoadCatalogKey(ctx context.Context, client ParameterGetter, cfg *config.Config) error {
	if cfg.CatalogAPIKey != "" {
		return nil
	}
	paramName := cfg.CatalogKeyParam
	if paramName == "" {
		paramName = DefaultCatalogKeyParam
	}
	ssmStart := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Warn().Err(err).Str("param", paramName).Msg("Catalog API key not found in SSM")
		return err
	}
	cfg.CatalogAPIKey = aws.ToString(result.Parameter.Value)
	os.Setenv(config.EnvCatalogAPIKey, cfg.CatalogAPIKey)
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Catalog API key loaded from SSM")
	return nil
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
