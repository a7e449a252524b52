// Package config loads the autotag settings from AUTOTAG_* environment
// variables. Binaries load once at startup and may override fields from
// flags before calling Validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/processor"
	"github.com/fpang/catalog-autotag/internal/retry"
)

// Environment variable names.
const (
	EnvProcessorURL    = "AUTOTAG_PROCESSOR_URL"
	EnvCatalogURL      = "AUTOTAG_CATALOG_URL"
	EnvCatalogAPIKey   = "AUTOTAG_CATALOG_API_KEY"
	EnvConcurrency     = "AUTOTAG_CONCURRENCY"
	EnvMaxRetries      = "AUTOTAG_MAX_RETRIES"
	EnvBaseDelayMs     = "AUTOTAG_BASE_DELAY_MS"
	EnvMaxDelayMs      = "AUTOTAG_MAX_DELAY_MS"
	EnvRequestTimeout  = "AUTOTAG_REQUEST_TIMEOUT"
	EnvFrameInterval   = "AUTOTAG_FRAME_INTERVAL"
	EnvMaxFrames       = "AUTOTAG_MAX_FRAMES"
	EnvShotDetection   = "AUTOTAG_SHOT_DETECTION"
	EnvConfidence      = "AUTOTAG_CONFIDENCE"
	EnvImageQuality    = "AUTOTAG_IMAGE_QUALITY"
	EnvDBPath          = "AUTOTAG_DB_PATH"
	EnvListen          = "AUTOTAG_LISTEN"
	EnvRunsTable       = "RUNS_TABLE_NAME"
	EnvReportBucket    = "REPORT_BUCKET_NAME"
	EnvEventBus        = "EVENT_BUS_NAME"
	EnvCatalogKeyParam = "SSM_CATALOG_KEY_PARAM"
)

// Defaults.
const (
	DefaultCatalogURL = "http://localhost:9999/graphql"
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultDBPath     = "./autotag.db"
	DefaultListen     = "127.0.0.1:8090"
	maxConcurrency    = 64
)

// Config is the full runtime configuration.
type Config struct {
	ProcessorURL   string
	CatalogURL     string
	CatalogAPIKey  string `json:"-"`
	Concurrency    int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	Scene          processor.SceneOptions
	Image          processor.ImageOptions

	DBPath string
	Listen string

	// Lambda resources.
	RunsTable       string
	ReportBucket    string
	EventBus        string
	CatalogKeyParam string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ProcessorURL:   processor.DefaultBaseURL,
		CatalogURL:     DefaultCatalogURL,
		Concurrency:    4,
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		RequestTimeout: processor.DefaultTimeout,
		Scene:          processor.DefaultSceneOptions(),
		Image:          processor.DefaultImageOptions(),
		DBPath:         DefaultDBPath,
		Listen:         DefaultListen,
	}
}

// Load reads the process environment over the defaults.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads settings through lookup over the defaults. Malformed values
// are reported together.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str(EnvProcessorURL, &c.ProcessorURL)
	p.str(EnvCatalogURL, &c.CatalogURL)
	p.str(EnvCatalogAPIKey, &c.CatalogAPIKey)
	p.integer(EnvConcurrency, &c.Concurrency)
	p.integer(EnvMaxRetries, &c.MaxRetries)
	p.millis(EnvBaseDelayMs, &c.BaseDelay)
	p.millis(EnvMaxDelayMs, &c.MaxDelay)
	p.duration(EnvRequestTimeout, &c.RequestTimeout)
	p.float(EnvFrameInterval, &c.Scene.FrameInterval)
	p.integer(EnvMaxFrames, &c.Scene.MaxFrames)
	p.boolean(EnvShotDetection, &c.Scene.ShotDetection)
	if p.float(EnvConfidence, &c.Scene.ConfidenceThreshold) {
		c.Image.ConfidenceThreshold = c.Scene.ConfidenceThreshold
	}
	p.str(EnvImageQuality, &c.Image.Quality)
	p.str(EnvDBPath, &c.DBPath)
	p.str(EnvListen, &c.Listen)
	p.str(EnvRunsTable, &c.RunsTable)
	p.str(EnvReportBucket, &c.ReportBucket)
	p.str(EnvEventBus, &c.EventBus)
	p.str(EnvCatalogKeyParam, &c.CatalogKeyParam)

	if len(p.errs) > 0 {
		return c, failure.NewValidation("invalid configuration: " + strings.Join(p.errs, "; "))
	}
	return c, nil
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	var errs []string
	if c.ProcessorURL == "" {
		errs = append(errs, "processor URL is required")
	}
	if c.CatalogURL == "" {
		errs = append(errs, "catalog URL is required")
	}
	if c.Concurrency < 1 || c.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Sprintf("concurrency must be between 1 and %d, got %d", maxConcurrency, c.Concurrency))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Sprintf("max retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, "base delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, "max delay must not be below base delay")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "request timeout must be positive")
	}
	if c.Scene.FrameInterval <= 0 {
		errs = append(errs, "frame interval must be positive")
	}
	if c.Scene.MaxFrames < 1 {
		errs = append(errs, "max frames must be at least 1")
	}
	if c.Scene.ConfidenceThreshold < 0 || c.Scene.ConfidenceThreshold > 1 {
		errs = append(errs, "confidence must be between 0 and 1")
	}
	switch c.Image.Quality {
	case processor.QualityFast, processor.QualityStandard, processor.QualityHigh:
	default:
		errs = append(errs, fmt.Sprintf("image quality must be fast, standard or high, got %q", c.Image.Quality))
	}
	if len(errs) > 0 {
		return failure.NewValidation(strings.Join(errs, "; "))
	}
	return nil
}

// RetryPolicy builds the policy used for processing and catalog calls.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.MaxRetries
	p.BaseDelay = c.BaseDelay
	p.MaxDelay = c.MaxDelay
	return p
}

// ProcessorOptions returns the client options for the processing container.
func (c Config) ProcessorOptions() []processor.Option {
	return []processor.Option{
		processor.WithTimeout(c.RequestTimeout),
		processor.WithSceneDefaults(c.Scene),
		processor.WithImageDefaults(c.Image),
	}
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (p *parser) float(key string, dst *float64) bool {
	v, ok := p.get(key)
	if !ok {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return false
	}
	*dst = f
	return true
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (p *parser) millis(key string, dst *time.Duration) {
	var n int
	before := len(p.errs)
	p.integer(key, &n)
	if _, ok := p.get(key); ok && len(p.errs) == before {
		*dst = time.Duration(n) * time.Millisecond
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}
