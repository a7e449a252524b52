package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects identity, remote services, resources and feature
// flags, then emits a single structured event describing how the process was
// configured.
type StartupLogger struct {
	name         string
	commitHash   string
	buildTime    string
	initDuration time.Duration

	services     map[string]string
	s3Buckets    map[string]string
	dynamoTables map[string]string
	ssmParams    map[string]string
	eventBuses   map[string]string
	databases    map[string]string
	features     map[string]bool
	config       map[string]string
}

// NewStartupLogger creates a StartupLogger for the named binary
// (e.g. "autotag", "autotag-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:         name,
		services:     make(map[string]string),
		s3Buckets:    make(map[string]string),
		dynamoTables: make(map[string]string),
		ssmParams:    make(map[string]string),
		eventBuses:   make(map[string]string),
		databases:    make(map[string]string),
		features:     make(map[string]bool),
		config:       make(map[string]string),
	}
}

// CommitHash sets the git commit baked into the binary.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

// BuildTime sets the UTC build timestamp baked into the binary.
func (s *StartupLogger) BuildTime(t string) *StartupLogger {
	s.buildTime = t
	return s
}

// Service registers a remote HTTP dependency by base URL.
func (s *StartupLogger) Service(label, url string) *StartupLogger {
	s.services[label] = url
	return s
}

// S3Bucket registers an S3 bucket.
func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	s.s3Buckets[label] = name
	return s
}

// DynamoTable registers a DynamoDB table.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	s.dynamoTables[label] = name
	return s
}

// SSMParam registers an SSM parameter path. Only the path is logged, never the value.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	s.ssmParams[label] = path
	return s
}

// EventBus registers an EventBridge bus.
func (s *StartupLogger) EventBus(label, name string) *StartupLogger {
	s.eventBuses[label] = name
	return s
}

// Database registers a local database file.
func (s *StartupLogger) Database(label, path string) *StartupLogger {
	s.databases[label] = path
	return s
}

// Feature registers a boolean feature flag.
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration value.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long initialisation took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the named environment variable, or defaultVal when it
// is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits one INFO event with everything collected.
func (s *StartupLogger) Log() {
	evt := log.Info()

	process := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		process = process.
			Str("functionName", fn).
			Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
			Str("region", os.Getenv("AWS_REGION")).
			Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))
	}
	if s.commitHash != "" {
		process = process.Str("commitHash", s.commitHash)
	}
	if s.buildTime != "" {
		process = process.Str("buildTime", s.buildTime)
	}
	evt = evt.Dict("process", process)

	if len(s.services) > 0 {
		evt = evt.Dict("services", dictFromMap(s.services))
	}

	resources := zerolog.Dict()
	hasResources := false
	for label, m := range map[string]map[string]string{
		"s3Buckets":    s.s3Buckets,
		"dynamoTables": s.dynamoTables,
		"ssmParams":    s.ssmParams,
		"eventBuses":   s.eventBuses,
		"databases":    s.databases,
	} {
		if len(m) > 0 {
			resources = resources.Dict(label, dictFromMap(m))
			hasResources = true
		}
	}
	if hasResources {
		evt = evt.Dict("resources", resources)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
