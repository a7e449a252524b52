// Package logging configures the global zerolog logger and emits the
// one-shot startup summary.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables read by Init.
const (
	EnvLevel  = "AUTOTAG_LOG_LEVEL"
	EnvFormat = "AUTOTAG_LOG_FORMAT"
)

// Init configures the global logger from the environment.
// AUTOTAG_LOG_LEVEL: trace, debug, info, warn, error (default: info).
// AUTOTAG_LOG_FORMAT: console (default) or json.
func Init() {
	Configure(os.Getenv(EnvLevel), os.Getenv(EnvFormat), os.Stderr)
}

// Configure sets the global level and output. Unknown levels fall back to info.
func Configure(level, format string, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
