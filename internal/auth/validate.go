package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/metrics"
)

// ValidationError represents a specific kind of catalog key validation failure.
type ValidationError struct {
	Type    ValidationErrorType
	Message string
	Err     error
}

// ValidationErrorType categorizes validation failures.
type ValidationErrorType int

const (
	// ErrTypeNoKey indicates the catalog requires a key and none was found.
	ErrTypeNoKey ValidationErrorType = iota
	// ErrTypeInvalidKey indicates the catalog rejected the key.
	ErrTypeInvalidKey
	// ErrTypeNetworkError indicates the catalog could not be reached.
	ErrTypeNetworkError
	// ErrTypeRateLimited indicates the catalog is throttling requests.
	ErrTypeRateLimited
	// ErrTypeUnknown indicates any other failure.
	ErrTypeUnknown
)

func (t ValidationErrorType) String() string {
	switch t {
	case ErrTypeNoKey:
		return "no_key"
	case ErrTypeInvalidKey:
		return "invalid"
	case ErrTypeNetworkError:
		return "network_error"
	case ErrTypeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Pinger is the catalog call used to validate a key.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ValidateCatalogKey checks the key by making a minimal catalog query. hasKey
// distinguishes a missing key from a rejected one.
func ValidateCatalogKey(ctx context.Context, p Pinger, hasKey bool, m *metrics.Emitter) error {
	log.Debug().Msg("Validating catalog API key")

	start := time.Now()
	err := p.Ping(ctx)
	elapsed := time.Since(start)

	result := "success"
	var valErr *ValidationError
	if err != nil {
		valErr = classifyError(err, hasKey)
		result = valErr.Type.String()
	}

	if m != nil {
		m.Record().
			Dimension("Result", result).
			Duration("CatalogKeyValidation", elapsed).
			Count("CatalogKeyValidationResult").
			Flush()
	}
	log.Debug().Str("result", result).Dur("duration", elapsed).Msg("Catalog key validation result")

	if valErr != nil {
		return valErr
	}
	return nil
}

func classifyError(err error, hasKey bool) *ValidationError {
	fe := failure.Classify(err)

	switch {
	case fe.StatusCode == http.StatusUnauthorized || fe.StatusCode == http.StatusForbidden:
		if !hasKey {
			log.Error().Int("code", fe.StatusCode).Msg("Catalog requires an API key")
			return &ValidationError{Type: ErrTypeNoKey, Message: "catalog requires an API key", Err: err}
		}
		log.Error().Int("code", fe.StatusCode).Msg("Catalog rejected the API key")
		return &ValidationError{Type: ErrTypeInvalidKey, Message: "catalog API key is invalid or has been revoked", Err: err}

	case fe.StatusCode == http.StatusTooManyRequests:
		log.Error().Msg("Catalog rate limit exceeded")
		return &ValidationError{Type: ErrTypeRateLimited, Message: "catalog rate limit exceeded, try again later", Err: err}

	case fe.Source == failure.Network || (fe.StatusCode == 0 && fe.Retryable) || fe.StatusCode >= 500:
		log.Error().Err(err).Msg("Network error during catalog key validation")
		return &ValidationError{Type: ErrTypeNetworkError, Message: "catalog unreachable, check the catalog URL", Err: err}

	default:
		log.Error().Err(err).Msg("Unknown error during catalog key validation")
		return &ValidationError{Type: ErrTypeUnknown, Message: "failed to validate catalog API key", Err: err}
	}
}

// IsType reports whether err is a ValidationError of type t.
func IsType(err error, t ValidationErrorType) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Type == t
}
