// Package failure defines the error taxonomy shared by the processing client,
// the catalog client, the result applier and the batch dispatcher.
//
// Every error that crosses a component boundary is (or wraps) an *Error with a
// Source, a short machine-readable Code and a Retryable flag. The retry policy
// only ever looks at Retryable; reports only ever show Source tags and Message.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Source identifies which side of the system produced an error.
type Source int

const (
	// Network covers connection refused/reset, DNS, unreachable hosts and timeouts.
	Network Source = iota
	// RemoteService is a non-2xx response from the processing container.
	RemoteService
	// Catalog is a query or mutation failure from the catalog.
	Catalog
	// Processing is a 2xx response from the container reporting success=false.
	Processing
	// Validation is malformed input caught before dispatch.
	Validation
	// Cancelled marks items skipped because the batch was cancelled.
	Cancelled
)

// Tag returns the user-visible source tag shown in reports.
func (s Source) Tag() string {
	switch s {
	case Network:
		return "network"
	case RemoteService:
		return "container"
	case Catalog:
		return "catalog"
	case Processing:
		return "processing"
	case Validation:
		return "validation"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Source) String() string {
	switch s {
	case Network:
		return "Network"
	case RemoteService:
		return "RemoteService"
	case Catalog:
		return "Catalog"
	case Processing:
		return "Processing"
	case Validation:
		return "Validation"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// MarshalText renders the source as its report tag.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.Tag()), nil
}

// Error codes.
const (
	CodeTimeout           = "timeout"
	CodeConnectionRefused = "connection_refused"
	CodeConnectionReset   = "connection_reset"
	CodeDNS               = "dns"
	CodeUnreachable       = "unreachable"
	CodeNetwork           = "network"
	CodeRemoteFailure     = "remote_failure"
	CodeGraphQL           = "graphql"
	CodeInvalidInput      = "invalid_input"
	CodeCancelled         = "cancelled"
	CodeDecode            = "decode"
	CodeUnresolvedTag     = "unresolved_tag"
)

// Error is the structured error carried through the pipeline.
type Error struct {
	Source     Source    `json:"source"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	StatusCode int       `json:"statusCode,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Err        error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Source.Tag(), e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Source.Tag(), e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(src Source, code, msg string, retryable bool, cause error) *Error {
	return &Error{
		Source:    src,
		Code:      code,
		Message:   msg,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		Err:       cause,
	}
}

// NewNetwork builds a retryable network-level error.
func NewNetwork(code, msg string, cause error) *Error {
	return newError(Network, code, msg, true, cause)
}

// NewTimeout builds a retryable network timeout, distinguishable from a
// refused connection by its Code.
func NewTimeout(msg string, cause error) *Error {
	return newError(Network, CodeTimeout, msg, true, cause)
}

// NewProcessing builds a terminal error for a remote result that reported failure.
func NewProcessing(msg string) *Error {
	return newError(Processing, CodeRemoteFailure, msg, false, nil)
}

// NewValidation builds a terminal input validation error.
func NewValidation(msg string) *Error {
	return newError(Validation, CodeInvalidInput, msg, false, nil)
}

// NewCancelled marks an item that was never started because the batch was cancelled.
func NewCancelled(itemID string) *Error {
	return newError(Cancelled, CodeCancelled, "skipped: batch cancelled before item "+itemID+" started", false, nil)
}

// NewCatalog builds a catalog error. GraphQL-level rejections are terminal,
// transport and 5xx failures are retryable.
func NewCatalog(code, msg string, retryable bool, cause error) *Error {
	return newError(Catalog, code, msg, retryable, cause)
}

// FromStatus classifies a non-2xx HTTP response from src. 5xx and 429 are
// transient; other 4xx are terminal.
func FromStatus(src Source, status int, body string) *Error {
	retryable := status >= 500 || status == http.StatusTooManyRequests
	msg := http.StatusText(status)
	if msg == "" {
		msg = "unexpected status"
	}
	if body != "" {
		msg = msg + ": " + truncate(body, 200)
	}
	e := newError(src, "http_"+strconv.Itoa(status), msg, retryable, nil)
	e.StatusCode = status
	return e
}

// As returns the *Error in err's chain, or nil.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// Retryable reports whether err should be retried. Unclassified errors are
// run through Classify first.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
