package failure

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Classify maps an arbitrary error onto the taxonomy. Errors that already carry
// an *Error are returned as is; transport errors are recognised by type first
// and by message as a fallback. Anything else is treated as a retryable
// network failure, since unclassified errors here come from the transport.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if fe := As(err); fe != nil {
		return fe
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTimeout("request exceeded deadline", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeout("request exceeded deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(Cancelled, CodeCancelled, "request cancelled", false, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewNetwork(CodeDNS, "DNS lookup failed for "+dnsErr.Name, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewNetwork(CodeConnectionRefused, "connection refused", err)
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return NewNetwork(CodeConnectionReset, "connection reset", err)
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return NewNetwork(CodeUnreachable, "host unreachable", err)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return NewTimeout("request exceeded deadline", err)
	case strings.Contains(lower, "connection refused"):
		return NewNetwork(CodeConnectionRefused, "connection refused", err)
	case strings.Contains(lower, "connection reset"):
		return NewNetwork(CodeConnectionReset, "connection reset", err)
	case strings.Contains(lower, "no such host"):
		return NewNetwork(CodeDNS, "DNS lookup failed", err)
	case strings.Contains(lower, "unreachable"):
		return NewNetwork(CodeUnreachable, "host unreachable", err)
	default:
		return NewNetwork(CodeNetwork, "request failed", err)
	}
}
