package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		code      string
	}{
		{http.StatusInternalServerError, true, "http_500"},
		{http.StatusBadGateway, true, "http_502"},
		{http.StatusServiceUnavailable, true, "http_503"},
		{http.StatusTooManyRequests, true, "http_429"},
		{http.StatusBadRequest, false, "http_400"},
		{http.StatusUnauthorized, false, "http_401"},
		{http.StatusForbidden, false, "http_403"},
		{http.StatusNotFound, false, "http_404"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := FromStatus(RemoteService, tt.status, "boom")
			if e.Retryable != tt.retryable {
				t.Errorf("status %d: expected retryable=%v, got %v", tt.status, tt.retryable, e.Retryable)
			}
			if e.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, e.Code)
			}
			if e.Source != RemoteService {
				t.Errorf("expected RemoteService source, got %s", e.Source)
			}
			if e.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, e.StatusCode)
			}
		})
	}
}

func TestClassify_Timeout(t *testing.T) {
	err := fmt.Errorf("post: %w", context.DeadlineExceeded)
	e := Classify(err)
	if e.Source != Network || e.Code != CodeTimeout {
		t.Errorf("expected network timeout, got %s %s", e.Source, e.Code)
	}
	if !e.Retryable {
		t.Error("timeouts should be retryable")
	}
}

func TestClassify_ConnectionRefused(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	e := Classify(err)
	if e.Code != CodeConnectionRefused {
		t.Errorf("expected %s, got %s", CodeConnectionRefused, e.Code)
	}
	if e.Code == CodeTimeout {
		t.Error("refused connection must be distinguishable from timeout")
	}
}

func TestClassify_DNS(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "worker.local", IsNotFound: true}
	e := Classify(err)
	if e.Code != CodeDNS {
		t.Errorf("expected %s, got %s", CodeDNS, e.Code)
	}
}

func TestClassify_PreservesTypedError(t *testing.T) {
	orig := NewValidation("bad id")
	wrapped := fmt.Errorf("dispatch: %w", orig)
	if got := Classify(wrapped); got != orig {
		t.Errorf("expected original *Error to be returned, got %v", got)
	}
	if Retryable(wrapped) {
		t.Error("validation errors must be terminal")
	}
}

func TestClassify_Canceled(t *testing.T) {
	e := Classify(context.Canceled)
	if e.Retryable {
		t.Error("context cancellation must not be retried")
	}
}

func TestRetryable_Nil(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil error is not retryable")
	}
}

func TestSourceTags(t *testing.T) {
	want := map[Source]string{
		Network:       "network",
		RemoteService: "container",
		Catalog:       "catalog",
		Processing:    "processing",
		Validation:    "validation",
	}
	for src, tag := range want {
		if src.Tag() != tag {
			t.Errorf("%s: expected tag %q, got %q", src, tag, src.Tag())
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := NewNetwork(CodeConnectionReset, "connection reset", cause)
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}
