package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
)

// TransientError wraps an error that is safe to retry (non-200 status,
// unreadable body, service-reported error, network failure).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// Failure causes recorded on dead letters.
const (
	CauseTimeout    = "timeout"
	CauseConnection = "connection"
	CauseHTTPStatus = "http_status"
	CauseResponse   = "bad_response"
	CausePermanent  = "permanent"
)

// ClassifyError names the cause of a failed request: a timeout, a connection
// failure (refused, reset, DNS), a non-200 status, or a 200 response that
// could not be used. Errors that are not transient are "permanent".
func ClassifyError(err error) string {
	if !IsTransient(err) {
		return CausePermanent
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return CauseTimeout
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return CauseConnection
	}

	switch code := StatusCode(err); {
	case code == http.StatusOK:
		return CauseResponse
	case code > 0:
		return CauseHTTPStatus
	}
	return CauseConnection
}

// StatusCode extracts the HTTP status recorded on a TransientError in err's
// chain, or 0.
func StatusCode(err error) int {
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
