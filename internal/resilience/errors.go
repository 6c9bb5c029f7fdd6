package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network
// timeout, malformed payload). A later run may succeed where this one failed.
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

// RateLimitedError signals that the upstream is actively blocking us
// (403/429 class). It is fatal for the current run and never retried.
type RateLimitedError struct {
	Err        error
	StatusCode int
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// NewRateLimitedError wraps an error as a rate-limit signal.
func NewRateLimitedError(err error, statusCode int) *RateLimitedError {
	return &RateLimitedError{Err: err, StatusCode: statusCode}
}

// FatalError marks a failure no retry can fix (unsupported pair, bad request
// construction).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// IsRateLimited reports whether err carries a RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). Rate-limit and fatal errors are
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) || IsFatal(err) {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue. 429 is deliberately absent: providers use it
// to block automation, which is a rate-limit signal.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// IsRateLimitHTTPStatus returns true for the forbidden/too-many-requests class.
func IsRateLimitHTTPStatus(statusCode int) bool {
	return statusCode == 403 || statusCode == 429
}

// Classify names the error class for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRateLimited(err):
		return "rate_limited"
	case IsFatal(err):
		return "fatal"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
