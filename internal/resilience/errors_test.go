package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("bad gateway"), 502)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422, 429}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}

	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner, 503)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestIsTransient_DeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("fetch: %w", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Error("deadline exceeded should be transient")
	}
}

func TestRateLimitedError_NeverTransient(t *testing.T) {
	err := fmt.Errorf("visa: %w", NewRateLimitedError(errors.New("http 403"), 403))
	if !IsRateLimited(err) {
		t.Error("expected wrapped RateLimitedError to be detected")
	}
	if IsTransient(err) {
		t.Error("rate-limited error must not be transient")
	}
	if IsFatal(err) {
		t.Error("rate-limited error is not fatal")
	}
}

func TestFatalError(t *testing.T) {
	inner := errors.New("unsupported pair")
	err := NewFatalError(inner)
	if !IsFatal(err) {
		t.Error("expected fatal")
	}
	if !errors.Is(err, inner) {
		t.Error("FatalError.Unwrap should return the inner error")
	}
	if IsTransient(fmt.Errorf("wrap: %w", err)) {
		t.Error("fatal error must not be transient")
	}
}

func TestIsRateLimitHTTPStatus(t *testing.T) {
	for _, code := range []int{403, 429} {
		if !IsRateLimitHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be rate limited", code)
		}
	}
	for _, code := range []int{200, 400, 404, 500} {
		if IsRateLimitHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be rate limited", code)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]error{
		"ok":           nil,
		"rate_limited": NewRateLimitedError(errors.New("blocked"), 429),
		"fatal":        NewFatalError(errors.New("bad")),
		"transient":    NewTransientError(errors.New("502"), 502),
		"permanent":    errors.New("something else"),
	}
	for want, err := range cases {
		if got := Classify(err); got != want {
			t.Errorf("Classify(%v) = %q, want %q", err, got, want)
		}
	}
}
