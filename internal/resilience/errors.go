package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a platform call failure that is safe to retry: the
// bridge answered 5xx/429, the connection dropped, or the request timed out.
// RetryAfter carries the wait a throttling platform asked for (its
// Retry-After header); zero means the platform gave no hint and backoff
// alone decides the pause.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps a retryable platform failure with the HTTP status
// that produced it (0 for network-level failures).
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// NewThrottledError wraps a rate-limit response together with the pause the
// platform asked for. Retry honors the pause as a floor on its backoff.
func NewThrottledError(err error, statusCode int, retryAfter time.Duration) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode, RetryAfter: retryAfter}
}

// IsThrottled reports whether the error chain carries a 429 from a platform.
// Throttled calls still retry, but tripping a circuit on them would only
// worsen the platform's view of us, so the breaker ignores them.
func IsThrottled(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests
}

// RetryAfterHint extracts the platform-requested pause from an error chain,
// or 0 when no throttling hint is present.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsTransient reports whether an error is worth retrying: an explicit
// TransientError anywhere in the chain, a network timeout, a dropped
// connection, or one of the failure strings HTTP clients wrap without a
// typed cause. Anything else (auth failures, rejected rule configs, 4xx) is
// the caller's problem and retrying will not help.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped client errors that lost their typed cause.
	msg := strings.ToLower(err.Error())
	for _, p := range wrappedTransientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var wrappedTransientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"no such host",
	"temporary failure in name resolution",
	"server closed idle connection",
	"transport connection broken",
}

// IsTransientHTTPStatus reports whether a bridge status code indicates a
// server-side condition worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
