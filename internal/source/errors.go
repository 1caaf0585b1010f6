package source

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// HTTPError represents a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Message    string

	// RetryAfter carries the server-supplied delay hint on 429s.
	// HasRetryAfter distinguishes an explicit zero-delay hint from an
	// absent header.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// RateLimitExhausted is raised when the bounded rate-limit retry budget is
// spent. Fatal for the current chunk; the job retries on its next
// invocation from the last committed cursor.
type RateLimitExhausted struct {
	Attempts int
	Err      error
}

func (e *RateLimitExhausted) Error() string {
	return fmt.Sprintf("rate limit retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RateLimitExhausted) Unwrap() error { return e.Err }

// TransientNetworkError is raised when the bounded network retry budget is
// spent on timeouts, connection failures, or 5xx responses.
type TransientNetworkError struct {
	Attempts int
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("network retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// isTransient reports whether a single attempt failed in a way worth
// retrying: server errors, timeouts, and connection-level failures.
func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsServerError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
