package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TimeoutError marks a fetch attempt that exceeded its deadline.
// Transient: retried, then recorded as a failed artifact.
type TimeoutError struct {
	Host string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch timeout for %s: %v", e.Host, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ConnectionError marks a network-level failure (reset, refused, DNS).
// Transient: retried, then recorded as a failed artifact.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("fetch connection error for %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPStatusError carries a non-2xx response status. 5xx and 429 are
// transient; other 4xx are not retried.
type HTTPStatusError struct {
	Host       string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.Host)
}

// IsTransient reports whether the error is safe to retry: an explicit
// timeout/connection error, a retryable HTTP status, or a common
// network failure pattern from a wrapped client error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return IsTransientHTTPStatus(se.StatusCode)
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

// IsTransientHTTPStatus reports whether the status code indicates a
// server-side issue that is safe to retry. Client errors (4xx other
// than 408/429) are not retried.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
