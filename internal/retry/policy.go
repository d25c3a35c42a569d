// Package retry classifies HTTP establishment errors as recoverable or
// terminal and drives the bounded exponential backoff used when probing or
// opening a segment's first request.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts = 3
)

// Terminal wraps an error that must not be retried (an HTTP status code
// response, cancellation, or a parse failure).
type Terminal struct {
	Err error
}

func (t *Terminal) Error() string { return t.Err.Error() }
func (t *Terminal) Unwrap() error { return t.Err }

// IsRecoverable reports whether err (as returned from an attempt to
// establish a request: DNS, dial, TLS, timeout, or a generic round-trip
// failure before any bytes arrived) should be retried. A *Terminal error,
// or context cancellation, is never recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var term *Terminal
	if errors.As(err, &term) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Anything else encountered while establishing a connection (DNS
	// failures surface as *net.DNSError, which satisfies net.Error above)
	// is treated as a generic pre-body failure and retried; HTTP status
	// errors are wrapped in Terminal by the caller before reaching here.
	return true
}

// Backoff returns the sleep duration before the k-th retry (0-indexed):
// 2s, 4s, 8s for k = 0, 1, 2.
func Backoff(k int) time.Duration {
	return time.Duration(2<<uint(k)) * time.Second
}

// Do runs fn up to MaxAttempts times, sleeping Backoff between recoverable
// failures, and returns the last error once exhausted or immediately on a
// terminal error. ctx cancellation aborts the wait between attempts.
func Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRecoverable(err) {
			return err
		}
		if attempt == MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}
	return lastErr
}

// ClassifyHTTPStatus wraps a non-2xx/206 response status as a Terminal
// error suitable for IsRecoverable.
func ClassifyHTTPStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
		return nil
	}
	return &Terminal{Err: &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}}
}

// HTTPStatusError reports an HTTP response status that is not 200/206.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string { return "unexpected status: " + e.Status }
