package service

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrAllEndpointsUnhealthy is returned when the skip rules leave no relay to
// try on the first pass. No attempts are made in that case.
var ErrAllEndpointsUnhealthy = errors.New("all proxies are unhealthy, try again later")

var errEmptyBody = errors.New("empty response body")

// AttemptError describes one failed attempt through one relay. It is recorded
// in relay health and only surfaces as the Last error of an ExhaustedError.
type AttemptError struct {
	Relay      string
	StatusCode int
	Status     string
	Err        error
}

func (e *AttemptError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d %s", e.Relay, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Relay, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every candidate relay failed on every pass.
type ExhaustedError struct {
	Passes   int
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all proxies failed after %d passes (%d attempts), last error: %v", e.Passes, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Durable reports whether the last failure was an HTTP 403 or 429, meaning
// the upstream is refusing us and an immediate retry will not help. Failures
// without a status code (timeouts, refused connections) are never durable.
func (e *ExhaustedError) Durable() bool {
	var attemptErr *AttemptError
	if !errors.As(e.Last, &attemptErr) {
		return false
	}
	return attemptErr.StatusCode == http.StatusForbidden || attemptErr.StatusCode == http.StatusTooManyRequests
}
