package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is returned by HTTP collaborators for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status indicates a transient server-side
// condition.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code >= 500:
		return true
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable (validation failures, bad input).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies err. Network errors, timeouts, 5xx, 408 and 429 are
// retryable; other 4xx, explicitly permanent errors and cancellation are not.
// Unknown errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var bpe *backoff.PermanentError
	if errors.As(err, &bpe) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return true
}

// Attempts returns the attempt count recorded in a Failure, or 0.
func Attempts(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.Attempts
	}
	return 0
}
