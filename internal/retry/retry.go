// Package retry wraps calls to unreliable external services with bounded
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls how many times an operation is retried and how long to wait
// between attempts. The wait before retry n (n starting at 0) is
// BaseDelay * 2^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// OnRetry, when set, is called after a failed attempt that will be retried.
	OnRetry func(Attempt)
}

// DefaultPolicy is used by every pipeline stage unless configured otherwise.
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: 2 * time.Second}

// Attempt is the bookkeeping for one failed try inside a Do call.
type Attempt struct {
	Number int // 1-based
	Err    error
	Delay  time.Duration // wait before the next attempt
}

// Failure is returned when an operation did not succeed, either because the
// retry budget ran out or because the error was not retryable.
type Failure struct {
	Attempts  int
	Permanent bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Permanent {
		return fmt.Sprintf("non-retryable error after %d attempt(s): %v", f.Attempts, f.Err)
	}
	return fmt.Sprintf("after %d attempts: %v", f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Do runs op until it succeeds, returns a non-retryable error, or
// p.MaxRetries additional attempts have failed. The backoff sleep honours ctx
// and only blocks the calling goroutine.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, &Failure{Attempts: 0, Permanent: true, Err: err}
	}

	attempts := 0
	var lastErr error
	permanent := false

	operation := func() (T, error) {
		attempts++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			permanent = true
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(Attempt{Number: attempts, Err: err, Delay: next})
		}
	}

	res, err := backoff.RetryNotifyWithData(operation, newBackOff(ctx, p), notify)
	if err == nil {
		return res, nil
	}
	if lastErr == nil || ctx.Err() != nil {
		lastErr = err
	}
	return zero, &Failure{Attempts: attempts, Permanent: permanent, Err: lastErr}
}

// Call is Do for operations without a result.
func Call(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func newBackOff(ctx context.Context, p Policy) backoff.BackOff {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.MaxInterval = maxInterval(p.BaseDelay, maxRetries)
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}

// maxInterval is the largest delay the policy can produce, so the
// exponential growth is never clipped early.
func maxInterval(base time.Duration, retries int) time.Duration {
	d := base
	for i := 0; i < retries; i++ {
		if d > time.Hour {
			return d
		}
		d *= 2
	}
	return d
}
