package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fastPolicy = Policy{MaxRetries: 3, BaseDelay: time.Millisecond}

func TestDo_AlwaysFailing_FourAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy, func(context.Context) (string, error) {
		calls++
		return "", errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %T", err)
	}
	if f.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", f.Attempts)
	}
	if f.Permanent {
		t.Error("exhausted transient failure should not be marked permanent")
	}
	if f.Err.Error() != "connection reset" {
		t.Errorf("last error = %v", f.Err)
	}
	if Attempts(err) != 4 {
		t.Errorf("Attempts(err) = %d, want 4", Attempts(err))
	}
}

func TestDo_FirstSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy, func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Code: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"status 400", &StatusError{Code: 400, Body: "bad audio"}},
		{"status 404", &StatusError{Code: 404}},
		{"marked permanent", Permanent(errors.New("invalid transcript"))},
		{"wrapped status", fmt.Errorf("transcribe: %w", &StatusError{Code: 422})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), fastPolicy, func(context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			var f *Failure
			if !errors.As(err, &f) {
				t.Fatalf("expected *Failure, got %T", err)
			}
			if !f.Permanent {
				t.Error("expected Permanent = true")
			}
			if f.Attempts != 1 {
				t.Errorf("Attempts = %d, want 1", f.Attempts)
			}
		})
	}
}

func TestDo_BackoffDoubles(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		OnRetry: func(a Attempt) {
			delays = append(delays, a.Delay)
		},
	}
	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxRetries: 0}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if Attempts(err) != 1 {
		t.Errorf("Attempts = %d, want 1", Attempts(err))
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("unavailable")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fastPolicy, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestDo_ConcurrentCallersDoNotBlockEachOther(t *testing.T) {
	slow := Policy{MaxRetries: 1, BaseDelay: 200 * time.Millisecond}
	var fastDone atomic.Bool
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = Do(context.Background(), slow, func(context.Context) (int, error) {
			return 0, errors.New("slow failure")
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = Do(context.Background(), fastPolicy, func(context.Context) (int, error) {
			return 1, nil
		})
		fastDone.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	if !fastDone.Load() {
		t.Error("fast caller was blocked by another caller's backoff")
	}
	wg.Wait()
}

func TestCall(t *testing.T) {
	calls := 0
	err := Call(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("dial tcp: refused"), true},
		{"500", &StatusError{Code: 500}, true},
		{"502", &StatusError{Code: 502}, true},
		{"429", &StatusError{Code: 429}, true},
		{"408", &StatusError{Code: 408}, true},
		{"400", &StatusError{Code: 400}, false},
		{"401", &StatusError{Code: 401}, false},
		{"permanent", Permanent(errors.New("x")), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailure_Error(t *testing.T) {
	f := &Failure{Attempts: 4, Err: errors.New("boom")}
	if f.Error() != "after 4 attempts: boom" {
		t.Errorf("Error() = %q", f.Error())
	}
	p := &Failure{Attempts: 1, Permanent: true, Err: errors.New("bad")}
	if p.Error() != "non-retryable error after 1 attempt(s): bad" {
		t.Errorf("Error() = %q", p.Error())
	}
}
