package oasis

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(DefaultBackoffBase, DefaultBackoffMax)
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b(i))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"offline", errOffline, true},
		{"server error", &APIError{Status: http.StatusBadGateway}, true},
		{"validation", &APIError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"}, false},
		{"forbidden", &APIError{Status: http.StatusForbidden}, false},
		{"attempt timeout", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"canceled transport", &APIError{Err: context.Canceled}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		v, err := Retry(ctx, fastRetry(), func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errOffline
			}
			return 42, nil
		})
		if err != nil || v != 42 || calls != 3 {
			t.Fatalf("got %d, %v after %d calls", v, err, calls)
		}
	})

	t.Run("exhausts after max retries", func(t *testing.T) {
		calls := 0
		var delays []int
		p := fastRetry()
		p.OnRetry = func(attempt int, _ time.Duration, _ error) { delays = append(delays, attempt) }
		_, err := Retry(ctx, p, func(context.Context) (int, error) {
			calls++
			return 0, errOffline
		})
		if calls != 1+DefaultMaxRetries {
			t.Fatalf("expected %d calls, got %d", 1+DefaultMaxRetries, calls)
		}
		if !errors.Is(err, ErrRetryExhausted) {
			t.Fatalf("expected ErrRetryExhausted, got %v", err)
		}
		var ex *RetryExhaustedError
		if !errors.As(err, &ex) || ex.Attempts != 4 {
			t.Fatalf("unexpected error %#v", err)
		}
		if !errors.Is(err, errOffline) {
			t.Fatal("cause not wrapped")
		}
		if diff := cmp.Diff([]int{0, 1, 2}, delays); diff != "" {
			t.Fatalf("retry hook (-want +got):\n%s", diff)
		}
	})

	t.Run("permanent failure not retried", func(t *testing.T) {
		calls := 0
		perm := &APIError{Status: http.StatusBadRequest}
		_, err := Retry(ctx, fastRetry(), func(context.Context) (int, error) {
			calls++
			return 0, perm
		})
		if calls != 1 || !errors.Is(err, perm) || errors.Is(err, ErrRetryExhausted) {
			t.Fatalf("got %v after %d calls", err, calls)
		}
	})

	t.Run("cancel during backoff", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := DefaultRetryPolicy()
		calls := 0
		done := make(chan error, 1)
		go func() {
			_, err := Retry(cctx, p, func(context.Context) (int, error) {
				calls++
				return 0, errOffline
			})
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("retry kept sleeping after cancel")
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})

	t.Run("attempt timeout", func(t *testing.T) {
		p := fastRetry()
		p.MaxRetries = 1
		p.AttemptTimeout = 10 * time.Millisecond
		calls := 0
		err := p.Do(ctx, func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return ctx.Err()
		})
		if calls != 2 || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("got %v after %d calls", err, calls)
		}
	})
}
