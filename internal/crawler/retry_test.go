package crawler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     maxRetries,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name         string
		maxRetries   int
		failures     int
		retryable    bool
		wantErr      bool
		wantAttempts int
	}{
		{name: "first attempt succeeds", maxRetries: 3, failures: 0, retryable: true, wantAttempts: 1},
		{name: "succeeds after retries", maxRetries: 3, failures: 2, retryable: true, wantAttempts: 3},
		{name: "exhausts retries", maxRetries: 2, failures: 10, retryable: true, wantErr: true, wantAttempts: 3},
		{name: "permanent error is not retried", maxRetries: 3, failures: 10, retryable: false, wantErr: true, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), fastPolicy(tt.maxRetries), func(ctx context.Context) error {
				attempts++
				if attempts <= tt.failures {
					if tt.retryable {
						return NewRetryableError(errors.New("temporary"))
					}
					return errors.New("permanent")
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("Retry error = %v, wantErr %v", err, tt.wantErr)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, attempts)
			}
		})
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, policy, func(ctx context.Context) error {
		attempts++
		return NewRetryableError(errors.New("retryable error"))
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"regular error", errors.New("regular"), false},
		{"retryable error", NewRetryableError(errors.New("retry")), true},
		{"retryable with delay", NewRetryableErrorWithDelay(errors.New("retry"), 1*time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{5, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(policy, tt.attempt); got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}

	policy.Jitter = true
	for i := 0; i < 20; i++ {
		got := calculateBackoff(policy, 1)
		if got < 1800*time.Millisecond || got > 2200*time.Millisecond {
			t.Fatalf("jittered backoff %v outside ±10%% of 2s", got)
		}
	}
}

func TestRetryableError(t *testing.T) {
	err := NewRetryableError(errors.New("test error"))
	if err.Error() != "test error" {
		t.Errorf("unexpected error message: %s", err.Error())
	}

	errWithDelay := NewRetryableErrorWithDelay(errors.New("test error"), 5*time.Second)
	var retryErr *RetryableError
	if !errors.As(errWithDelay, &retryErr) {
		t.Fatal("should be a RetryableError")
	}
	if retryErr.RetryAfter != 5*time.Second {
		t.Errorf("expected RetryAfter 5s, got %v", retryErr.RetryAfter)
	}
}
