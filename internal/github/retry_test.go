package github

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "success", nil
	}, DefaultRetryOptions())

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got: %s", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got: %d", calls)
	}
}

func TestWithRetry_RetriesOnceByDefault(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", errors.New("API error (status 503): service unavailable")
	}, RetryOptions{
		MaxRetries: 1,
		BaseDelay:  1 * time.Millisecond, // Fast for tests
		MaxDelay:   10 * time.Millisecond,
	})

	if err == nil {
		t.Error("expected error after exhausting retries")
	}
	// Initial attempt + 1 retry = 2 total calls
	if calls != 2 {
		t.Errorf("expected 2 calls (1 + 1 retry), got: %d", calls)
	}
}

func TestWithRetry_SuccessAfterRetry(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("API error (status 502): bad gateway")
		}
		return "success", nil
	}, RetryOptions{
		MaxRetries: 1,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got: %s", result)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got: %d", calls)
	}
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", errors.New("API error (status 404): not found")
	}, RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	})

	if err == nil {
		t.Error("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got: %d", calls)
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, func() (string, error) {
		return "", errors.New("API error (status 500): boom")
	}, RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", errors.New("API error (status 429): rate limited"), true},
		{"server error", errors.New("API error (status 500): internal"), true},
		{"bad gateway", errors.New("API error (status 502): bad gateway"), true},
		{"not found", errors.New("API error (status 404): not found"), false},
		{"unprocessable", errors.New("API error (status 422): validation failed"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("context deadline exceeded"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExtractRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"nil", nil, 0},
		{"explicit retry-after", errors.New("API error (status 429): Retry-After: 120"), 120 * time.Second},
		{"rate limit default", errors.New("API error (status 429): rate limited"), 60 * time.Second},
		{"no hint", errors.New("API error (status 500): boom"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractRetryAfter(tt.err); got != tt.want {
				t.Errorf("extractRetryAfter(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
