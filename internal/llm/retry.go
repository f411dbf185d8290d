package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryPolicy bounds how transient provider failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries twice with a short backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// DefaultRetryable treats rate limits, server errors, and network timeouts
// as transient.
func DefaultRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503", "529", "overloaded", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryingProvider wraps a Provider with a retry policy.
type RetryingProvider struct {
	Provider
	policy RetryPolicy
}

// WithRetry wraps the provider so Converse retries transient failures.
func WithRetry(p Provider, policy RetryPolicy) *RetryingProvider {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Retryable == nil {
		policy.Retryable = DefaultRetryable
	}
	return &RetryingProvider{Provider: p, policy: policy}
}

func (r *RetryingProvider) Converse(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.BaseDelay * time.Duration(1<<(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := r.Provider.Converse(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.policy.Retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("model call failed after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}
