package harvest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	transient := &TransientError{Op: "posts.get", Err: errors.New("timeout")}

	if !p.ShouldRetry(transient, 0) {
		t.Error("transient error at attempt 0 should retry")
	}
	if !p.ShouldRetry(&RateLimitError{}, 2) {
		t.Error("rate limit at attempt 2 should retry")
	}
	if p.ShouldRetry(transient, 3) {
		t.Error("attempts are bounded at 3")
	}
	if p.ShouldRetry(&FatalAPIError{Code: 15, Message: "denied"}, 0) {
		t.Error("fatal errors must never retry")
	}
	if p.ShouldRetry(context.Canceled, 0) {
		t.Error("context cancellation must never retry")
	}
	if p.ShouldRetry(nil, 0) {
		t.Error("nil error must not retry")
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 100*time.Millisecond, time.Second)
	transient := &TransientError{Op: "x", Err: errors.New("y")}

	for attempt := 0; attempt < 5; attempt++ {
		wait := p.Backoff(transient, attempt)
		if wait <= 0 {
			t.Fatalf("attempt %d: backoff %s must be positive", attempt, wait)
		}
		if wait > time.Second {
			t.Fatalf("attempt %d: backoff %s exceeds max delay", attempt, wait)
		}
	}
}

func TestRetryPolicyHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 50*time.Millisecond)
	err := &RateLimitError{RetryAfter: 2 * time.Second}

	if wait := p.Backoff(err, 0); wait < 2*time.Second {
		t.Errorf("backoff %s undercuts the api retry-after hint", wait)
	}
}
