package harvest

import (
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned by job stores for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ValidationError marks bad job parameters. It is rejected at
// submission and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError marks an external-API quota rejection. Retryable with
// backoff; RetryAfter, when set, is the minimum wait the API asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by api, retry after %s", e.RetryAfter)
	}
	return "rate limited by api"
}

// TransientError marks a network or server failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthExpiredError marks a rejected credential. The gateway attempts
// one renewal and retries the call once before giving up.
type AuthExpiredError struct {
	OwnerID int64
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("access token expired for owner %d", e.OwnerID)
}

// FatalAPIError marks a permanently invalid request or target. It
// aborts the current item only and is never retried.
type FatalAPIError struct {
	Code    int
	Message string
}

func (e *FatalAPIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the error class permits another attempt.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var tr *TransientError
	return errors.As(err, &tr)
}
