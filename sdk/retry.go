package sdk

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy configures how failed operations are retried.
// Delays grow exponentially with full-range jitter:
//
//	delay(k) = min(BaseDelay * Multiplier^(k-1), MaxDelay) + uniform[0, MaxJitter)
//
// where k is the number of failed attempts so far. Jitter prevents synchronized
// retry storms when many clients fail at the same moment.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// 1 means no retries. Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth of the delay.
	// Default: 10s
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor between retries.
	// Default: 2.0
	Multiplier float64

	// MaxJitter is the upper bound of the random jitter added to every
	// delay. Default: 100ms
	MaxJitter time.Duration

	// IsRetryable decides whether an error is worth retrying.
	// The default treats timeouts, connection failures, server errors
	// (5xx) and rate limiting (429) as retryable, and everything else
	// (including auth failures and validation errors) as permanent.
	IsRetryable func(error) bool
}

// DefaultRetryPolicy returns a retry policy with sensible defaults.
//
// Default values:
//   - MaxAttempts: 3
//   - BaseDelay: 100ms
//   - MaxDelay: 10s
//   - Multiplier: 2.0
//   - MaxJitter: 100ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		MaxJitter:   100 * time.Millisecond,
	}
}

// delay computes the backoff before retry number attempt (1-based),
// without jitter.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// retryable applies the configured predicate, or the default one.
func (p RetryPolicy) retryable(err error) bool {
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return defaultIsRetryable(err)
}

// defaultIsRetryable classifies transient failures: timeouts, connection
// errors, 5xx responses and rate limiting. Auth and validation failures are
// permanent; retrying them wastes the budget.
func defaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// retryExecutor runs operations under a RetryPolicy, with one credential
// rotation woven in: when an attempt fails with an auth error and the
// provider has a standby credential, the executor rotates and grants one
// extra attempt that does not count against MaxAttempts. Rotation happens at
// most once per call, so a key that is simply wrong cannot loop.
type retryExecutor struct {
	policy      RetryPolicy
	credentials CredentialProvider
}

func newRetryExecutor(policy RetryPolicy, credentials CredentialProvider) *retryExecutor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &retryExecutor{
		policy:      policy,
		credentials: credentials,
	}
}

// do executes op with retries. The context covers the whole call, including
// backoff sleeps; cancellation wins over any remaining attempts.
func (e *retryExecutor) do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	rotated := false

	attempts := 0
	for budget := e.policy.MaxAttempts; attempts < budget; {
		if err := ctx.Err(); err != nil {
			return WrapError(err, ErrorTypeTimeout, "retry aborted by context")
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		attempts++

		if IsAuthError(lastErr) && !rotated && e.credentials != nil && e.credentials.Rotate() {
			rotated = true
			// The rotated attempt is free: the failure was the old key's
			budget++
			continue
		}

		if !e.policy.retryable(lastErr) {
			return lastErr
		}
		if attempts >= budget {
			break
		}

		if err := e.sleep(ctx, e.backoff(attempts)); err != nil {
			return err
		}
	}
	return lastErr
}

// backoff returns the jittered delay before the next attempt.
func (e *retryExecutor) backoff(failedAttempts int) time.Duration {
	d := e.policy.delay(failedAttempts)
	if e.policy.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(e.policy.MaxJitter)))
	}
	return d
}

// sleep waits for d or until the context is done, whichever comes first.
func (e *retryExecutor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return WrapError(ctx.Err(), ErrorTypeTimeout, "retry aborted by context")
	case <-timer.C:
		return nil
	}
}
