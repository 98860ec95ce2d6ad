package llms

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/lacehq/lace/pkg/httpclient"
	"github.com/lacehq/lace/pkg/lacerrors"
)

// RetryPolicy is the shared backoff policy for provider requests.
type RetryPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
}

func (p *RetryPolicy) SetDefaults() {
	if p.InitialDelay == 0 {
		p.InitialDelay = 1000 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30000 * time.Millisecond
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 10
	}
}

// retryableStatus holds the HTTP statuses worth retrying.
var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsRetryable classifies an error. Retryable: connection-level network
// failures, timeouts, and 408/429/5xx responses. Never retryable:
// 401/403 and other 4xx client errors, and cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if lacerrors.IsCancellation(err) {
		return false
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus[statusErr.StatusCode]
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ETIMEDOUT,
		syscall.EHOSTUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// ENOTFOUND equivalent: the host did not resolve.
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// Backoff returns the delay before attempt n (1-based):
// min(maxDelay, initial * 2^(n-1)) with ±10% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(base * jitter)
}

// backoffFor picks the delay before the next attempt. A server-reported
// Retry-After overrides the exponential formula, capped at maxDelay.
func (p RetryPolicy) backoffFor(attempt int, err error) time.Duration {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.RateLimit != nil && statusErr.RateLimit.RetryAfter > 0 {
		if statusErr.RateLimit.RetryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return statusErr.RateLimit.RetryAfter
	}
	return p.Backoff(attempt)
}

// RetryEvents observes retry progress. Either field may be nil.
type RetryEvents struct {
	OnAttempt   func(attempt int, delay time.Duration, err error)
	OnExhausted func(attempts int, lastErr error)
}

// WithRetry runs fn under the policy. canRetry gates each retry in addition
// to error classification; streaming callers use it to forbid retries once
// the first token has been emitted. Cancellation is checked before each
// attempt and during every backoff sleep.
func WithRetry(ctx context.Context, policy RetryPolicy, events RetryEvents, canRetry func() bool, fn func() error) error {
	policy.SetDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return lacerrors.Wrap(lacerrors.KindCancellation, "request cancelled", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if canRetry != nil && !canRetry() {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.backoffFor(attempt, lastErr)
		if events.OnAttempt != nil {
			events.OnAttempt(attempt, delay, lastErr)
		}

		select {
		case <-ctx.Done():
			return lacerrors.Wrap(lacerrors.KindCancellation, "request cancelled during backoff", ctx.Err())
		case <-time.After(delay):
		}
	}

	if events.OnExhausted != nil {
		events.OnExhausted(policy.MaxAttempts, lastErr)
	}
	return lacerrors.Wrap(lacerrors.KindTransient, "retry attempts exhausted", lastErr)
}
