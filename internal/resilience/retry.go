package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy is the retry policy shared by every external call: provider
// completions, embeddings and vector searches.
type Policy struct {
	// Retries is the number of retries after the first attempt. Zero or
	// negative disables retries. DefaultPolicy uses 2.
	Retries int

	// BaseDelay is the backoff before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 10s.
	MaxDelay time.Duration

	// Jitter scales each delay by a random factor in [1-Jitter, 1+Jitter),
	// clamped to [0, 1]. Zero disables jitter. DefaultPolicy uses 0.5.
	Jitter float64

	// AttemptTimeout bounds each attempt with its own deadline. Zero means
	// attempts are bounded only by the caller's context.
	AttemptTimeout time.Duration

	// ShouldRetry overrides the default Retryable check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns the policy used for model and embedding calls.
func DefaultPolicy() Policy {
	return Policy{
		Retries:        2,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Jitter:         0.5,
		AttemptTimeout: 20 * time.Second,
	}
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	return p.withDefaults().Retries + 1
}

// Do executes fn under the policy. Each attempt receives a context bounded
// by AttemptTimeout. Cancellation of ctx stops retries immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Retryable
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		val, err := runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		// The caller gave up; an expired attempt deadline is retryable.
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == p.Retries {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// Retryable reports whether err is worth another attempt: transient
// transport errors and expired attempt deadlines.
func Retryable(err error) bool {
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (p Policy) withDefaults() Policy {
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// backoff computes base × 2^attempt, capped at MaxDelay, scaled by a random
// factor in [1-Jitter, 1+Jitter).
func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
