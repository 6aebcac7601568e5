package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is the single retry policy used for every remote call.
// Which errors are retried is decided by the caller's predicate, normally IsRetryable.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval"`

	// AttemptTimeout bounds each attempt. Zero means no per-attempt timeout.
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
}

// DefaultRetryPolicy returns base 1s, x2, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     time.Minute,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// Attempt is one invocation inside RetryPolicy.Do.
type Attempt struct {
	// Number starts at 1.
	Number int

	// LastErr is the error of the previous attempt, nil on the first.
	LastErr error
}

// Do runs op until it succeeds, returns an error rejected by retryOn,
// or MaxAttempts is reached. The last error is returned.
// onRetry, if non-nil, is called before sleeping.
func (p RetryPolicy) Do(
	ctx context.Context,
	retryOn func(error) bool,
	onRetry func(err error, next time.Duration),
	op func(ctx context.Context, attempt Attempt) error,
) (int, error) {
	p = p.withDefaults()
	if retryOn == nil {
		retryOn = IsRetryable
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0.25

	attempts := 0
	var lastErr error
	operation := func() (struct{}, error) {
		attempts++

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := op(attemptCtx, Attempt{Number: attempts, LastErr: lastErr})
		cancel()

		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryOn(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			onRetry(err, next)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err != nil && lastErr != nil && ctx.Err() != nil {
		// Prefer the remote error over the bare context error.
		return attempts, lastErr
	}
	return attempts, err
}
