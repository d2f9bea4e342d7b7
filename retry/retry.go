// Package retry implements exponential backoff with jitter and a bounded
// retry loop with retryable/terminal error classification.
//
// Delay is pure; Do sleeps. The same backoff curve drives both in-process
// retries (connector fetches, claim deadlocks) and queue requeue scheduling
// (available_utc pushed forward on failure).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config parameterizes the backoff curve.
type Config struct {
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor (>= 1).
	Multiplier float64
	// Jitter, when true, scales the delay by a random factor in [0.75, 1.25].
	Jitter bool
	// MaxAttempts bounds the total number of invocations in Do.
	MaxAttempts int
}

// DefaultConfig returns the backoff parameters used when a caller supplies
// none: 1s initial, 60s cap, doubling, jittered, three attempts.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		MaxAttempts:  3,
	}
}

// Validate checks the config for nonsensical values.
func (c Config) Validate() error {
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial delay must be >= 0, got %v", c.InitialDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", c.Multiplier)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// Delay computes the backoff before retrying after the given failed attempt
// (1-based): min(max_delay, initial · multiplier^(attempt-1)), then jitter.
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		// Uniform in [0.75, 1.25].
		d *= 0.75 + rand.Float64()*0.5
	}

	return time.Duration(d)
}

// DelayWithHint computes the backoff honoring an upstream retry-after hint:
// the hint wins when it exceeds the computed backoff.
func DelayWithHint(attempt int, cfg Config, retryAfter time.Duration) time.Duration {
	d := Delay(attempt, cfg)
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// Result reports the outcome of a Do loop.
type Result[T any] struct {
	// Success is true if some attempt returned without error.
	Success bool
	// Value is the result of the successful attempt.
	Value T
	// Attempts is the number of invocations made.
	Attempts int
	// Err is the final error (nil on success).
	Err error
	// ErrorHistory holds the error from every failed attempt, in order.
	ErrorHistory []error
}

// Do invokes op up to cfg.MaxAttempts times, sleeping the backoff delay
// between attempts. Errors for which retryOn returns false terminate
// immediately. A nil retryOn treats every error as retryable.
//
// The context is checked before each attempt and during backoff sleeps;
// cancellation surfaces as the final error.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error), retryOn func(error) bool) Result[T] {
	var res Result[T]

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		value, err := op(ctx)
		res.Attempts = attempt
		if err == nil {
			res.Success = true
			res.Value = value
			return res
		}

		res.Err = err
		res.ErrorHistory = append(res.ErrorHistory, err)

		if retryOn != nil && !retryOn(err) {
			return res
		}
		if attempt == cfg.MaxAttempts {
			return res
		}

		select {
		case <-ctx.Done():
			res.Err = errors.Join(res.Err, ctx.Err())
			return res
		case <-time.After(Delay(attempt, cfg)):
		}
	}

	return res
}
