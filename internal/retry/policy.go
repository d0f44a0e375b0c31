// Package retry implements the exponential backoff policy applied to failed
// sync operations.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DefaultJitterFactor spreads retries of many clients over ±10% of the delay.
const DefaultJitterFactor = 0.1

// Policy defines exponential backoff parameters. Immutable after construction.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxRetries   int
}

// NewPolicy validates parameters up front; bad tuples are configuration
// errors, not something to discover at call time.
func NewPolicy(initialDelay time.Duration, multiplier float64, maxDelay time.Duration, maxRetries int) (Policy, error) {
	if initialDelay < 0 {
		return Policy{}, fmt.Errorf("initial delay must not be negative, got %v", initialDelay)
	}
	if multiplier <= 1 {
		return Policy{}, fmt.Errorf("multiplier must be greater than 1, got %v", multiplier)
	}
	if maxDelay < initialDelay {
		return Policy{}, fmt.Errorf("max delay %v is less than initial delay %v", maxDelay, initialDelay)
	}
	if maxRetries < 0 {
		return Policy{}, fmt.Errorf("max retries must not be negative, got %d", maxRetries)
	}
	return Policy{
		InitialDelay: initialDelay,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
		MaxRetries:   maxRetries,
	}, nil
}

// Conservative waits a full second before the first retry and backs off to a
// minute. Suits background sync against a rate-limited remote.
func Conservative() Policy {
	return Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, MaxRetries: 5}
}

// Aggressive keeps retrying for a long time with a slow ramp-up.
func Aggressive() Policy {
	return Policy{InitialDelay: 500 * time.Millisecond, Multiplier: 1.5, MaxDelay: 30 * time.Second, MaxRetries: 10}
}

// Fast gives up quickly; meant for interactive force-sync paths.
func Fast() Policy {
	return Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, MaxRetries: 3}
}

// CalculateDelay returns the backoff before the given 1-based attempt,
// clamped at MaxDelay. Attempts at or below zero get no delay.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	d := time.Duration(delay)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		// Negative means float64 overflow past the duration range.
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// WithJitter perturbs the delay for attempt by ±delay*factor, floored at
// zero, so many clients recovering together do not retry in lockstep.
func (p Policy) WithJitter(attempt int, factor float64) time.Duration {
	base := p.CalculateDelay(attempt)
	if base <= 0 || factor <= 0 {
		return base
	}

	span := float64(base) * factor
	jitter := (rand.Float64()*2 - 1) * span
	d := base + time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// Do runs fn up to MaxRetries times, sleeping CalculateDelay between
// attempts. MaxRetries of zero still performs exactly one attempt. onRetry,
// if non-nil, is invoked after each failed attempt before the decision to
// continue. On exhaustion the last error is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.CalculateDelay(attempt)):
		}
	}
	return lastErr
}
