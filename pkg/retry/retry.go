// Package retry runs a pipeline stage with bounded retries and exponential
// backoff, returning a tagged Outcome instead of a bare error.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// Reason explains why a stage failed.
type Reason string

const (
	// ReasonExhausted means every attempt failed with a retryable error
	ReasonExhausted Reason = "exhausted"
	// ReasonPermanent means the error cannot be fixed by retrying
	ReasonPermanent Reason = "permanent"
	// ReasonCancelled means the context ended before the stage succeeded
	ReasonCancelled Reason = "cancelled"
)

// Policy defines retry behavior
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// InitialDelay is the sleep before the second attempt
	InitialDelay time.Duration
	// MaxDelay caps a single sleep (0 = uncapped)
	MaxDelay time.Duration
	// Multiplier grows the delay after each attempt
	Multiplier float64
	// RandomizeFactor spreads each delay by +/- this fraction
	RandomizeFactor float64

	// OnRetry is called after a failed attempt, before sleeping
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy with exponential backoff and no jitter.
func NewPolicy(maxAttempts int, initialDelay time.Duration) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns the sleep that follows the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// Outcome is the terminal result of a retried stage: either a value or a
// failure with the reason it stopped.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
	Reason   Reason
	Stage    string
}

// OK reports whether the stage succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends. fn receives the 1-based attempt number.
func Do[T any](ctx context.Context, p Policy, stage string, fn func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	out := Outcome[T]{Stage: stage}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(out, err)
		}

		value, err := fn(ctx, attempt)
		out.Attempts = attempt
		if err == nil {
			out.Value = value
			out.Err = nil
			out.Reason = ""
			return out
		}
		out.Err = err

		if errors.IsCancelled(err) && ctx.Err() != nil {
			return cancelled(out, err)
		}
		if !errors.IsRetryable(err) {
			out.Reason = ReasonPermanent
			return out
		}

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return cancelled(out, serr)
		}
	}

	out.Reason = ReasonExhausted
	return out
}

func cancelled[T any](out Outcome[T], err error) Outcome[T] {
	if !errors.IsType(err, errors.ErrorTypeCancelled) {
		err = errors.Cancelled(err)
	}
	out.Err = err
	out.Reason = ReasonCancelled
	return out
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
