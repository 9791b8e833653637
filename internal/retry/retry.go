// Package retry runs operations with bounded, randomized exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultAttempts bounds every database connection attempt.
	DefaultAttempts = 10

	defaultInitial       = 500 * time.Millisecond
	defaultMax           = 10 * time.Second
	defaultMultiplier    = 1.5
	defaultRandomization = 0.5
)

// ErrAttemptsExhausted wraps the last error once every attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy configures Do. The zero value is usable and means the defaults.
type Policy struct {
	Attempts      int
	Initial       time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomization float64

	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for database connects.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:      DefaultAttempts,
		Initial:       defaultInitial,
		Max:           defaultMax,
		Multiplier:    defaultMultiplier,
		Randomization: defaultRandomization,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()

	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}

	if p.Initial <= 0 {
		p.Initial = d.Initial
	}

	if p.Max <= 0 {
		p.Max = d.Max
	}

	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}

	if p.Randomization <= 0 || p.Randomization > 1 {
		p.Randomization = d.Randomization
	}

	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Randomization
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx) // #nosec G115 - Attempts >= 1
}

// Do calls op until it succeeds, returns a non-retryable error, the context ends, or the
// attempts run out. notify, when non-nil, sees every failed attempt that will be retried.
func Do(ctx context.Context, p Policy, op func() error, notify func(attempt int, err error, wait time.Duration)) error {
	p = p.withDefaults()

	var (
		attempt int
		lastErr error
		stopped bool
	)

	wrapped := func() error {
		attempt++

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			stopped = true

			return backoff.Permanent(lastErr)
		}

		return lastErr
	}

	var notifier backoff.Notify
	if notify != nil {
		notifier = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}

	if err := backoff.RetryNotify(wrapped, p.backOff(ctx), notifier); err == nil {
		return nil
	}

	switch {
	case stopped:
		return lastErr
	case ctx.Err() != nil:
		return errors.Join(ctx.Err(), lastErr)
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, lastErr)
	}
}
