package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection refused")

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	calls := 0
	var seen []int

	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	}, func(attempt int, _ error, _ time.Duration) { seen = append(seen, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoIsBounded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	calls := 0

	err := Do(context.Background(), fastPolicy(4), func() error {
		calls++

		return errTransient
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, errTransient)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	errSyntax := errors.New("syntax error at or near SELEC")
	calls := 0

	p := fastPolicy(10)
	p.Retryable = func(err error) bool { return errors.Is(err, errTransient) }

	err := Do(context.Background(), p, func() error {
		calls++

		return errSyntax
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, errSyntax, err)
}

func TestDoHonoursContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, Policy{Attempts: 10, Initial: 50 * time.Millisecond}, func() error {
		calls++
		cancel()

		return errTransient
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDefaultPolicy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, DefaultAttempts, Policy{}.withDefaults().Attempts)
	assert.Equal(t, 10, DefaultPolicy().Attempts)
}
