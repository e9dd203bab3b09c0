package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/fleetalert/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Delay: time.Millisecond}
}

func TestDoAlwaysFailingCallsExactlyAttempts(t *testing.T) {
	calls := 0
	v, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		return "", errors.New("selector timeout")
	})

	require.ErrorIs(t, err, retry.ErrNoResult)
	assert.Equal(t, "", v)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDoRejectsEmptyResults(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) ([]string, error) {
		calls++
		return nil, nil
	})

	require.ErrorIs(t, err, retry.ErrNoResult)
	assert.Equal(t, 3, calls)
}

func TestDoAllowEmpty(t *testing.T) {
	p := fastPolicy()
	p.AllowEmpty = true
	calls := 0
	v, err := retry.Do(context.Background(), p, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})

	require.NoError(t, err)
	assert.False(t, v)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry.Do(ctx, retry.Policy{Attempts: 5, Delay: 50 * time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, retry.ErrNoResult)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	closed := errors.New("target closed")
	p := fastPolicy()
	p.Fatal = func(err error) bool { return errors.Is(err, closed) }

	calls := 0
	_, err := retry.Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		return "", closed
	})

	require.ErrorIs(t, err, closed)
	assert.Equal(t, 1, calls)
}

func TestDoStopWrapper(t *testing.T) {
	denied := errors.New("denied")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		return "", retry.Stop(denied)
	})

	require.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
}
