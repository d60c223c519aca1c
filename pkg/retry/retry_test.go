package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after one retry", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(2), func() error {
			calls++
			if calls == 1 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(2), func() error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent error stops immediately and is unwrapped", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			calls++
			return Permanent(errTransient)
		})
		assert.Equal(t, errTransient, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation is not retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			calls++
			return context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("retry predicate filters errors", func(t *testing.T) {
		cfg := fastConfig(3)
		cfg.RetryIf = func(err error) bool { return !errors.Is(err, errTransient) }
		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context short-circuits", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, fastConfig(3), func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDoWithResult(t *testing.T) {
	v, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errTransient)))
	assert.False(t, IsPermanent(errTransient))
	assert.Nil(t, Permanent(nil))
}
