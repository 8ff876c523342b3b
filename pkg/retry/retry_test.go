package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) Policy {
	return Policy{
		BaseDelay:  time.Millisecond,
		Multiplier: 1.1,
		MaxRetries: retries,
		MaxDelay:   2 * time.Millisecond,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(2), func() error {
		attempts++
		return errors.New("still failing")
	})

	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), fastPolicy(5), func() error {
		attempts++
		return Permanent(sentinel)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(5), func() error {
		return errors.New("transient")
	})
	require.Error(t, err)
}
