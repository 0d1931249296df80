package auditstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = errors.New("database is locked")

func TestWithLockRetry_SucceedsAfterContention(t *testing.T) {
	attempts := 0
	err := withLockRetry(context.Background(), isSQLiteLockErr, func() error {
		attempts++
		if attempts < 3 {
			return errLocked
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithLockRetry_ExhaustsSchedule(t *testing.T) {
	attempts := 0
	err := withLockRetry(context.Background(), isSQLiteLockErr, func() error {
		attempts++
		return errLocked
	})

	require.Error(t, err)
	// One initial attempt plus one per scheduled delay.
	assert.Equal(t, len(lockRetryDelays)+1, attempts)
}

func TestWithLockRetry_NonLockErrorReturnsImmediately(t *testing.T) {
	attempts := 0
	boom := errors.New("syntax error")
	err := withLockRetry(context.Background(), isSQLiteLockErr, func() error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestWithLockRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	start := time.Now()
	err := withLockRetry(ctx, isSQLiteLockErr, func() error {
		attempts++
		cancel()
		return errLocked
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLockRetrySchedule(t *testing.T) {
	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	assert.Equal(t, want, lockRetryDelays)
}
