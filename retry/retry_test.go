// SPDX-License-Identifier: LGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/logger"
)

func testLogger() logger.Logger {
	return logger.New("error")
}

func TestIsRetryableClassifiesNetworkErrors(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("503 Service Unavailable")))
	assert.False(t, IsRetryable(errors.New("permission denied")))
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryableHonorsExplicitWrappers(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(errors.New("permission denied"))))
	assert.False(t, IsRetryable(NonRetryable(errors.New("connection refused"))))
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	err := New(&Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, testLogger()).
		Do(context.Background(), func(ctx context.Context, attempt int) error {
			attempts++
			if attempt < 2 {
				return errors.New("connection reset")
			}
			return nil
		}, "test-op")

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := New(&Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, testLogger()).
		Do(context.Background(), func(ctx context.Context, attempt int) error {
			attempts++
			return errors.New("invalid credentials")
		}, "test-op")

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(&Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, testLogger()).
		Do(ctx, func(ctx context.Context, attempt int) error {
			return errors.New("connection refused")
		}, "test-op")

	require.Error(t, err)
}
