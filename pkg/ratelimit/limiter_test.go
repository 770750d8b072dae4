package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitAcquiresToken(t *testing.T) {
	limiter := NewTokenBucketLimiter(Rate{Limit: 1000, Interval: time.Second})
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}
}

func TestWaitCancelledContext(t *testing.T) {
	limiter := NewTokenBucketLimiter(Rate{Limit: 1, Interval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitPacesConcurrentCallers(t *testing.T) {
	// 10 per second leaves 100ms between tokens once any burst allowance is
	// spent; a saturating caller must observe real pacing.
	limiter := NewTokenBucketLimiter(Rate{Limit: 10, Interval: time.Second})

	start := time.Now()
	for i := 0; i < 15; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestNewTokenBucketLimiterSubSecondRates(t *testing.T) {
	// Rates below one per second are floored to one; the limiter still works.
	limiter := NewTokenBucketLimiter(Rate{Limit: 30, Interval: time.Minute})
	require.NoError(t, limiter.Wait(context.Background()))
}

func TestSetLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter(Rate{Limit: 10, Interval: time.Second})

	require.NoError(t, limiter.SetLimit(Rate{Limit: 100, Interval: time.Second}))
	require.NoError(t, limiter.Wait(context.Background()))

	assert.Error(t, limiter.SetLimit(Rate{Limit: 0, Interval: time.Second}))
	assert.Error(t, limiter.SetLimit(Rate{Limit: 10, Interval: 0}))
	assert.Error(t, limiter.SetLimit(Rate{Limit: -1, Interval: time.Second}))
}
