package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiterBurstThenWait(t *testing.T) {
	l := NewTokenBucketLimiter(50, 2)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Less(t, time.Since(start), 10*time.Millisecond, "burst should not block")

	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "third token needs refill")
}

func TestTokenBucketLimiterCancelled(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenBucketLimiterZeroRateDisables(t *testing.T) {
	l := NewTokenBucketLimiter(0, 0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
