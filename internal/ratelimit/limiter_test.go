package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/hounfour/internal/core"
)

func TestBucketRejectsNonPositiveConfig(t *testing.T) {
	_, err := NewBucket(0, 60, time.Now())
	require.Error(t, err)
	_, err = NewBucket(10, 0, time.Now())
	require.Error(t, err)
	_, err = NewBucket(-5, 60, time.Now())
	require.Error(t, err)
}

func TestBucketContinuousRefill(t *testing.T) {
	now := time.Now()
	b, err := NewBucket(60, 60, now) // 1 token per second
	require.NoError(t, err)

	require.True(t, b.TryConsume(60, now))
	assert.False(t, b.TryConsume(1, now))

	// Half a minute refills 30 tokens.
	assert.True(t, b.TryConsume(30, now.Add(30*time.Second)))
	assert.False(t, b.TryConsume(1, now.Add(30*time.Second)))
}

func TestBucketClampsToCapacity(t *testing.T) {
	now := time.Now()
	b, err := NewBucket(10, 600, now)
	require.NoError(t, err)

	// Long idle never exceeds capacity.
	assert.Equal(t, int64(10), b.Available(now.Add(time.Hour)))
	b.Refund(100)
	assert.Equal(t, int64(10), b.Available(now.Add(time.Hour)))
}

func TestBucketTimeUntilAvailable(t *testing.T) {
	now := time.Now()
	b, err := NewBucket(60, 60, now)
	require.NoError(t, err)
	require.True(t, b.TryConsume(60, now))

	wait := b.TimeUntilAvailable(30, now)
	assert.InDelta(t, float64(30*time.Second), float64(wait), float64(50*time.Millisecond))

	// Demands beyond capacity are never satisfiable.
	assert.Equal(t, time.Duration(-1), b.TimeUntilAvailable(61, now))
}

func newTestLimiter(t *testing.T, rpm, tpm int64) (*Limiter, *time.Time) {
	t.Helper()
	l, err := New(map[string]ProviderLimits{
		"openai": {RPM: rpm, TPM: tpm, QueueTimeout: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	now := time.Now()
	l.SetClock(func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		})
	return l, &now
}

func TestAcquireAndRelease(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 1000)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "openai", 400))
	rpm, tpm, ok := l.Available("openai")
	require.True(t, ok)
	assert.Equal(t, int64(9), rpm)
	assert.Equal(t, int64(600), tpm)

	// Actual usage was 150: refund 250.
	l.Release("openai", 400, 150)
	_, tpm, _ = l.Available("openai")
	assert.Equal(t, int64(850), tpm)
}

func TestAcquireFailsWhenWaitExceedsQueueTimeout(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 1000)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "openai", 1000))
	// The bucket is empty; refilling 1000 tokens takes a minute, far past
	// the 100 ms queue timeout.
	err := l.Acquire(ctx, "openai", 1000)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeRateLimited))
}

func TestAcquireBeyondCapacityFailsFast(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 1000)

	err := l.Acquire(context.Background(), "openai", 2000)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeRateLimited))
}

func TestAcquireWaitsForShortRefill(t *testing.T) {
	l, err := New(map[string]ProviderLimits{
		"openai": {RPM: 60, TPM: 60_000, QueueTimeout: 5 * time.Second},
	})
	require.NoError(t, err)

	now := time.Now()
	slept := time.Duration(0)
	l.SetClock(func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			slept += d
			now = now.Add(d)
			return nil
		})

	ctx := context.Background()
	// Drain the RPM bucket.
	for i := 0; i < 60; i++ {
		require.NoError(t, l.Acquire(ctx, "openai", 1))
	}
	// The 61st call needs ~1 s of refill; it should wait, not fail.
	require.NoError(t, l.Acquire(ctx, "openai", 1))
	assert.Greater(t, slept, time.Duration(0))
}

func TestUnknownProviderIsUnlimited(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	assert.NoError(t, l.Acquire(context.Background(), "anything", 1_000_000))
}

func TestRPMRefundedWhenTPMInsufficient(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 100)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "openai", 100))
	// TPM is drained; this acquire fails, but the RPM token it briefly took
	// must be returned.
	err := l.Acquire(ctx, "openai", 100)
	require.Error(t, err)
	rpm, _, _ := l.Available("openai")
	assert.Equal(t, int64(9), rpm)
}
