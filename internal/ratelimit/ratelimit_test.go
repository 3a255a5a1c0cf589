package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocal_BurstCap(t *testing.T) {
	l := NewLocal(0.001, 5) // effectively no refill during the test

	granted := 0
	for i := 0; i < 20; i++ {
		ok, err := l.TryAcquire(context.Background(), "resend")
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	require.Equal(t, 5, granted)
}

func TestLocal_ConcurrentNeverExceedsCapacity(t *testing.T) {
	l := NewLocal(0.001, 10)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryAcquire(context.Background(), "resend")
			require.NoError(t, err)
			if ok {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(10), granted)
}

func TestLocal_KeysAreIndependent(t *testing.T) {
	l := NewLocal(0.001, 1)

	ok, _ := l.TryAcquire(context.Background(), "resend")
	require.True(t, ok)
	ok, _ = l.TryAcquire(context.Background(), "resend")
	require.False(t, ok)

	ok, _ = l.TryAcquire(context.Background(), "ses")
	require.True(t, ok)
}

func TestLocal_Refills(t *testing.T) {
	l := NewLocal(100, 1)

	ok, _ := l.TryAcquire(context.Background(), "resend")
	require.True(t, ok)
	ok, _ = l.TryAcquire(context.Background(), "resend")
	require.False(t, ok)

	// 100 qps puts a token back within 10ms.
	require.Eventually(t, func() bool {
		ok, _ := l.TryAcquire(context.Background(), "resend")
		return ok
	}, time.Second, 2*time.Millisecond)
}

func TestAcquireWithin_WaitsForRefill(t *testing.T) {
	l := NewLocal(50, 1)
	_, _ = l.TryAcquire(context.Background(), "resend") // drain the bucket

	ok, err := AcquireWithin(context.Background(), l, "resend", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireWithin_GivesUpAtDeadline(t *testing.T) {
	l := NewLocal(0.001, 1)
	_, _ = l.TryAcquire(context.Background(), "resend")

	start := time.Now()
	ok, err := AcquireWithin(context.Background(), l, "resend", 60*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}

func TestAcquireWithin_CanceledContext(t *testing.T) {
	l := NewLocal(0.001, 1)
	_, _ = l.TryAcquire(context.Background(), "resend")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AcquireWithin(ctx, l, "resend", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
