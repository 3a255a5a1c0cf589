package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHelpers_Defaults(t *testing.T) {
	require.Equal(t, "fallback", Env("NOPE_UNSET", "fallback"))
	require.Equal(t, 7, Int("NOPE_UNSET", 7))
	require.Equal(t, 1.5, Float("NOPE_UNSET", 1.5))
	require.True(t, Bool("NOPE_UNSET", true))
	require.Equal(t, time.Second, DurationMS("NOPE_UNSET", time.Second))
}

func TestHelpers_EnvOverrides(t *testing.T) {
	t.Setenv("CFG_STR", "hello")
	t.Setenv("CFG_INT", "42")
	t.Setenv("CFG_FLOAT", "2.5")
	t.Setenv("CFG_BOOL", "true")
	t.Setenv("CFG_MS", "1500")

	require.Equal(t, "hello", Env("CFG_STR", "x"))
	require.Equal(t, 42, Int("CFG_INT", 0))
	require.Equal(t, 2.5, Float("CFG_FLOAT", 0))
	require.True(t, Bool("CFG_BOOL", false))
	require.Equal(t, 1500*time.Millisecond, DurationMS("CFG_MS", 0))
}

func TestHelpers_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("CFG_INT", "not-a-number")
	t.Setenv("CFG_BOOL", "sure")

	require.Equal(t, 9, Int("CFG_INT", 9))
	require.False(t, Bool("CFG_BOOL", false))
}

func TestWorkerFromEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("UNIT_MAX_ATTEMPTS", "3")
	t.Setenv("RETRY_BACKOFF_BASE_MS", "10000")
	t.Setenv("PROVIDER_RATE_SHARED", "true")

	w := WorkerFromEnv()
	require.Equal(t, 4, w.Concurrency)
	require.Equal(t, 3, w.MaxAttempts)
	require.Equal(t, 10*time.Second, w.BackoffBase)
	require.True(t, w.RateShared)
	// Untouched knobs keep their defaults.
	require.Equal(t, 100, w.BatchSize)
	require.Equal(t, 2*time.Minute, w.Lease)
}

func TestSchedulerFromEnv_Defaults(t *testing.T) {
	s := SchedulerFromEnv()
	require.Equal(t, 30*time.Second, s.SweepEvery)
	require.Equal(t, "resend", s.ProviderKey)
}
