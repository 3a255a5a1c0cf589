package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_DoublesWithinJitterBand(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	for attempt, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: time.Minute,
		3: 2 * time.Minute,
		4: 4 * time.Minute,
	} {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base, cap)
			lo := time.Duration(float64(want) * 0.8)
			hi := time.Duration(float64(want) * 1.2)
			require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			require.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestBackoff_Caps(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour
	for i := 0; i < 50; i++ {
		d := Backoff(20, base, cap)
		require.LessOrEqual(t, d, time.Duration(float64(cap)*1.2))
		require.GreaterOrEqual(t, d, time.Duration(float64(cap)*0.8))
	}
}

func TestBackoff_ClampsLowAttempts(t *testing.T) {
	require.InDelta(t, float64(time.Second), float64(Backoff(0, time.Second, time.Minute)), float64(200*time.Millisecond))
	require.InDelta(t, float64(time.Second), float64(Backoff(-3, time.Second, time.Minute)), float64(200*time.Millisecond))
}

func TestJitter_ZeroFraction(t *testing.T) {
	require.Equal(t, time.Second, jitter(time.Second, 0))
}
