package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailforge/campaign-engine/internal/core"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"throttled", errors.New("429 too many requests"), true},
		{"rate limit body", errors.New("rate_limit_exceeded"), true},
		{"server error", errors.New("503 service unavailable"), true},
		{"invalid address", errors.New("invalid `to` field"), false},
		{"validation", errors.New("validation_error: missing subject"), false},
		{"unprocessable", errors.New("422 unprocessable entity"), false},
		{"unknown", errors.New("something odd"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			require.Equal(t, tc.transient, core.IsTransient(got))
			require.Equal(t, !tc.transient, core.IsPermanent(got))
			require.ErrorIs(t, got, tc.err)
		})
	}
}

func TestDummy_AlwaysSucceedsByDefault(t *testing.T) {
	d := &Dummy{}
	id, err := d.Send(context.Background(), Message{To: "a@example.test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestDummy_FailureMix(t *testing.T) {
	d := &Dummy{TransientRate: 100}
	_, err := d.Send(context.Background(), Message{To: "a@example.test"})
	require.True(t, core.IsTransient(err))

	d = &Dummy{PermanentRate: 100}
	_, err = d.Send(context.Background(), Message{To: "a@example.test"})
	require.True(t, core.IsPermanent(err))
}

func TestDummy_Latency(t *testing.T) {
	d := &Dummy{Latency: 20 * time.Millisecond}
	start := time.Now()
	_, err := d.Send(context.Background(), Message{To: "a@example.test"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
