package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mailforge/campaign-engine/internal/core"
)

// Dummy is the dev/test transport: simulated latency plus configurable
// failure rates so retry paths get exercised without a provider account.
type Dummy struct {
	Latency       time.Duration
	TransientRate int // percent of sends failing transiently
	PermanentRate int // percent of sends failing permanently
}

func NewDummy() *Dummy {
	return &Dummy{Latency: 50 * time.Millisecond, TransientRate: 3}
}

func (d *Dummy) Send(ctx context.Context, msg Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", core.Transient(ctx.Err())
	case <-time.After(d.Latency):
	}
	n := rand.Intn(100)
	if n < d.PermanentRate {
		return "", core.Permanent(errors.New("invalid_recipient"))
	}
	if n < d.PermanentRate+d.TransientRate {
		return "", core.Transient(errors.New("provider_temporary_error"))
	}
	return "dummy-" + randomID(), nil
}

func randomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
