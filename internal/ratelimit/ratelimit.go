// Package ratelimit gates outbound sends per provider key with token
// buckets: capacity C, refill R tokens/second, refill computed lazily from
// elapsed time. A denial is expected back-pressure, never an error.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter interface {
	// TryAcquire takes one token for key if available right now.
	TryAcquire(ctx context.Context, key string) (bool, error)
}

// AcquireWithin retries TryAcquire until granted or the wait bound elapses.
func AcquireWithin(ctx context.Context, l Limiter, key string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx, key)
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Local keeps one in-process bucket per provider key. Suitable when a single
// worker process owns a provider account; cross-process limits live in the
// Redis implementation.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	qps   float64
	burst int
}

func NewLocal(qps float64, burst int) *Local {
	return &Local{
		buckets: make(map[string]*rate.Limiter),
		qps:     qps,
		burst:   burst,
	}
}

func (l *Local) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.qps), l.burst)
		l.buckets[key] = b
	}
	return b
}

func (l *Local) TryAcquire(_ context.Context, key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}
