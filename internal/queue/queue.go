// Package queue carries "check send-unit X" wake-up signals between the
// scheduler and the dispatch workers. The store stays authoritative:
// duplicate or lost notifications are tolerated because claiming is
// idempotent and the scheduler's periodic sweep requeues anything missed.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned when no notification arrived within the wait bound.
var ErrEmpty = errors.New("queue_empty")

type Queue interface {
	// Enqueue publishes a unit id. At-least-once is enough.
	Enqueue(ctx context.Context, unitID string) error
	// Dequeue blocks up to wait for one unit id; ErrEmpty on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
}

// Memory is a channel-backed queue for tests and single-process runs.
type Memory struct {
	ch chan string
}

func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan string, size)}
}

func (q *Memory) Enqueue(ctx context.Context, unitID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- unitID:
		return nil
	}
}

func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
		return "", ErrEmpty
	case id := <-q.ch:
		return id, nil
	}
}

// Len reports queued notifications; handy in tests.
func (q *Memory) Len() int { return len(q.ch) }
