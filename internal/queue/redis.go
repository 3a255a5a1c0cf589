package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Queue over a Redis list: LPUSH to publish, BRPOP to
// consume. Payload is the bare unit id; everything else lives in the store.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

// NewRedisClient dials Redis and pings it with a short timeout so a dead
// broker is reported at startup, not at first publish.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (q *Redis) Enqueue(ctx context.Context, unitID string) error {
	return q.client.LPush(ctx, q.key, unitID).Err()
}

func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value].
	if len(res) < 2 {
		return "", ErrEmpty
	}
	return res[1], nil
}
