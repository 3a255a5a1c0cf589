package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Token bucket evaluated server-side so every worker process sharing a
// provider key draws from one bucket. Tokens and last-refill live in a hash;
// refill is computed from Redis server time, which keeps all callers on one
// clock. The script is atomic, so concurrent acquires never overdraw.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])

local t = redis.call('TIME')
local now = tonumber(t[1]) + tonumber(t[2]) / 1e6

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

tokens = math.min(capacity, tokens + (now - ts) * refill)

local granted = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, math.ceil(capacity / refill * 2000))
return granted
`)

// RedisBuckets is the cross-process Limiter: one shared bucket per provider
// key, capacity and refill fixed at construction.
type RedisBuckets struct {
	client   *redis.Client
	prefix   string
	capacity float64
	refill   float64 // tokens per second
}

func NewRedisBuckets(client *redis.Client, prefix string, capacity, refill float64) *RedisBuckets {
	return &RedisBuckets{client: client, prefix: prefix, capacity: capacity, refill: refill}
}

func (r *RedisBuckets) TryAcquire(ctx context.Context, key string) (bool, error) {
	res, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key}, r.capacity, r.refill).Int()
	if err != nil {
		return false, fmt.Errorf("rate bucket %s: %w", key, err)
	}
	return res == 1, nil
}
