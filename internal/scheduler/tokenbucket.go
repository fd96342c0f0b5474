package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skyeye-ops/skyeye/internal/storage"
)

// TokenBucket enforces a minimum inter-pull interval per group key. The
// bucket lives in the kv store so every worker charges against the same
// budget regardless of which one owns the group this tick.
//
// Refill is one token per interval up to capacity. A pull that finished in
// at most FreeLatency is free; slower pulls cost max(ceil(latency_s), 1).
type TokenBucket struct {
	store       *storage.Store
	Capacity    int
	FreeLatency time.Duration
}

func NewTokenBucket(store *storage.Store) *TokenBucket {
	return &TokenBucket{store: store, Capacity: 10, FreeLatency: 500 * time.Millisecond}
}

var bucketTake = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens') or ARGV[2])
local last = tonumber(redis.call('HGET', KEYS[1], 'last') or '0')
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[3])
if last > 0 and interval > 0 then
  local refill = math.floor((now - last) / interval)
  if refill > 0 then
    tokens = math.min(tokens + refill, tonumber(ARGV[2]))
    last = last + refill * interval
  end
else
  last = now
end
if tokens < 1 then
  redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', last)
  redis.call('EXPIRE', KEYS[1], interval * tonumber(ARGV[2]))
  return 0
end
redis.call('HSET', KEYS[1], 'tokens', tokens - 1, 'last', last)
redis.call('EXPIRE', KEYS[1], interval * tonumber(ARGV[2]))
return 1
`)

// Take attempts to spend one token; false means the group pulled too recently.
func (b *TokenBucket) Take(ctx context.Context, groupKey string, interval time.Duration) (bool, error) {
	key := b.store.Keys.TokenBucket(groupKey)
	n, err := bucketTake.Run(ctx, b.store.Client(), []string{key},
		time.Now().Unix(), b.Capacity, int64(interval.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("token bucket take %s: %w", groupKey, err)
	}
	return n == 1, nil
}

// Charge debits extra tokens for a slow pull. Cost for latency above the
// free threshold is max(ceil(latency_s), 1).
func (b *TokenBucket) Charge(ctx context.Context, groupKey string, latency time.Duration) error {
	if latency <= b.FreeLatency {
		return nil
	}
	cost := int(math.Ceil(latency.Seconds()))
	if cost < 1 {
		cost = 1
	}
	key := b.store.Keys.TokenBucket(groupKey)
	return b.store.Client().HIncrBy(ctx, key, "tokens", int64(-cost)).Err()
}

// PullCost is exported for tests and self-monitor accounting.
func (b *TokenBucket) PullCost(latency time.Duration) int {
	if latency <= b.FreeLatency {
		return 0
	}
	cost := int(math.Ceil(latency.Seconds()))
	if cost < 1 {
		cost = 1
	}
	return cost
}
