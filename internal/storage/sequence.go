package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sequence pool for alert UIDs. Each second owns one counter key; INCR keeps
// it strictly monotonic within the second, and the per-second key means a
// later second starts a fresh pool without ever reusing an issued id.
var sequenceNext = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`)

const sequencePoolTTL = 2 * time.Hour

// NextSequence reserves the next sequence number for the given second.
func (s *Store) NextSequence(ctx context.Context, ts int64) (int64, error) {
	n, err := sequenceNext.Run(ctx, s.rdb,
		[]string{s.Keys.SequencePool(ts)}, int64(sequencePoolTTL.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("next sequence for %d: %w", ts, err)
	}
	return n, nil
}

// PreloadSequence advances the pool so ids below n are never issued for ts.
// Used when rebuilding state after a failover.
func (s *Store) PreloadSequence(ctx context.Context, ts, n int64) error {
	key := s.Keys.SequencePool(ts)
	script := redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
end
return 1
`)
	return script.Run(ctx, s.rdb, []string{key}, n, int64(sequencePoolTTL.Seconds())).Err()
}
