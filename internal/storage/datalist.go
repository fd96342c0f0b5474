package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Data queue between Access and Detect. Points are transient: the list
// carries a short TTL and Detect drains it promptly.

const dataTTL = 10 * time.Minute

func (k Keys) DataList(groupKey string) string { return k.Prefix + ".data.list." + groupKey }

func (k Keys) DataSignal() string { return k.Prefix + ".data.signal" }

// PushDataPoints writes normalized points for a group and then signals the
// group key. Data strictly precedes the signal.
func (s *Store) PushDataPoints(ctx context.Context, groupKey string, points []models.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(points))
	for _, p := range points {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal data point %s: %w", p.RecordID, err)
		}
		vals = append(vals, raw)
	}
	key := s.Keys.DataList(groupKey)
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, vals...)
	pipe.Expire(ctx, key, dataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push data list %s: %w", groupKey, err)
	}
	sig := s.Keys.DataSignal()
	pipe = s.rdb.Pipeline()
	pipe.LPush(ctx, sig, groupKey)
	pipe.Expire(ctx, sig, dataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push data signal: %w", err)
	}
	return nil
}

// PopDataSignal pops one group key; empty string when none within block.
func (s *Store) PopDataSignal(ctx context.Context, block time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, block, s.Keys.DataSignal()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// DrainDataPoints pops up to max points for a group.
func (s *Store) DrainDataPoints(ctx context.Context, groupKey string, max int) ([]models.DataPoint, error) {
	key := s.Keys.DataList(groupKey)
	out := make([]models.DataPoint, 0, max)
	for i := 0; i < max; i++ {
		raw, err := s.rdb.RPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, err
		}
		var p models.DataPoint
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Warn().Err(err).Str("group_key", groupKey).Msg("drop malformed data point")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CachePoints retains recent points per (strategy,item,dimension) so the
// ring-ratio and year-round detectors can fetch history offsets.
func (s *Store) CachePoints(ctx context.Context, strategyID, itemID int, points []models.DataPoint, retain time.Duration) error {
	pipe := s.rdb.Pipeline()
	for _, p := range points {
		key := s.Keys.PointCache(strategyID, itemID, models.DimensionsMD5(p.Dimensions))
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(p.Time), Member: raw})
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", time.Now().Add(-retain).Unix()))
		pipe.Expire(ctx, key, retain)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// HistoryPoint returns the cached point nearest ts within tolerance, nil
// when history is missing (the detector then abstains).
func (s *Store) HistoryPoint(ctx context.Context, strategyID, itemID int, dimsMD5 string, ts int64, tolerance time.Duration) (*models.DataPoint, error) {
	key := s.Keys.PointCache(strategyID, itemID, dimsMD5)
	lo := fmt.Sprintf("%d", ts-int64(tolerance.Seconds()))
	hi := fmt.Sprintf("%d", ts+int64(tolerance.Seconds()))
	raws, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi, Count: 1}).Result()
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	var p models.DataPoint
	if err := json.Unmarshal([]byte(raws[0]), &p); err != nil {
		return nil, nil
	}
	return &p, nil
}
