package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Trigger window state. Each (strategy,item,level,dimensions) fingerprint
// keeps a ZSET of recent anomaly tick timestamps; window sums are ZCOUNTs.

const windowRetain = 2 * time.Hour

// RecordAnomalyTick marks one anomalous tick for a fingerprint.
func (s *Store) RecordAnomalyTick(ctx context.Context, strategyID, itemID, severity int, dimsMD5 string, ts int64) error {
	key := s.Keys.TriggerWindow(strategyID, itemID, severity, dimsMD5)
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: ts})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", ts-int64(windowRetain.Seconds())))
	pipe.Expire(ctx, key, windowRetain)
	_, err := pipe.Exec(ctx)
	return err
}

// AnomalyTickCount counts anomalous ticks in [from, to] for a fingerprint.
func (s *Store) AnomalyTickCount(ctx context.Context, strategyID, itemID, severity int, dimsMD5 string, from, to int64) (int64, error) {
	key := s.Keys.TriggerWindow(strategyID, itemID, severity, dimsMD5)
	return s.rdb.ZCount(ctx, key, fmt.Sprintf("%d", from), fmt.Sprintf("%d", to)).Result()
}

// TriggerWatch is a fired fingerprint awaiting recovery. The sweeper turns a
// quiet recovery window into a RECOVER event.
type TriggerWatch struct {
	StrategyID  int               `json:"strategy_id"`
	ItemID      int               `json:"item_id"`
	Severity    int               `json:"level"`
	DimsMD5     string            `json:"dimensions_md5"`
	Dimensions  map[string]string `json:"dimensions"`
	DedupeMD5   string            `json:"dedupe_md5"`
	SnapshotKey string            `json:"strategy_snapshot_key"`
	FirstTime   int64             `json:"first_anomaly_time"`
	LatestTime  int64             `json:"latest_anomaly_time"`
}

func (w TriggerWatch) ID() string {
	return fmt.Sprintf("%d.%d.%d.%s", w.StrategyID, w.ItemID, w.Severity, w.DimsMD5)
}

// SaveTriggerWatch registers or refreshes a fired fingerprint.
func (s *Store) SaveTriggerWatch(ctx context.Context, w *TriggerWatch) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal trigger watch %s: %w", w.ID(), err)
	}
	return s.rdb.HSet(ctx, s.Keys.TriggerWatch(), w.ID(), raw).Err()
}

// ListTriggerWatches returns all fired fingerprints awaiting recovery.
func (s *Store) ListTriggerWatches(ctx context.Context) ([]TriggerWatch, error) {
	raw, err := s.rdb.HGetAll(ctx, s.Keys.TriggerWatch()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TriggerWatch, 0, len(raw))
	for field, val := range raw {
		var w TriggerWatch
		if err := json.Unmarshal([]byte(val), &w); err != nil {
			log.Warn().Err(err).Str("field", field).Msg("drop malformed trigger watch")
			s.rdb.HDel(ctx, s.Keys.TriggerWatch(), field)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// GetTriggerWatch loads one fingerprint; nil when not watched.
func (s *Store) GetTriggerWatch(ctx context.Context, id string) (*TriggerWatch, error) {
	raw, err := s.rdb.HGet(ctx, s.Keys.TriggerWatch(), id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w TriggerWatch
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("unmarshal trigger watch %s: %w", id, err)
	}
	return &w, nil
}

// DropTriggerWatch removes a fingerprint from the recovery watch.
func (s *Store) DropTriggerWatch(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, s.Keys.TriggerWatch(), id).Err()
}
