package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/models"
)

// Store wraps the kv store. All cross-stage queues, checkpoints, locks and
// snapshots live here; stages never share mutable objects directly.
type Store struct {
	rdb  *redis.Client
	Keys Keys
}

func NewStore(cfg *config.RedisConfig) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		Keys: Keys{Prefix: cfg.KeyPrefix},
	}
}

// NewStoreWithClient is for tests.
func NewStoreWithClient(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, Keys: Keys{Prefix: prefix}}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Close() error { return s.rdb.Close() }

// -- anomaly queues ----------------------------------------------------------

const anomalyTTL = 30 * time.Minute

// PushAnomalies writes anomalies to their per-(strategy,item,level) list and
// then signals "{strategy}.{item}". The signal goes out strictly after the
// data so Trigger never reads a not-yet-ready list.
func (s *Store) PushAnomalies(ctx context.Context, strategyID, itemID int, bySeverity map[int][]models.AnomalyRecord) error {
	total := 0
	for severity, records := range bySeverity {
		if len(records) == 0 {
			continue
		}
		vals := make([]interface{}, 0, len(records))
		for _, r := range records {
			raw, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal anomaly %s: %w", r.AnomalyID, err)
			}
			vals = append(vals, raw)
		}
		key := s.Keys.AnomalyList(strategyID, itemID, severity)
		pipe := s.rdb.Pipeline()
		pipe.LPush(ctx, key, vals...)
		pipe.Expire(ctx, key, anomalyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("push anomaly list %s: %w", key, err)
		}
		total += len(records)
	}
	if total == 0 {
		return nil
	}
	sig := s.Keys.AnomalySignal()
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, sig, fmt.Sprintf("%d.%d", strategyID, itemID))
	pipe.Expire(ctx, sig, anomalyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push anomaly signal: %w", err)
	}
	return nil
}

// PopSignal pops one "{strategy}.{item}" signal; empty string when none.
func (s *Store) PopSignal(ctx context.Context, block time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, block, s.Keys.AnomalySignal()).Result()
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

// DrainAnomalies pops up to max anomalies from one severity list.
func (s *Store) DrainAnomalies(ctx context.Context, strategyID, itemID, severity, max int) ([]models.AnomalyRecord, error) {
	key := s.Keys.AnomalyList(strategyID, itemID, severity)
	out := make([]models.AnomalyRecord, 0, max)
	for i := 0; i < max; i++ {
		raw, err := s.rdb.RPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, err
		}
		var rec models.AnomalyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("drop malformed anomaly record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// -- checkpoints -------------------------------------------------------------

// Checkpoint returns the last-accessed timestamp for a group, 0 when unset.
func (s *Store) Checkpoint(ctx context.Context, groupKey string) (int64, error) {
	v, err := s.rdb.Get(ctx, s.Keys.Checkpoint(groupKey)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

var checkpointCAS = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = tonumber(ARGV[1])
if next > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// AdvanceCheckpoint moves the checkpoint forward, never backward.
func (s *Store) AdvanceCheckpoint(ctx context.Context, groupKey string, ts int64) (bool, error) {
	n, err := checkpointCAS.Run(ctx, s.rdb, []string{s.Keys.Checkpoint(groupKey)}, ts).Int()
	if err != nil {
		return false, fmt.Errorf("advance checkpoint %s: %w", groupKey, err)
	}
	return n == 1, nil
}

// -- locks -------------------------------------------------------------------

var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLock sets key = token NX EX ttl and returns the token. Empty token
// means another holder owns the lock; callers do not block or retry.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock deletes the key iff the stored token matches.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := compareAndDelete.Run(ctx, s.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// -- dedupe snapshots --------------------------------------------------------

// GetActiveAlert loads the active alert snapshot for a dedupe fingerprint.
func (s *Store) GetActiveAlert(ctx context.Context, dedupeMD5 string) (*models.Alert, error) {
	raw, err := s.rdb.Get(ctx, s.Keys.DedupeContent(dedupeMD5)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dedupe snapshot %s: %w", dedupeMD5, err)
	}
	var a models.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("unmarshal dedupe snapshot %s: %w", dedupeMD5, err)
	}
	if !a.Active() {
		return nil, nil
	}
	return &a, nil
}

// SaveAlertSnapshot writes the alert snapshot with a TTL.
func (s *Store) SaveAlertSnapshot(ctx context.Context, a *models.Alert, ttl time.Duration) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}
	if err := s.rdb.Set(ctx, s.Keys.DedupeContent(a.DedupeMD5), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save alert snapshot %s: %w", a.ID, err)
	}
	return nil
}

// DropAlertSnapshot releases a dedupe slot after the alert reached an end state.
func (s *Store) DropAlertSnapshot(ctx context.Context, dedupeMD5 string) error {
	return s.rdb.Del(ctx, s.Keys.DedupeContent(dedupeMD5)).Err()
}

// -- quick shield overlay ----------------------------------------------------

// SaveQuickShield registers a one-click shield in the overlay hash. Overlay
// shields are merged with the config-store shields wherever the shield
// predicate is evaluated, so they take effect before the next cache refresh.
func (s *Store) SaveQuickShield(ctx context.Context, sh *models.ShieldConfig) error {
	data, err := json.Marshal(sh)
	if err != nil {
		return fmt.Errorf("marshal quick shield: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.Keys.QuickShields(), strconv.Itoa(sh.ID), data).Err(); err != nil {
		return fmt.Errorf("save quick shield %d: %w", sh.ID, err)
	}
	return nil
}

// ListQuickShields returns the overlay shields still active at now and
// prunes the expired or unreadable ones.
func (s *Store) ListQuickShields(ctx context.Context, now time.Time) ([]*models.ShieldConfig, error) {
	all, err := s.rdb.HGetAll(ctx, s.Keys.QuickShields()).Result()
	if err != nil {
		return nil, fmt.Errorf("list quick shields: %w", err)
	}
	var out []*models.ShieldConfig
	var stale []string
	for field, raw := range all {
		var sh models.ShieldConfig
		if err := json.Unmarshal([]byte(raw), &sh); err != nil || !sh.ActiveAt(now) {
			stale = append(stale, field)
			continue
		}
		out = append(out, &sh)
	}
	if len(stale) > 0 {
		if err := s.rdb.HDel(ctx, s.Keys.QuickShields(), stale...).Err(); err != nil {
			log.Warn().Err(err).Msg("prune quick shields failed")
		}
	}
	return out, nil
}

// ScanAlertSnapshots iterates all live dedupe snapshots (Manager reload).
func (s *Store) ScanAlertSnapshots(ctx context.Context, fn func(a *models.Alert) error) error {
	iter := s.rdb.Scan(ctx, 0, s.Keys.DedupeContent("*"), 200).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		var a models.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("drop malformed alert snapshot")
			continue
		}
		if err := fn(&a); err != nil {
			return err
		}
	}
	return iter.Err()
}

// -- strategy snapshots ------------------------------------------------------

// SaveStrategySnapshot freezes the strategy config a detection ran against so
// downstream stages see the version that made the decision.
func (s *Store) SaveStrategySnapshot(ctx context.Context, key string, strategy *models.Strategy, ttl time.Duration) error {
	raw, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy %d: %w", strategy.ID, err)
	}
	return s.rdb.Set(ctx, s.Keys.StrategySnapshot(key), raw, ttl).Err()
}

// GetStrategySnapshot loads a frozen strategy; nil when expired or missing.
func (s *Store) GetStrategySnapshot(ctx context.Context, key string) (*models.Strategy, error) {
	raw, err := s.rdb.Get(ctx, s.Keys.StrategySnapshot(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy snapshot %s: %w", key, err)
	}
	var st models.Strategy
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal strategy snapshot %s: %w", key, err)
	}
	return &st, nil
}

// -- QoS counters ------------------------------------------------------------

var qosIncr = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if c == 1 then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
local born = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or ARGV[2])
if tonumber(ARGV[2]) - born >= tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], ARGV[1], 1)
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
  return 1
end
return c
`)

// QoSIncr bumps the sliding counter for a fingerprint class and returns the
// count inside the current window.
func (s *Store) QoSIncr(ctx context.Context, fingerprint string, window time.Duration) (int, error) {
	now := time.Now().Unix()
	key := s.Keys.QoSControl()
	n, err := qosIncr.Run(ctx, s.rdb, []string{key, key + ".born"},
		fingerprint, now, int64(window.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("qos incr %s: %w", fingerprint, err)
	}
	return n, nil
}

// -- delayed task queue ------------------------------------------------------

// DelayedTask is a retriable unit stored until its due time.
type DelayedTask struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	RunAt   int64           `json:"run_at"`
}

// PushDelayed stores the task blob and schedules it at score=runAt.
func (s *Store) PushDelayed(ctx context.Context, task DelayedTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal delayed task %s: %w", task.ID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.Keys.TaskStorage(), task.ID, raw)
	pipe.ZAdd(ctx, s.Keys.TaskDelayQueue(), redis.Z{Score: float64(task.RunAt), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push delayed task %s: %w", task.ID, err)
	}
	return nil
}

// SweepDelayed pops all tasks due in [0, now] and removes them from storage.
func (s *Store) SweepDelayed(ctx context.Context, now time.Time) ([]DelayedTask, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.Keys.TaskDelayQueue(), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sweep delayed queue: %w", err)
	}
	out := make([]DelayedTask, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.HGet(ctx, s.Keys.TaskStorage(), id).Result()
		if err == redis.Nil {
			s.rdb.ZRem(ctx, s.Keys.TaskDelayQueue(), id)
			continue
		}
		if err != nil {
			return out, err
		}
		var t DelayedTask
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("drop malformed delayed task")
			s.rdb.ZRem(ctx, s.Keys.TaskDelayQueue(), id)
			s.rdb.HDel(ctx, s.Keys.TaskStorage(), id)
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, s.Keys.TaskDelayQueue(), id)
		pipe.HDel(ctx, s.Keys.TaskStorage(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

// -- heartbeats --------------------------------------------------------------

// Heartbeat registers this worker and refreshes its TTL key.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.Keys.Heartbeat(workerID), time.Now().Unix(), ttl)
	pipe.SAdd(ctx, s.Keys.HeartbeatSet(), workerID)
	_, err := pipe.Exec(ctx)
	return err
}

// LiveWorkers returns workers whose heartbeat key still exists; stale
// members are pruned from the set as they are discovered.
func (s *Store) LiveWorkers(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.Keys.HeartbeatSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	live := make([]string, 0, len(members))
	for _, m := range members {
		n, err := s.rdb.Exists(ctx, s.Keys.Heartbeat(m)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.rdb.SRem(ctx, s.Keys.HeartbeatSet(), m)
			continue
		}
		live = append(live, m)
	}
	return live, nil
}

// -- manager queue -----------------------------------------------------------

// PublishAlertIDs pushes affected alert ids to the Manager input queue.
func (s *Store) PublishAlertIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return s.rdb.LPush(ctx, s.Keys.ManagerQueue(), vals...).Err()
}

// PopAlertID pops one alert id from the Manager queue; empty when none.
func (s *Store) PopAlertID(ctx context.Context, block time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, block, s.Keys.ManagerQueue()).Result()
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

// -- misc --------------------------------------------------------------------

// QueueDepth reports the length of a list key, for self-monitor gauges.
func (s *Store) QueueDepth(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}
