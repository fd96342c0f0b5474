package alertbuilder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

func newBuilderStore(t *testing.T) *storage.Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	prefix := fmt.Sprintf("skyeye_test_builder_%d", time.Now().UnixNano())
	store := storage.NewStoreWithClient(rdb, prefix)
	t.Cleanup(func() {
		iter := rdb.Scan(ctx, 0, prefix+"*", 500).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		rdb.Close()
	})
	return store
}

func builderSnapshot() *cache.Snapshot {
	return &cache.Snapshot{
		Strategies: map[int]*models.Strategy{
			12: {ID: 12, BizID: 2, Name: "cpu usage", IsEnabled: true},
		},
	}
}

func TestProcessBatchRespectsForeignDedupeLock(t *testing.T) {
	store := newBuilderStore(t)
	ctx := context.Background()

	dims := map[string]string{"ip": store.Keys.Prefix}
	key := models.DedupeMD5(12, dims)
	lockKey := store.Keys.ServiceLock("alert_builder", key)
	token, err := store.AcquireLock(ctx, lockKey, 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	t.Cleanup(func() { store.ReleaseLock(ctx, lockKey, token) })

	c := cache.NewCache()
	c.Swap(builderSnapshot())
	b := &Builder{Store: store, Cache: c, UID: UID{Store: store}}

	entries := []storage.TopicEntry{{
		ID:  "1-1",
		Key: key,
		Event: models.Event{
			EventID:     "ev-1",
			StrategyID:  12,
			Severity:    2,
			Status:      models.EventStatusAbnormal,
			Dimensions:  dims,
			AnomalyTime: time.Now().Unix(),
		},
	}}

	acked, err := b.ProcessBatch(ctx, entries)
	require.Error(t, err, "a fingerprint held by another consumer fails the batch for replay")
	assert.Empty(t, acked)

	// the foreign lock is still held, untouched by the failed batch
	held, err := store.Client().Get(ctx, lockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, token, held)
}

func TestProcessGroupRecoverGrace(t *testing.T) {
	store := newBuilderStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	dims := map[string]string{"ip": store.Keys.Prefix}
	key := models.DedupeMD5(12, dims)
	active := &models.Alert{
		ID:         "16198402901",
		DedupeMD5:  key,
		StrategyID: 12,
		BizID:      2,
		Status:     models.AlertAbnormal,
		Severity:   2,
		LatestTime: now,
		Dimensions: dims,
	}
	require.NoError(t, store.SaveAlertSnapshot(ctx, active, time.Hour))

	b := &Builder{Store: store, UID: UID{Store: store}}
	events := []*models.Event{{
		EventID:     "ev-2",
		StrategyID:  12,
		Severity:    2,
		Status:      models.EventStatusRecover,
		Dimensions:  dims,
		AnomalyTime: now,
	}}

	a, logs, created, err := b.processGroup(ctx, builderSnapshot(), key, events)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.False(t, created)
	assert.Equal(t, models.AlertRecovering, a.Status)

	// the trigger already sat out the quiet recovery window; only the short
	// abort grace remains before the manager finalizes
	assert.InDelta(t, now+recoveryGrace, a.NextStatusTime, 2)
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpRecovering, logs[0].OpType)
}
