package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	prefix := fmt.Sprintf("skyeye_test_%d", time.Now().UnixNano())
	store := NewStoreWithClient(rdb, prefix)
	t.Cleanup(func() {
		iter := rdb.Scan(ctx, 0, prefix+"*", 500).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		rdb.Close()
	})
	return store
}

func TestCheckpointAdvancesForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// checkpoint keys live outside the prefix; reuse it as a unique group key
	group := store.Keys.Prefix
	t.Cleanup(func() { store.Client().Del(ctx, store.Keys.Checkpoint(group)) })

	cp, err := store.Checkpoint(ctx, group)
	require.NoError(t, err)
	assert.Zero(t, cp)

	ok, err := store.AdvanceCheckpoint(ctx, group, 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AdvanceCheckpoint(ctx, group, 900)
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint never moves backward")

	cp, err = store.Checkpoint(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cp)
}

func TestLockCompareAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := store.Keys.ServiceLock("access", store.Keys.Prefix)
	t.Cleanup(func() { store.Client().Del(ctx, key) })

	token, err := store.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	second, err := store.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "held lock is not re-acquired")

	require.NoError(t, store.ReleaseLock(ctx, key, "wrong-token"))
	third, err := store.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, third, "wrong token must not release")

	require.NoError(t, store.ReleaseLock(ctx, key, token))
	fourth, err := store.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, fourth)
}

func TestAnomalySignalAfterData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := map[int][]models.AnomalyRecord{
		1: {{AnomalyID: "md5.100.12.3.1", StrategyID: 12, ItemID: 3, Severity: 1}},
		2: {{AnomalyID: "md5.100.12.3.2", StrategyID: 12, ItemID: 3, Severity: 2}},
	}
	require.NoError(t, store.PushAnomalies(ctx, 12, 3, recs))

	sig, err := store.PopSignal(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "12.3", sig)

	// the signalled data is already drainable
	got, err := store.DrainAnomalies(ctx, 12, 3, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "md5.100.12.3.1", got[0].AnomalyID)

	got, err = store.DrainAnomalies(ctx, 12, 3, 2, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// nothing left
	got, err = store.DrainAnomalies(ctx, 12, 3, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.PushAnomalies(ctx, 12, 3, map[int][]models.AnomalyRecord{1: {}}))
	sig, err = store.PopSignal(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, sig, "empty batch publishes no signal")
}

func TestAlertSnapshotLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &models.Alert{
		ID:        "16198402891",
		DedupeMD5: "feedbeef",
		Status:    models.AlertAbnormal,
		Severity:  1,
	}
	require.NoError(t, store.SaveAlertSnapshot(ctx, a, time.Minute))

	got, err := store.GetActiveAlert(ctx, "feedbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)

	// a terminal snapshot no longer owns the slot
	end := time.Now().Unix()
	a.Status = models.AlertRecovered
	a.EndTime = &end
	require.NoError(t, store.SaveAlertSnapshot(ctx, a, time.Minute))
	got, err = store.GetActiveAlert(ctx, "feedbeef")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.DropAlertSnapshot(ctx, "feedbeef"))
	got, err = store.GetActiveAlert(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQoSIncr(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := store.QoSIncr(ctx, "alert.2.12.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := store.QoSIncr(ctx, "alert.2.12.2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "fingerprints count independently")
}

func TestDelayedTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due := DelayedTask{ID: "t1", Kind: "action_retry", Payload: []byte(`{"n":1}`), RunAt: now.Unix() - 1}
	future := DelayedTask{ID: "t2", Kind: "action_retry", Payload: []byte(`{"n":2}`), RunAt: now.Unix() + 3600}
	require.NoError(t, store.PushDelayed(ctx, due))
	require.NoError(t, store.PushDelayed(ctx, future))

	tasks, err := store.SweepDelayed(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	// swept tasks are gone; the future one stays
	tasks, err = store.SweepDelayed(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = store.SweepDelayed(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].ID)
}

func TestLiveWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Heartbeat(ctx, "w1", time.Minute))
	require.NoError(t, store.Heartbeat(ctx, "w2", 50*time.Millisecond))

	workers, err := store.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, workers)

	time.Sleep(80 * time.Millisecond)
	workers, err = store.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, workers, "expired heartbeats drop out")
}

func TestNextSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.NextSequence(ctx, 1619840290)
	require.NoError(t, err)
	second, err := store.NextSequence(ctx, 1619840290)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	other, err := store.NextSequence(ctx, 1619840291)
	require.NoError(t, err)
	assert.Equal(t, first, other, "each second owns its own pool")
}

func TestQuickShieldOverlay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	active := &models.ShieldConfig{
		ID: 1001, BizID: 2, StrategyIDs: []int{12},
		BeginTime: now.Add(-time.Minute).Unix(), FailureTime: now.Add(time.Hour).Unix(),
		Dimensions: map[string]string{"ip": "10.0.0.1"},
	}
	expired := &models.ShieldConfig{
		ID: 1002, BizID: 2,
		BeginTime: now.Add(-2 * time.Hour).Unix(), FailureTime: now.Add(-time.Hour).Unix(),
	}
	require.NoError(t, store.SaveQuickShield(ctx, active))
	require.NoError(t, store.SaveQuickShield(ctx, expired))

	shields, err := store.ListQuickShields(ctx, now)
	require.NoError(t, err)
	require.Len(t, shields, 1)
	assert.Equal(t, 1001, shields[0].ID)
	assert.Equal(t, []int{12}, shields[0].StrategyIDs)
	assert.Equal(t, "10.0.0.1", shields[0].Dimensions["ip"])

	// the expired entry was pruned from the hash
	n, err := store.Client().HLen(ctx, store.Keys.QuickShields()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPreloadSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PreloadSequence(ctx, 1619840295, 7))
	n, err := store.NextSequence(ctx, 1619840295)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n, "preloaded ids are never reissued")

	// a lower preload never rewinds the pool
	require.NoError(t, store.PreloadSequence(ctx, 1619840295, 3))
	n, err = store.NextSequence(ctx, 1619840295)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}
