package access

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

func circuitSnapshot() *cache.Snapshot {
	return &cache.Snapshot{
		Strategies: map[int]*models.Strategy{
			12: {ID: 12, BizID: 42, IsEnabled: true},
			13: {ID: 13, BizID: 7, IsEnabled: true},
		},
	}
}

func TestCircuitBreakerStaticRules(t *testing.T) {
	snap := circuitSnapshot()
	qc := models.QueryConfig{SourceLabel: "prometheus", TypeLabel: "time_series"}
	groupFor := func(strategyID int) *models.StrategyGroup {
		return &models.StrategyGroup{StrategyIDs: []int{strategyID}}
	}

	cases := []struct {
		name       string
		rule       string
		strategyID int
		want       bool
	}{
		{"global wildcard trips everyone", "*:*:prometheus:time_series", 12, true},
		{"strategy scoped trips its strategy", "12:*:prometheus:time_series", 12, true},
		{"strategy scoped skips others", "12:*:prometheus:time_series", 13, false},
		{"biz scoped trips its business", "*:42:prometheus:time_series", 12, true},
		{"biz scoped skips other businesses", "*:42:prometheus:time_series", 13, false},
		{"full key match", "12:42:prometheus:time_series", 12, true},
		{"full key wrong biz", "12:7:prometheus:time_series", 12, false},
		{"source mismatch passes", "*:*:elasticsearch:log", 12, false},
		{"malformed rule never trips", "prometheus:time_series", 12, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewCircuitBreaker([]string{tc.rule}, nil)
			assert.Equal(t, tc.want, b.Check(context.Background(), snap, groupFor(tc.strategyID), qc))
		})
	}
}

func TestCircuitBreakerOverrideHash(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	store := storage.NewStoreWithClient(rdb, "skyeye_test_circuit")
	t.Cleanup(func() {
		rdb.Del(ctx, store.Keys.CircuitOverride())
		rdb.Close()
	})

	snap := circuitSnapshot()
	qc := models.QueryConfig{SourceLabel: "prometheus", TypeLabel: "time_series"}
	b := NewCircuitBreaker(nil, store)

	require.NoError(t, rdb.HSet(ctx, store.Keys.CircuitOverride(), "*:42:prometheus:time_series", "1").Err())
	assert.True(t, b.Check(ctx, snap, &models.StrategyGroup{StrategyIDs: []int{12}}, qc),
		"biz-scoped override trips its business")
	assert.False(t, b.Check(ctx, snap, &models.StrategyGroup{StrategyIDs: []int{13}}, qc),
		"biz-scoped override skips other businesses")
}

func TestApplyQoSKeepsPointsWhenCounterFails(t *testing.T) {
	// unreachable port: every QoSIncr errors without needing a live Redis
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()
	store := storage.NewStoreWithClient(rdb, "skyeye_test_qos")

	r := &Runner{
		Store:     store,
		QoS:       config.QoSPolicy{IsEnabled: true, Threshold: 5},
		qosWindow: time.Minute,
	}
	snap := circuitSnapshot()
	group := &models.StrategyGroup{
		GroupKey:    "g1",
		StrategyIDs: []int{12},
		Items: []models.Item{
			{ID: 1, StrategyID: 12, Target: models.TargetSelector{Field: "ip"}},
			{ID: 2, StrategyID: 12, Target: models.TargetSelector{Field: "ip"}},
		},
	}
	points := []models.DataPoint{
		{RecordID: "point-a", Dimensions: map[string]string{"ip": "10.0.0.1"}},
		{RecordID: "point-b", Dimensions: map[string]string{"ip": "10.0.0.2"}},
	}

	out := r.applyQoS(context.Background(), snap, group, points)
	require.Len(t, out, 2, "counter failure keeps each point exactly once")
	assert.Equal(t, "point-a", out[0].RecordID)
	assert.Equal(t, "point-b", out[1].RecordID)
	assert.Equal(t, "point-b", points[1].RecordID, "input slice is never clobbered")
}
