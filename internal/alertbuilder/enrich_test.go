package alertbuilder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
)

func enrichSnapshot() *cache.Snapshot {
	return &cache.Snapshot{
		Strategies: map[int]*models.Strategy{
			12: {ID: 12, BizID: 2, IsEnabled: true},
			13: {ID: 13, BizID: 3, IsEnabled: false},
			14: {ID: 14, BizID: 4, IsEnabled: true, Items: []models.Item{
				{QueryConfigs: []models.QueryConfig{{SourceLabel: "bk_fta", TypeLabel: "event"}}},
			}},
		},
	}
}

func TestPreEnricher(t *testing.T) {
	snap := enrichSnapshot()
	ctx := context.Background()

	t.Run("fills defaults", func(t *testing.T) {
		ev := &models.Event{
			EventID:     "e1",
			StrategyID:  12,
			Dimensions:  map[string]string{"ip": "10.0.0.1"},
			AnomalyTime: 1619840280,
		}
		res := PreEnricher{}.Enrich(ctx, snap, ev)
		assert.True(t, res.OK)
		assert.Equal(t, 2, ev.BizID)
		assert.Equal(t, models.DimensionsMD5(ev.Dimensions), ev.DimsMD5)
		assert.Equal(t, int64(1619840280), ev.FirstTime)
		assert.Equal(t, int64(1619840280), ev.LatestTime)
	})

	t.Run("drops events without identity", func(t *testing.T) {
		res := PreEnricher{}.Enrich(ctx, snap, &models.Event{StrategyID: 12})
		assert.False(t, res.OK)
	})

	t.Run("drops unknown strategies", func(t *testing.T) {
		res := PreEnricher{}.Enrich(ctx, snap, &models.Event{EventID: "e1", StrategyID: 99})
		assert.False(t, res.OK)
	})

	t.Run("disabled strategies count as unknown", func(t *testing.T) {
		res := PreEnricher{}.Enrich(ctx, snap, &models.Event{EventID: "e1", StrategyID: 13})
		assert.False(t, res.OK)
	})
}

func TestDimensionEnricher(t *testing.T) {
	e := DimensionEnricher{Translations: map[string]string{"bk_target_ip": "target ip"}}
	ev := &models.Event{Dimensions: map[string]string{"bk_target_ip": "10.0.0.1", "device": "eth0"}}

	res := e.Enrich(context.Background(), nil, ev)
	assert.True(t, res.OK)
	assert.Equal(t, "10.0.0.1", ev.OriginAlarm.DisplayDims["target ip"])
	assert.Equal(t, "eth0", ev.OriginAlarm.DisplayDims["device"], "untranslated keys pass through")
}

func TestWhitelistEnricher(t *testing.T) {
	snap := enrichSnapshot()
	ctx := context.Background()

	t.Run("empty whitelist admits everyone", func(t *testing.T) {
		res := WhitelistEnricher{}.Enrich(ctx, snap, &models.Event{StrategyID: 14, BizID: 4})
		assert.True(t, res.OK)
	})

	t.Run("third-party events need a listed business", func(t *testing.T) {
		e := WhitelistEnricher{BizIDs: []int{4}}
		assert.True(t, e.Enrich(ctx, snap, &models.Event{StrategyID: 14, BizID: 4}).OK)

		e = WhitelistEnricher{BizIDs: []int{9}}
		assert.False(t, e.Enrich(ctx, snap, &models.Event{StrategyID: 14, BizID: 4}).OK)
	})

	t.Run("first-party events bypass the whitelist", func(t *testing.T) {
		e := WhitelistEnricher{BizIDs: []int{9}}
		assert.True(t, e.Enrich(ctx, snap, &models.Event{StrategyID: 12, BizID: 2}).OK)
	})
}

func TestRunEnrichers(t *testing.T) {
	snap := enrichSnapshot()
	ev := &models.Event{EventID: "e1", StrategyID: 12, AnomalyTime: 1619840280}
	ok := runEnrichers(context.Background(), []EventEnricher{PreEnricher{}, DimensionEnricher{}}, snap, ev)
	assert.True(t, ok)

	bad := &models.Event{EventID: "", StrategyID: 12}
	ok = runEnrichers(context.Background(), []EventEnricher{PreEnricher{}}, snap, bad)
	assert.False(t, ok)
}
