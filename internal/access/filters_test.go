package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func filterPoint(dims map[string]string, ts int64) models.DataPoint {
	return models.DataPoint{Dimensions: dims, Time: ts}
}

func TestBizIDFilter(t *testing.T) {
	strategy := &models.Strategy{BizID: 2, IsEnabled: true}
	item := &models.Item{}
	now := time.Now()

	assert.True(t, BizIDFilter{}.Apply(item, strategy, filterPoint(map[string]string{"bk_biz_id": "2"}, now.Unix()), now).Keep)
	assert.False(t, BizIDFilter{}.Apply(item, strategy, filterPoint(map[string]string{"bk_biz_id": "3"}, now.Unix()), now).Keep)
	assert.True(t, BizIDFilter{}.Apply(item, strategy, filterPoint(map[string]string{}, now.Unix()), now).Keep, "missing dimension passes")
	assert.True(t, BizIDFilter{}.Apply(item, strategy, filterPoint(map[string]string{"bk_biz_id": "junk"}, now.Unix()), now).Keep)
}

func TestStrategyFilter(t *testing.T) {
	now := time.Now()

	t.Run("disabled strategy drops everything", func(t *testing.T) {
		strategy := &models.Strategy{IsEnabled: false}
		res := StrategyFilter{}.Apply(&models.Item{}, strategy, filterPoint(nil, now.Unix()), now)
		assert.False(t, res.Keep)
	})

	t.Run("target selector include", func(t *testing.T) {
		strategy := &models.Strategy{IsEnabled: true}
		item := &models.Item{Target: models.TargetSelector{Field: "ip", Method: "eq", Values: []string{"10.0.0.1"}}}

		assert.True(t, StrategyFilter{}.Apply(item, strategy, filterPoint(map[string]string{"ip": "10.0.0.1"}, now.Unix()), now).Keep)
		assert.False(t, StrategyFilter{}.Apply(item, strategy, filterPoint(map[string]string{"ip": "10.0.0.2"}, now.Unix()), now).Keep)
		assert.True(t, StrategyFilter{}.Apply(item, strategy, filterPoint(map[string]string{}, now.Unix()), now).Keep, "point without the field passes")
	})

	t.Run("target selector exclude", func(t *testing.T) {
		strategy := &models.Strategy{IsEnabled: true}
		item := &models.Item{Target: models.TargetSelector{Field: "ip", Method: "neq", Values: []string{"10.0.0.1"}}}

		assert.False(t, StrategyFilter{}.Apply(item, strategy, filterPoint(map[string]string{"ip": "10.0.0.1"}, now.Unix()), now).Keep)
		assert.True(t, StrategyFilter{}.Apply(item, strategy, filterPoint(map[string]string{"ip": "10.0.0.2"}, now.Unix()), now).Keep)
	})
}

func TestExpireFilter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := ExpireFilter{MaxAge: 30 * time.Minute}

	assert.True(t, f.Apply(nil, nil, filterPoint(nil, now.Unix()-60), now).Keep)
	assert.False(t, f.Apply(nil, nil, filterPoint(nil, now.Unix()-1801), now).Keep)

	// zero config falls back to the 30m default
	assert.False(t, ExpireFilter{}.Apply(nil, nil, filterPoint(nil, now.Unix()-1801), now).Keep)
}

func TestConditionFilter(t *testing.T) {
	now := time.Now()
	item := &models.Item{QueryConfigs: []models.QueryConfig{{
		Conditions: []models.AggCondition{
			{Key: "device", Values: []string{"eth0"}, Method: "eq"},
		},
	}}}

	assert.True(t, ConditionFilter{}.Apply(item, nil, filterPoint(map[string]string{"device": "eth0"}, now.Unix()), now).Keep)
	assert.False(t, ConditionFilter{}.Apply(item, nil, filterPoint(map[string]string{"device": "lo"}, now.Unix()), now).Keep)
}

func TestMatchConditions(t *testing.T) {
	dims := map[string]string{"device": "eth0", "usage": "85"}

	t.Run("and chain", func(t *testing.T) {
		conds := []models.AggCondition{
			{Key: "device", Values: []string{"eth0"}, Method: "eq"},
			{Key: "usage", Values: []string{"80"}, Method: "gt", Connector: "and"},
		}
		assert.True(t, matchConditions(conds, dims))

		conds[1].Method = "lt"
		assert.False(t, matchConditions(conds, dims))
	})

	t.Run("or starts a new disjunct", func(t *testing.T) {
		conds := []models.AggCondition{
			{Key: "device", Values: []string{"lo"}, Method: "eq"},
			{Key: "usage", Values: []string{"80"}, Method: "gt", Connector: "or"},
		}
		assert.True(t, matchConditions(conds, dims))

		conds[1].Values = []string{"90"}
		assert.False(t, matchConditions(conds, dims))
	})

	t.Run("neq on missing key passes", func(t *testing.T) {
		conds := []models.AggCondition{{Key: "zone", Values: []string{"a"}, Method: "neq"}}
		assert.True(t, matchConditions(conds, dims))
	})

	t.Run("empty condition list keeps", func(t *testing.T) {
		assert.True(t, matchConditions(nil, dims))
	})
}
