package detect

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func point(v float64) models.DataPoint {
	return models.DataPoint{Value: v, Time: 1619840280}
}

func noHistory(time.Duration) *models.DataPoint { return nil }

func TestThresholdClause(t *testing.T) {
	cases := []struct {
		method string
		bound  float64
		value  float64
		want   bool
	}{
		{"gte", 90, 95, true},
		{"gte", 90, 90, true},
		{"gte", 90, 89.9, false},
		{"gt", 90, 90, false},
		{"lt", 10, 9, true},
		{"lte", 10, 10, true},
		{"eq", 1, 1, true},
		{"neq", 1, 2, true},
		{"bogus", 1, 1, false},
	}
	for _, c := range cases {
		clause := ThresholdClause{Method: c.method, Threshold: c.bound}
		assert.Equal(t, c.want, clause.match(c.value), "%s %g vs %g", c.method, c.bound, c.value)
	}
}

func TestThresholdGroups(t *testing.T) {
	// (v >= 90 AND v < 100) OR (v >= 200)
	raw := json.RawMessage(`[[{"method":"gte","threshold":90},{"method":"lt","threshold":100}],[{"method":"gte","threshold":200}]]`)
	algo, err := newThreshold(raw)
	require.NoError(t, err)

	hit, msg, err := algo.Match(point(95), noHistory)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Contains(t, msg, "95")

	hit, _, err = algo.Match(point(150), noHistory)
	require.NoError(t, err)
	assert.False(t, hit)

	hit, _, err = algo.Match(point(250), noHistory)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestThresholdEmptyConfig(t *testing.T) {
	_, err := newThreshold(json.RawMessage(`[]`))
	assert.Error(t, err)
}

func TestPartialNodes(t *testing.T) {
	algo, err := newPartialNodes(json.RawMessage(`{"count":3}`))
	require.NoError(t, err)

	hit, _, err := algo.Match(point(3), noHistory)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, _, err = algo.Match(point(2), noHistory)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()

	algo, err := reg.Build(models.AlgorithmConfig{
		Type:   AlgorithmThreshold,
		Config: json.RawMessage(`[[{"method":"gte","threshold":1}]]`),
	})
	require.NoError(t, err)
	assert.Empty(t, algo.HistoryOffsets())

	_, err = reg.Build(models.AlgorithmConfig{Type: "NoSuchAlgorithm"})
	assert.Error(t, err)
}
