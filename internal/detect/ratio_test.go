package detect

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func historyOf(points map[time.Duration]float64) History {
	return func(offset time.Duration) *models.DataPoint {
		v, ok := points[offset]
		if !ok {
			return nil
		}
		return &models.DataPoint{Value: v}
	}
}

func TestSimpleRingRatio(t *testing.T) {
	algo, err := newSimpleRingRatio(json.RawMessage(`{"ceil":50,"floor":30}`))
	require.NoError(t, err)

	t.Run("abstains without history", func(t *testing.T) {
		hit, _, err := algo.Match(point(100), noHistory)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("rise over ceil", func(t *testing.T) {
		h := historyOf(map[time.Duration]float64{time.Minute: 100})
		hit, msg, err := algo.Match(point(160), h)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Contains(t, msg, "rose")
	})

	t.Run("drop below floor", func(t *testing.T) {
		h := historyOf(map[time.Duration]float64{time.Minute: 100})
		hit, msg, err := algo.Match(point(60), h)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Contains(t, msg, "dropped")
	})

	t.Run("inside band", func(t *testing.T) {
		h := historyOf(map[time.Duration]float64{time.Minute: 100})
		hit, _, err := algo.Match(point(110), h)
		require.NoError(t, err)
		assert.False(t, hit)
	})
}

func TestAdvancedRingRatioMean(t *testing.T) {
	algo, err := newAdvancedRingRatio(json.RawMessage(`{"ceil":100,"ceil_interval":3}`))
	require.NoError(t, err)
	assert.Len(t, algo.HistoryOffsets(), 3)

	// mean of last 3 points = 10; ceil 100% means fire at >= 20
	h := historyOf(map[time.Duration]float64{
		1 * time.Minute: 8,
		2 * time.Minute: 10,
		3 * time.Minute: 12,
	})
	hit, _, err := algo.Match(point(20), h)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, _, err = algo.Match(point(19), h)
	require.NoError(t, err)
	assert.False(t, hit)

	// partial history still averages over what exists
	partial := historyOf(map[time.Duration]float64{2 * time.Minute: 10})
	hit, _, err = algo.Match(point(20), partial)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestRingRatioAmplitude(t *testing.T) {
	// fire when |cur-prev| >= |prev|*0.1 + 5 and cur >= 50
	algo, err := newRingRatioAmplitude(json.RawMessage(`{"ratio":0.1,"shock":5,"threshold":50,"method":"gte"}`))
	require.NoError(t, err)

	h := historyOf(map[time.Duration]float64{time.Minute: 100})

	hit, _, err := algo.Match(point(120), h) // jump 20 >= 15, value 120 >= 50
	require.NoError(t, err)
	assert.True(t, hit)

	hit, _, err = algo.Match(point(110), h) // jump 10 < 15
	require.NoError(t, err)
	assert.False(t, hit)

	hit, _, err = algo.Match(point(40), h) // below the threshold clause
	require.NoError(t, err)
	assert.False(t, hit)

	hit, _, err = algo.Match(point(120), noHistory)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestYearRound(t *testing.T) {
	simple, err := newSimpleYearRound(json.RawMessage(`{"ceil":20}`))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{24 * time.Hour}, simple.HistoryOffsets())

	h := historyOf(map[time.Duration]float64{24 * time.Hour: 100})
	hit, _, err := simple.Match(point(120), h)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, _, err = simple.Match(point(119), h)
	require.NoError(t, err)
	assert.False(t, hit)

	advanced, err := newAdvancedYearRound(json.RawMessage(`{"floor":50,"floor_interval":2}`))
	require.NoError(t, err)
	days := historyOf(map[time.Duration]float64{
		24 * time.Hour: 80,
		48 * time.Hour: 120,
	})
	// mean 100, floor 50% fires at <= 50
	hit, _, err = advanced.Match(point(50), days)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, _, err = advanced.Match(point(51), days)
	require.NoError(t, err)
	assert.False(t, hit)
}
