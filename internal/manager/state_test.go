package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/shield"
)

func recoveringAlert(next int64) *models.Alert {
	return &models.Alert{
		ID:             "16198402891",
		Status:         models.AlertRecovering,
		Severity:       2,
		NextStatusTime: next,
	}
}

func TestCompleteRecovery(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("before the delay elapses nothing happens", func(t *testing.T) {
		a := recoveringAlert(now.Unix() + 60)
		assert.Nil(t, CompleteRecovery(a, now))
		assert.Equal(t, models.AlertRecovering, a.Status)
	})

	t.Run("after the delay the alert recovers", func(t *testing.T) {
		a := recoveringAlert(now.Unix())
		logs := CompleteRecovery(a, now)
		require.Len(t, logs, 2)
		assert.Equal(t, models.OpDelayRecover, logs[0].OpType)
		assert.Equal(t, models.OpRecover, logs[1].OpType)
		assert.Equal(t, models.AlertRecovered, a.Status)
		require.NotNil(t, a.EndTime)
		assert.Equal(t, now.Unix(), *a.EndTime)
		assert.Zero(t, a.NextStatusTime)
	})

	t.Run("non-recovering states are untouched", func(t *testing.T) {
		a := &models.Alert{Status: models.AlertAbnormal}
		assert.Nil(t, CompleteRecovery(a, now))
		assert.Equal(t, models.AlertAbnormal, a.Status)
	})
}

func TestClose(t *testing.T) {
	a := &models.Alert{ID: "x", Status: models.AlertAbnormal, Severity: 1}
	logs, err := Close(a, "ops", "handled out of band")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpClose, logs[0].OpType)
	assert.Equal(t, "ops", logs[0].Operator)
	assert.Equal(t, models.AlertClosed, a.Status)
	require.NotNil(t, a.EndTime)

	_, err = Close(a, "ops", "again")
	assert.Error(t, err, "terminal alerts never transition")
}

func TestSystemClose(t *testing.T) {
	a := &models.Alert{ID: "x", Status: models.AlertAbnormal}
	logs := SystemClose(a, "strategy deleted")
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpSystemClose, logs[0].OpType)
	assert.Equal(t, models.AlertClosed, a.Status)

	assert.Nil(t, SystemClose(a, "twice"))
}

func TestAck(t *testing.T) {
	a := &models.Alert{ID: "x", Status: models.AlertAbnormal}

	logs, err := Ack(a, "ops")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpAck, logs[0].OpType)
	assert.True(t, a.IsAck)
	assert.Equal(t, models.AlertAbnormal, a.Status, "ack is a flag, not a transition")

	logs, err = Ack(a, "ops")
	require.NoError(t, err)
	assert.Nil(t, logs, "second ack is a no-op")

	a.Status = models.AlertClosed
	_, err = Ack(a, "ops")
	assert.Error(t, err)
}

func TestUpgradeSeverity(t *testing.T) {
	a := &models.Alert{ID: "x", Status: models.AlertAbnormal, Severity: 3}

	logs := UpgradeSeverity(a, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpSeverityUp, logs[0].OpType)
	assert.Equal(t, 1, a.Severity)

	assert.Nil(t, UpgradeSeverity(a, 2), "lower severities never downgrade")
	assert.Equal(t, 1, a.Severity)
	assert.Nil(t, UpgradeSeverity(a, 0))
}

func TestReleaseShield(t *testing.T) {
	shieldedAlert := func() *models.Alert {
		return &models.Alert{
			ID:         "16198402901",
			StrategyID: 12,
			BizID:      2,
			Severity:   2,
			Status:     models.AlertAbnormal,
			IsShielded: true,
			ShieldIDs:  []int{7},
			Dimensions: map[string]string{"ip": "10.0.0.1"},
		}
	}
	covering := &models.ShieldConfig{ID: 7, BizID: 2, StrategyIDs: []int{12}}

	t.Run("no covering shield releases and logs", func(t *testing.T) {
		a := shieldedAlert()
		logs := ReleaseShield(a, nil)
		require.Len(t, logs, 1)
		assert.Equal(t, models.OpConverge, logs[0].OpType)
		assert.False(t, a.IsShielded)
		assert.Nil(t, a.ShieldIDs)
	})

	t.Run("covered alert keeps the flag and refreshes ids", func(t *testing.T) {
		a := shieldedAlert()
		a.ShieldIDs = []int{99}
		logs := ReleaseShield(a, []*models.ShieldConfig{covering})
		assert.Empty(t, logs)
		assert.True(t, a.IsShielded)
		assert.Equal(t, []int{7}, a.ShieldIDs)
	})

	t.Run("quick shield keeps covering its own alert", func(t *testing.T) {
		a := shieldedAlert()
		sh := shield.Quick(a, "alice", time.Hour)
		sh.ID = 1001
		logs := ReleaseShield(a, []*models.ShieldConfig{sh})
		assert.Empty(t, logs)
		assert.True(t, a.IsShielded)
		assert.Equal(t, []int{1001}, a.ShieldIDs)
	})

	t.Run("unshielded alert is untouched", func(t *testing.T) {
		a := shieldedAlert()
		a.IsShielded = false
		a.ShieldIDs = nil
		assert.Empty(t, ReleaseShield(a, nil))
		assert.False(t, a.IsShielded)
	})
}
