package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeMD5(t *testing.T) {
	dims := map[string]string{"ip": "10.0.0.1", "device": "eth0"}
	same := map[string]string{"device": "eth0", "ip": "10.0.0.1"}

	assert.Equal(t, DedupeMD5(100, dims), DedupeMD5(100, same), "key order must not matter")
	assert.NotEqual(t, DedupeMD5(100, dims), DedupeMD5(101, dims), "strategy participates")
	assert.NotEqual(t, DedupeMD5(100, dims), DedupeMD5(100, map[string]string{"ip": "10.0.0.2"}))
}

func TestAlertActive(t *testing.T) {
	a := &Alert{Status: AlertAbnormal}
	assert.True(t, a.Active())

	a.Status = AlertRecovering
	assert.True(t, a.Active())

	end := int64(1700000000)
	a.Status = AlertRecovered
	a.EndTime = &end
	assert.False(t, a.Active())

	b := &Alert{Status: AlertClosed}
	assert.False(t, b.Active())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, AlertAbnormal.Terminal())
	assert.False(t, AlertRecovering.Terminal())
	assert.True(t, AlertRecovered.Terminal())
	assert.True(t, AlertClosed.Terminal())
}

func TestDimensionsMD5Stable(t *testing.T) {
	a := DimensionsMD5(map[string]string{"a": "1", "b": "2"})
	b := DimensionsMD5(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DimensionsMD5(map[string]string{"a": "1"}))
}

func TestAnomalyID(t *testing.T) {
	id := AnomalyID("abc123", 1619840280, 7, 3, 2)
	assert.Equal(t, "abc123.1619840280.7.3.2", id)
}
