package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func unix(ts int64) time.Time { return time.Unix(ts, 0) }

func TestQueryMD5OrderInsensitive(t *testing.T) {
	base := []QueryConfig{{
		SourceLabel:  "bk_monitor",
		TypeLabel:    "time_series",
		Table:        "system.cpu",
		Metric:       "usage",
		Interval:     60,
		AggMethod:    "avg",
		AggDimension: []string{"ip", "device"},
		Conditions: []AggCondition{
			{Key: "ip", Values: []string{"10.0.0.1"}, Method: "eq"},
			{Key: "device", Values: []string{"eth0"}, Method: "eq"},
		},
	}}
	shuffled := []QueryConfig{{
		SourceLabel:  "bk_monitor",
		TypeLabel:    "time_series",
		Table:        "system.cpu",
		Metric:       "usage",
		Interval:     60,
		AggMethod:    "avg",
		AggDimension: []string{"device", "ip"},
		Conditions: []AggCondition{
			{Key: "device", Values: []string{"eth0"}, Method: "eq"},
			{Key: "ip", Values: []string{"10.0.0.1"}, Method: "eq"},
		},
	}}
	assert.Equal(t, QueryMD5(base), QueryMD5(shuffled))

	changed := []QueryConfig{{
		SourceLabel: "bk_monitor",
		TypeLabel:   "time_series",
		Table:       "system.cpu",
		Metric:      "idle",
		Interval:    60,
		AggMethod:   "avg",
	}}
	assert.NotEqual(t, QueryMD5(base), QueryMD5(changed))
}

func TestQueryConfigSourceType(t *testing.T) {
	q := QueryConfig{SourceLabel: "prometheus", TypeLabel: "time_series"}
	assert.Equal(t, "prometheus:time_series", q.SourceType())
}

func TestShieldActiveAt(t *testing.T) {
	sh := ShieldConfig{BeginTime: 100, FailureTime: 200}
	assert.False(t, sh.ActiveAt(unix(99)))
	assert.True(t, sh.ActiveAt(unix(100)))
	assert.True(t, sh.ActiveAt(unix(199)))
	assert.False(t, sh.ActiveAt(unix(200)))
}
