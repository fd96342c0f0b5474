package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DataPoint is one normalized record pulled from a data source.
type DataPoint struct {
	RecordID   string             `json:"record_id"` // md5(dimensions) + "." + ts
	Value      float64            `json:"value"`
	Values     map[string]float64 `json:"values"`
	Dimensions map[string]string  `json:"dimensions"`
	Time       int64              `json:"time"` // unix seconds
}

// DimensionsMD5 returns the stable hash of a dimension map.
func DimensionsMD5(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
		b.WriteByte('&')
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NewDataPoint fills RecordID from dimensions and timestamp.
func NewDataPoint(value float64, values map[string]float64, dims map[string]string, ts int64) DataPoint {
	return DataPoint{
		RecordID:   fmt.Sprintf("%s.%d", DimensionsMD5(dims), ts),
		Value:      value,
		Values:     values,
		Dimensions: dims,
		Time:       ts,
	}
}

// AnomalyRecord is one Item+DataPoint+severity decision made by Detect.
type AnomalyRecord struct {
	AnomalyID           string      `json:"anomaly_id"` // {dim_md5}.{ts}.{strategy}.{item}.{level}
	StrategyID          int         `json:"strategy_id"`
	ItemID              int         `json:"item_id"`
	Severity            int         `json:"level"`
	OriginAlarm         OriginAlarm `json:"origin_alarm"`
	StrategySnapshotKey string      `json:"strategy_snapshot_key"`
	Trigger             TriggerNote `json:"trigger,omitempty"`
	// StatusSetter distinguishes recovery-from-nodata from ordinary flow.
	StatusSetter string `json:"status_setter,omitempty"`
}

// OriginAlarm carries the source data the decision was made on.
type OriginAlarm struct {
	Data          DataPoint         `json:"data"`
	AnomalyValue  float64           `json:"anomaly_value"`
	AnomalyTime   int64             `json:"anomaly_time"`
	Message       string            `json:"anomaly_message"`
	DimensionsMD5 string            `json:"dimensions_md5"`
	DisplayDims   map[string]string `json:"dimension_translation,omitempty"`
}

// TriggerNote records the window evidence that produced an Event.
type TriggerNote struct {
	Severity   int      `json:"level"`
	AnomalyIDs []string `json:"anomaly_ids"`
}

// AnomalyID composes the canonical anomaly identifier.
func AnomalyID(dimsMD5 string, ts int64, strategyID, itemID, severity int) string {
	return fmt.Sprintf("%s.%d.%d.%d.%d", dimsMD5, ts, strategyID, itemID, severity)
}

// Event is a windowed trigger outcome: the candidate that may become or
// extend an Alert.
type Event struct {
	EventID     string            `json:"event_id"`
	StrategyID  int               `json:"strategy_id"`
	BizID       int               `json:"bk_biz_id"`
	DataID      string            `json:"data_id"`
	ItemID      int               `json:"item_id"`
	Severity    int               `json:"severity"`
	Status      string            `json:"status"` // ABNORMAL | RECOVER
	Dimensions  map[string]string `json:"dimensions"`
	DimsMD5     string            `json:"dimensions_md5"`
	AnomalyIDs  []string          `json:"anomaly_ids"`
	AnomalyTime int64             `json:"anomaly_time"`
	FirstTime   int64             `json:"first_anomaly_time"`
	LatestTime  int64             `json:"latest_anomaly_time"`
	OriginAlarm OriginAlarm       `json:"origin_alarm"`
	SnapshotKey string            `json:"strategy_snapshot_key"`
	Target      string            `json:"target,omitempty"`
}

// Event status values.
const (
	EventStatusAbnormal = "ABNORMAL"
	EventStatusRecover  = "RECOVER"
)
