package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AlertStatus is the user-visible lifecycle state.
type AlertStatus string

const (
	AlertAbnormal   AlertStatus = "ABNORMAL"
	AlertRecovering AlertStatus = "RECOVERING"
	AlertRecovered  AlertStatus = "RECOVERED"
	AlertClosed     AlertStatus = "CLOSED"
)

// Terminal reports whether no further transition is allowed from s.
func (s AlertStatus) Terminal() bool { return s == AlertRecovered || s == AlertClosed }

// OpType enumerates flow-log operations.
type OpType string

const (
	OpCreate        OpType = "CREATE"
	OpConverge      OpType = "CONVERGE"
	OpRecover       OpType = "RECOVER"
	OpClose         OpType = "CLOSE"
	OpRecovering    OpType = "RECOVERING"
	OpDelayRecover  OpType = "DELAY_RECOVER"
	OpAbortRecover  OpType = "ABORT_RECOVER"
	OpSystemRecover OpType = "SYSTEM_RECOVER"
	OpSystemClose   OpType = "SYSTEM_CLOSE"
	OpAck           OpType = "ACK"
	OpSeverityUp    OpType = "SEVERITY_UP"
	OpEventDrop     OpType = "EVENT_DROP"
	OpAction        OpType = "ACTION"
	OpNoiseReduce   OpType = "NOISE_REDUCE"
	OpActionQOS     OpType = "ACTION_QOS"
	OpAlertQOS      OpType = "ALERT_QOS"
)

// Alert is the aggregation unit visible to users. Exactly one active Alert
// exists per DedupeMD5 at any time; EndTime is set iff the status is
// RECOVERED or CLOSED.
type Alert struct {
	ID               string            `json:"id"` // 10+ char uid, see alertbuilder.UID
	DedupeMD5        string            `json:"dedupe_md5"`
	StrategyID       int               `json:"strategy_id"`
	BizID            int               `json:"bk_biz_id"`
	AlertName        string            `json:"alert_name"`
	Status           AlertStatus       `json:"status"`
	Severity         int               `json:"severity"`
	FirstAnomalyTime int64             `json:"first_anomaly_time"`
	CreateTime       int64             `json:"create_time"`
	BeginTime        int64             `json:"begin_time"`
	EndTime          *int64            `json:"end_time,omitempty"`
	LatestTime       int64             `json:"latest_time"`
	NextStatusTime   int64             `json:"next_status_time,omitempty"`
	IsAck            bool              `json:"is_ack"`
	IsShielded       bool              `json:"is_shielded"`
	ShieldIDs        []int             `json:"shield_ids,omitempty"`
	IsBlocked        bool              `json:"is_blocked"`
	IsHandled        bool              `json:"is_handled"`
	Dimensions       map[string]string `json:"dimensions"`
	DisplayDims      map[string]string `json:"dimension_translation,omitempty"`
	Target           string            `json:"target,omitempty"`
	Labels           []string          `json:"labels,omitempty"`
	AssignedRuleIDs  []int             `json:"assign_rules,omitempty"`
	AssignedGroups   []int             `json:"assignee_groups,omitempty"`
	AssignTags       map[string]string `json:"assign_tags,omitempty"`
	AnomalyIDs       []string          `json:"anomaly_ids,omitempty"`
	EmptyTicks       int               `json:"empty_ticks,omitempty"` // consecutive empty ticks, drives nodata close
	SnapshotKey      string            `json:"strategy_snapshot_key"`
	Extra            map[string]string `json:"extra,omitempty"` // CMDB / k8s context
}

// Active reports whether the alert still owns its dedupe slot.
func (a *Alert) Active() bool { return a.EndTime == nil && !a.Status.Terminal() }

// DedupeMD5 hashes the identity of an active-alert slot. Severity does not
// participate: severity changes fold into the same alert with a SEVERITY_UP
// log instead of opening a second slot.
func DedupeMD5(strategyID int, dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "strategy=%d&", strategyID)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
		b.WriteByte('&')
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// AlertLog is an append-only flow record.
type AlertLog struct {
	AlertID        string      `json:"alert_id"`
	OpType         OpType      `json:"op_type"`
	Time           int64       `json:"time"`
	Operator       string      `json:"operator,omitempty"`
	Description    string      `json:"description"`
	Status         AlertStatus `json:"status"`
	NextStatus     AlertStatus `json:"next_status,omitempty"`
	NextStatusTime int64       `json:"next_status_time,omitempty"`
	Severity       int         `json:"severity"`
}

// NewAlertLog stamps the record with the current time.
func NewAlertLog(alertID string, op OpType, status AlertStatus, severity int, desc string) AlertLog {
	return AlertLog{
		AlertID:     alertID,
		OpType:      op,
		Time:        time.Now().Unix(),
		Description: desc,
		Status:      status,
		Severity:    severity,
	}
}
