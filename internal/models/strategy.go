package models

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Strategy is an immutable-per-version description of what to watch.
// The core never mutates a Strategy; a new cache generation replaces it wholesale.
type Strategy struct {
	ID        int              `json:"id"`
	BizID     int              `json:"bk_biz_id"`
	Name      string           `json:"name"`
	Scenario  string           `json:"scenario"`
	IsEnabled bool             `json:"is_enabled"`
	Items     []Item           `json:"items"`
	Detects   []DetectConfig   `json:"detects"`
	Notice    NoticeConfig     `json:"notice"`
	Actions   []StrategyAction `json:"actions"`
	Labels    []string         `json:"labels"`
	// AssignMode controls whether dispatch rule groups apply to alerts of
	// this strategy. Values: "by_rule" (default) or "only_notice".
	AssignMode string `json:"assign_mode"`
}

// Item is one metric/event source within a Strategy.
type Item struct {
	ID           int            `json:"id"`
	StrategyID   int            `json:"strategy_id"`
	Name         string         `json:"name"`
	Expression   string         `json:"expression"` // e.g. "a + b"
	QueryConfigs []QueryConfig  `json:"query_configs"`
	NoData       NoDataConfig   `json:"no_data_config"`
	Target       TargetSelector `json:"target"`
	// Algorithms are grouped by severity; algorithms in the same severity
	// are combined via the severity's connector in Detects.
	Algorithms []AlgorithmConfig `json:"algorithms"`
	QueryMD5   string            `json:"query_md5"`
}

// QueryConfig identifies one pull from an external data source.
type QueryConfig struct {
	SourceLabel  string            `json:"data_source_label"` // e.g. bk_monitor, prometheus
	TypeLabel    string            `json:"data_type_label"`   // e.g. time_series, log, event, alert
	Table        string            `json:"result_table_id"`
	Metric       string            `json:"metric_field"`
	Alias        string            `json:"alias"` // expression variable, e.g. "a"
	Interval     int               `json:"agg_interval"`
	AggMethod    string            `json:"agg_method"`
	AggDimension []string          `json:"agg_dimension"`
	Conditions   []AggCondition    `json:"agg_condition"`
	PromQL       string            `json:"promql,omitempty"`
	IndexSet     string            `json:"index_set_id,omitempty"`
	Filters      map[string]string `json:"filter_dict,omitempty"`
}

// AggCondition is one dimension-level filter clause.
type AggCondition struct {
	Key       string   `json:"key"`
	Values    []string `json:"value"`
	Method    string   `json:"method"`    // eq, neq, include, exclude, gt, gte, lt, lte
	Connector string   `json:"condition"` // "and" / "or" against the previous clause
}

// SourceType returns the "{source_label}:{type_label}" registry key.
func (q QueryConfig) SourceType() string { return q.SourceLabel + ":" + q.TypeLabel }

// DetectConfig binds a severity to its trigger/recovery windows.
// Severity is in {1,2,3}; 1 is the most severe. A strategy carries at most
// one DetectConfig per severity.
type DetectConfig struct {
	StrategyID int            `json:"strategy_id"`
	Severity   int            `json:"level"`
	Connector  string         `json:"connector"` // "and": all algorithms must hold; "or": any
	Trigger    TriggerConfig  `json:"trigger_config"`
	Recovery   RecoveryConfig `json:"recovery_config"`
}

// TriggerConfig: fire when >= Count anomalies within the last CheckWindow ticks.
type TriggerConfig struct {
	Count       int           `json:"count"`
	CheckWindow int           `json:"check_window"`
	Uptime      *UptimeConfig `json:"uptime,omitempty"`
}

// RecoveryConfig: recover when CheckWindow consecutive ticks are clean.
type RecoveryConfig struct {
	CheckWindow  int    `json:"check_window"`
	StatusSetter string `json:"status_setter"` // "recovery" | "recovery-nodata" | "close"
}

// UptimeConfig restricts when a trigger may fire.
type UptimeConfig struct {
	TimeRanges []TimeRange `json:"time_ranges"`
	Calendars  []int       `json:"calendars"`
}

// TimeRange is an inclusive wall-clock window, "HH:MM" encoded.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AlgorithmConfig is a tagged detection algorithm variant. Config carries
// the variant-specific payload and is decoded by the registered constructor.
type AlgorithmConfig struct {
	ID         int             `json:"id"`
	ItemID     int             `json:"item_id"`
	Severity   int             `json:"level"`
	Type       string          `json:"type"` // see detect.AlgorithmType* tags
	Config     json.RawMessage `json:"config"`
	UnitPrefix string          `json:"unit_prefix,omitempty"`
}

// NoDataConfig synthesizes an anomaly after Continuous empty ticks.
type NoDataConfig struct {
	IsEnabled  bool     `json:"is_enabled"`
	Continuous int      `json:"continuous"`
	Severity   int      `json:"level"`
	AggDims    []string `json:"agg_dimension"`
}

// TargetSelector narrows an item to a host/instance scope.
type TargetSelector struct {
	Field  string   `json:"field"`
	Method string   `json:"method"`
	Values []string `json:"value"`
}

// NoticeConfig names the user groups and intervals for notifications.
type NoticeConfig struct {
	UserGroups  []int             `json:"user_groups"`
	Interval    int               `json:"interval"` // seconds between repeated notices
	NoiseReduce NoiseReduceConfig `json:"options"`
}

// NoiseReduceConfig gates notices by an abnormal-dimension ratio.
type NoiseReduceConfig struct {
	IsEnabled  bool     `json:"is_enabled"`
	Dimensions []string `json:"dimensions"`
	CountValue int      `json:"count"`
}

// StrategyAction is an action declared directly on the strategy.
type StrategyAction struct {
	ID         int               `json:"id"`
	ConfigID   int               `json:"config_id"`
	PluginType string            `json:"plugin_type,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// StrategyGroup is the unit of scheduling: all items sharing one query_md5
// are pulled together to amortize data fetches.
type StrategyGroup struct {
	GroupKey     string
	Interval     int // minimum inter-pull interval, seconds
	StrategyIDs  []int
	Items        []Item
	QueryConfigs []QueryConfig
}

// QueryMD5 computes the stable hash of a query shape. Dimension order and
// condition order do not affect the result.
func QueryMD5(qs []QueryConfig) string {
	type shape struct {
		Source     string         `json:"source"`
		Type       string         `json:"type"`
		Table      string         `json:"table"`
		Metric     string         `json:"metric"`
		Interval   int            `json:"interval"`
		AggMethod  string         `json:"agg_method"`
		Dimensions []string       `json:"dimensions"`
		Conditions []AggCondition `json:"conditions"`
	}
	shapes := make([]shape, 0, len(qs))
	for _, q := range qs {
		dims := append([]string(nil), q.AggDimension...)
		sort.Strings(dims)
		conds := append([]AggCondition(nil), q.Conditions...)
		sort.Slice(conds, func(i, j int) bool { return conds[i].Key < conds[j].Key })
		shapes = append(shapes, shape{
			Source: q.SourceLabel, Type: q.TypeLabel, Table: q.Table, Metric: q.Metric,
			Interval: q.Interval, AggMethod: q.AggMethod, Dimensions: dims, Conditions: conds,
		})
	}
	sort.Slice(shapes, func(i, j int) bool {
		return shapes[i].Table+shapes[i].Metric < shapes[j].Table+shapes[j].Metric
	})
	raw, _ := json.Marshal(shapes)
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// UserGroup is a notification target resolved by the assignment engine.
type UserGroup struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Users    []string `json:"users"`
	Channels []string `json:"channels"` // notifier names: webhook, wechat, email, ...
}

// Calendar is a named set of working-day date strings (YYYY-MM-DD).
type Calendar struct {
	ID    int      `json:"id"`
	Name  string   `json:"name"`
	Dates []string `json:"dates"`
}
