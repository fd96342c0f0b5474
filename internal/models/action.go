package models

import "time"

// ActionStatus is the execution state of one ActionInstance.
type ActionStatus string

const (
	ActionReceived  ActionStatus = "RECEIVED"
	ActionRunning   ActionStatus = "RUNNING"
	ActionSuccess   ActionStatus = "SUCCESS"
	ActionFailure   ActionStatus = "FAILURE"
	ActionConverged ActionStatus = "CONVERGED"
	ActionSkipped   ActionStatus = "SKIPPED"
)

// ActionInstance is one execution of an action plugin against one or more alerts.
type ActionInstance struct {
	ID          string            `json:"id"`
	PluginType  string            `json:"plugin_type"` // notice | webhook | job | composite
	Status      ActionStatus      `json:"status"`
	StrategyID  int               `json:"strategy_id"`
	BizID       int               `json:"bk_biz_id"`
	AlertIDs    []string          `json:"alert_ids"`
	Inputs      map[string]string `json:"inputs"`  // rendered
	Outputs     map[string]string `json:"outputs"` // collected
	Error       string            `json:"error,omitempty"`
	ConvergeID  string            `json:"converge_id,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	NextRunTime int64             `json:"next_run_time,omitempty"`
	CreateTime  int64             `json:"create_time"`
	EndTime     int64             `json:"end_time,omitempty"`
}

// ConvergeStatus marks a relation as the one that ran or as suppressed.
type ConvergeStatus string

const (
	ConvergeExecuted ConvergeStatus = "EXECUTED"
	ConvergeSkipped  ConvergeStatus = "CONVERGED"
)

// ConvergeInstance groups related ActionInstances by declared dimensions.
type ConvergeInstance struct {
	ID         string   `json:"id"`
	BizID      int      `json:"bk_biz_id"`
	Dimension  string   `json:"converge_dimension"` // e.g. "2:notice:1" (biz:plugin:severity)
	CreateTime int64    `json:"create_time"`
	ActionIDs  []string `json:"action_ids"`
}

// ConvergeRelation records the audit trail of one converge decision.
type ConvergeRelation struct {
	ConvergeID string         `json:"converge_id"`
	ActionID   string         `json:"action_id"`
	Status     ConvergeStatus `json:"status"`
}

// ShieldConfig is a time-bounded suppression rule.
type ShieldConfig struct {
	ID          int               `json:"id"`
	BizID       int               `json:"bk_biz_id"`
	Category    string            `json:"category"` // scope | strategy | alert | dimension
	BeginTime   int64             `json:"begin_time"`
	FailureTime int64             `json:"failure_time"`
	Dimensions  map[string]string `json:"dimension_config"`
	StrategyIDs []int             `json:"strategy_ids,omitempty"`
	Description string            `json:"description"`
	Creator     string            `json:"creator,omitempty"`
}

// ActiveAt reports whether the shield window includes t.
func (s ShieldConfig) ActiveAt(t time.Time) bool {
	ts := t.Unix()
	return ts >= s.BeginTime && ts < s.FailureTime
}

// DispatchRuleGroup orders dispatch rules in a priority lattice; lower
// Priority values win.
type DispatchRuleGroup struct {
	ID       int            `json:"id"`
	BizID    int            `json:"bk_biz_id"`
	Name     string         `json:"name"`
	Priority int            `json:"priority"`
	Rules    []DispatchRule `json:"rules"`
}

// DispatchRule routes alerts to user groups and actions. Conditions form a
// conjunction; the first matching rule in the first matching group wins.
type DispatchRule struct {
	ID               int                 `json:"id"`
	GroupID          int                 `json:"assign_group_id"`
	IsEnabled        bool                `json:"is_enabled"`
	Conditions       []DispatchCondition `json:"conditions"`
	UserGroups       []int               `json:"user_groups"`
	Actions          []StrategyAction    `json:"actions,omitempty"`
	AdditionalTags   map[string]string   `json:"additional_tags,omitempty"`
	SeverityOverride int                 `json:"alert_severity,omitempty"` // 0 keeps the alert's severity
}

// DispatchCondition is one comparison clause on an alert field or dimension.
type DispatchCondition struct {
	Field  string   `json:"field"` // "severity", "strategy_id", "bk_biz_id", "labels", or "dimensions.<key>"
	Values []string `json:"value"`
	Method string   `json:"method"` // eq, neq, include, exclude
}
