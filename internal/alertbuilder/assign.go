package alertbuilder

import (
	"fmt"
	"strconv"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
)

// Assignment walks the dispatch rule groups in ascending priority; inside a
// group, a rule's conditions are a conjunction, and the first matching rule
// of the first matching group wins.

// AssignOutcome is what a matched rule contributed to the alert.
type AssignOutcome struct {
	RuleID           int
	GroupID          int
	UserGroups       []int
	Actions          []models.StrategyAction
	AdditionalTags   map[string]string
	SeverityOverride int // 0 keeps the alert's severity
}

// Assign applies dispatch rules unless the strategy opts out via assign_mode.
func Assign(snap *cache.Snapshot, a *models.Alert) *AssignOutcome {
	strategy := snap.Strategy(a.StrategyID)
	if strategy != nil && strategy.AssignMode == "only_notice" {
		return nil
	}
	for _, group := range snap.DispatchGroups {
		if group.BizID != 0 && group.BizID != a.BizID {
			continue
		}
		for i := range group.Rules {
			rule := &group.Rules[i]
			if !rule.IsEnabled {
				continue
			}
			if !ruleMatches(rule, a) {
				continue
			}
			return &AssignOutcome{
				RuleID:           rule.ID,
				GroupID:          group.ID,
				UserGroups:       rule.UserGroups,
				Actions:          rule.Actions,
				AdditionalTags:   rule.AdditionalTags,
				SeverityOverride: rule.SeverityOverride,
			}
		}
	}
	return nil
}

// ApplyAssign mutates the alert with the outcome and returns a description
// for the flow log.
func ApplyAssign(a *models.Alert, out *AssignOutcome) string {
	a.AssignedRuleIDs = appendUniqueInt(a.AssignedRuleIDs, out.RuleID)
	a.AssignedGroups = appendUniqueInt(a.AssignedGroups, out.UserGroups...)
	if len(out.AdditionalTags) > 0 {
		if a.AssignTags == nil {
			a.AssignTags = map[string]string{}
		}
		for k, v := range out.AdditionalTags {
			a.AssignTags[k] = v
		}
	}
	desc := fmt.Sprintf("matched dispatch rule %d of group %d", out.RuleID, out.GroupID)
	if out.SeverityOverride > 0 && out.SeverityOverride != a.Severity {
		desc = fmt.Sprintf("%s, severity override %d -> %d", desc, a.Severity, out.SeverityOverride)
		a.Severity = out.SeverityOverride
	}
	return desc
}

func ruleMatches(rule *models.DispatchRule, a *models.Alert) bool {
	for _, cond := range rule.Conditions {
		if !condMatches(cond, a) {
			return false
		}
	}
	return true
}

func condMatches(cond models.DispatchCondition, a *models.Alert) bool {
	values := fieldValues(cond.Field, a)
	switch cond.Method {
	case "eq", "include", "":
		return anyOverlap(values, cond.Values)
	case "neq", "exclude":
		return !anyOverlap(values, cond.Values)
	}
	return false
}

func fieldValues(field string, a *models.Alert) []string {
	switch field {
	case "severity":
		return []string{strconv.Itoa(a.Severity)}
	case "strategy_id":
		return []string{strconv.Itoa(a.StrategyID)}
	case "bk_biz_id":
		return []string{strconv.Itoa(a.BizID)}
	case "alert_name":
		return []string{a.AlertName}
	case "labels":
		return a.Labels
	}
	if len(field) > len("dimensions.") && field[:len("dimensions.")] == "dimensions." {
		if v, ok := a.Dimensions[field[len("dimensions."):]]; ok {
			return []string{v}
		}
		return nil
	}
	if v, ok := a.Dimensions[field]; ok {
		return []string{v}
	}
	return nil
}

func anyOverlap(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func appendUniqueInt(dst []int, src ...int) []int {
	seen := make(map[int]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
