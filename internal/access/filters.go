package access

import (
	"strconv"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// FilterResult is an explicit keep/drop decision; drop carries the reason
// for the WARN log instead of signalling through errors.
type FilterResult struct {
	Keep   bool
	Reason string
}

func keep() FilterResult              { return FilterResult{Keep: true} }
func drop(reason string) FilterResult { return FilterResult{Keep: false, Reason: reason} }

// PointFilter inspects one normalized point for one item.
type PointFilter interface {
	Name() string
	Apply(item *models.Item, strategy *models.Strategy, p models.DataPoint, now time.Time) FilterResult
}

// BizIDFilter drops points whose bk_biz_id dimension disagrees with the
// strategy's business.
type BizIDFilter struct{}

func (BizIDFilter) Name() string { return "biz_id" }

func (BizIDFilter) Apply(item *models.Item, strategy *models.Strategy, p models.DataPoint, _ time.Time) FilterResult {
	raw, ok := p.Dimensions["bk_biz_id"]
	if !ok {
		return keep()
	}
	biz, err := strconv.Atoi(raw)
	if err != nil || biz == strategy.BizID {
		return keep()
	}
	return drop("bk_biz_id mismatch")
}

// StrategyFilter drops points for disabled strategies and points outside the
// item's target selector.
type StrategyFilter struct{}

func (StrategyFilter) Name() string { return "strategy" }

func (StrategyFilter) Apply(item *models.Item, strategy *models.Strategy, p models.DataPoint, _ time.Time) FilterResult {
	if !strategy.IsEnabled {
		return drop("strategy disabled")
	}
	t := item.Target
	if t.Field == "" || len(t.Values) == 0 {
		return keep()
	}
	val, ok := p.Dimensions[t.Field]
	if !ok {
		return keep()
	}
	matched := false
	for _, want := range t.Values {
		if val == want {
			matched = true
			break
		}
	}
	switch t.Method {
	case "neq", "exclude":
		if matched {
			return drop("target excluded")
		}
	default:
		if !matched {
			return drop("target not selected")
		}
	}
	return keep()
}

// ExpireFilter discards records older than the expiry horizon (default 30m):
// late data this stale would only thrash closed windows.
type ExpireFilter struct {
	MaxAge time.Duration
}

func (ExpireFilter) Name() string { return "expire" }

func (f ExpireFilter) Apply(_ *models.Item, _ *models.Strategy, p models.DataPoint, now time.Time) FilterResult {
	maxAge := f.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if now.Sub(time.Unix(p.Time, 0)) > maxAge {
		return drop("record expired")
	}
	return keep()
}

// ConditionFilter applies the item's dimension-level agg conditions.
type ConditionFilter struct{}

func (ConditionFilter) Name() string { return "condition" }

func (ConditionFilter) Apply(item *models.Item, _ *models.Strategy, p models.DataPoint, _ time.Time) FilterResult {
	for _, qc := range item.QueryConfigs {
		if !matchConditions(qc.Conditions, p.Dimensions) {
			return drop("agg condition mismatch")
		}
	}
	return keep()
}

// matchConditions evaluates clauses left to right; an "or" connector starts
// a new disjunct, so the whole expression is a disjunction of conjunctions.
func matchConditions(conds []models.AggCondition, dims map[string]string) bool {
	if len(conds) == 0 {
		return true
	}
	groupOK := true
	anyGroup := false
	for i, c := range conds {
		if i > 0 && c.Connector == "or" {
			if groupOK {
				anyGroup = true
			}
			groupOK = true
		}
		if groupOK && !matchClause(c, dims) {
			groupOK = false
		}
	}
	return anyGroup || groupOK
}

func matchClause(c models.AggCondition, dims map[string]string) bool {
	val, present := dims[c.Key]
	contains := false
	for _, want := range c.Values {
		if val == want {
			contains = true
			break
		}
	}
	switch c.Method {
	case "neq", "exclude":
		return !present || !contains
	case "gt", "gte", "lt", "lte":
		return compareNumeric(c.Method, val, c.Values)
	default: // eq, include
		return present && contains
	}
}

func compareNumeric(method, val string, wants []string) bool {
	v, err := strconv.ParseFloat(val, 64)
	if err != nil || len(wants) == 0 {
		return false
	}
	w, err := strconv.ParseFloat(wants[0], 64)
	if err != nil {
		return false
	}
	switch method {
	case "gt":
		return v > w
	case "gte":
		return v >= w
	case "lt":
		return v < w
	case "lte":
		return v <= w
	}
	return false
}
