package detect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// ThresholdClause is one comparison against a fixed bound.
type ThresholdClause struct {
	Method    string  `json:"method"` // eq, neq, gt, gte, lt, lte
	Threshold float64 `json:"threshold"`
	Unit      string  `json:"unit,omitempty"`
}

func (c ThresholdClause) match(v float64) bool {
	switch c.Method {
	case "eq":
		return v == c.Threshold
	case "neq":
		return v != c.Threshold
	case "gt":
		return v > c.Threshold
	case "gte":
		return v >= c.Threshold
	case "lt":
		return v < c.Threshold
	case "lte":
		return v <= c.Threshold
	}
	return false
}

func (c ThresholdClause) String() string {
	ops := map[string]string{"eq": "=", "neq": "!=", "gt": ">", "gte": ">=", "lt": "<", "lte": "<="}
	return fmt.Sprintf("%s %g%s", ops[c.Method], c.Threshold, c.Unit)
}

// Threshold is a disjunction of conjunctions: the outer slice is OR-joined,
// each inner slice AND-joined.
type Threshold struct {
	Groups [][]ThresholdClause
}

func newThreshold(raw json.RawMessage) (Algorithm, error) {
	var groups [][]ThresholdClause
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("threshold config empty")
	}
	return &Threshold{Groups: groups}, nil
}

func (t *Threshold) HistoryOffsets() []time.Duration { return nil }

func (t *Threshold) Match(p models.DataPoint, _ History) (bool, string, error) {
	for _, group := range t.Groups {
		all := len(group) > 0
		for _, c := range group {
			if !c.match(p.Value) {
				all = false
				break
			}
		}
		if all {
			return true, fmt.Sprintf("current value %g %s", p.Value, describe(group)), nil
		}
	}
	return false, "", nil
}

func describe(group []ThresholdClause) string {
	out := ""
	for i, c := range group {
		if i > 0 {
			out += " and "
		}
		out += c.String()
	}
	return out
}

// partialNodesConfig is the legacy node-count form, mapped onto a gte
// threshold over the aggregated node count.
type partialNodesConfig struct {
	Count int `json:"count"`
}

func newPartialNodes(raw json.RawMessage) (Algorithm, error) {
	var cfg partialNodesConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &Threshold{Groups: [][]ThresholdClause{{{Method: "gte", Threshold: float64(cfg.Count)}}}}, nil
}
