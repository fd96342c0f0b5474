package shield

import (
	"strconv"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Match returns the ids of active shields whose predicate covers the alert.
// A shield matches when its business scope, strategy list and every declared
// dimension agree with the alert; a shield with no dimensions covers the
// whole scope.
func Match(shields []*models.ShieldConfig, a *models.Alert) []int {
	var ids []int
	for _, sh := range shields {
		if matches(sh, a) {
			ids = append(ids, sh.ID)
		}
	}
	return ids
}

func matches(sh *models.ShieldConfig, a *models.Alert) bool {
	if sh.BizID != 0 && sh.BizID != a.BizID {
		return false
	}
	if len(sh.StrategyIDs) > 0 && !containsInt(sh.StrategyIDs, a.StrategyID) {
		return false
	}
	for k, want := range sh.Dimensions {
		if k == "bk_biz_id" {
			if want != strconv.Itoa(a.BizID) {
				return false
			}
			continue
		}
		if a.Dimensions[k] != want {
			return false
		}
	}
	return true
}

// Quick builds a one-click shield from an alert's own dimensions. Duration
// bounds how long the inline suppression lasts.
func Quick(a *models.Alert, operator string, duration time.Duration) *models.ShieldConfig {
	now := time.Now()
	dims := make(map[string]string, len(a.Dimensions))
	for k, v := range a.Dimensions {
		dims[k] = v
	}
	return &models.ShieldConfig{
		BizID:       a.BizID,
		Category:    "alert",
		BeginTime:   now.Unix(),
		FailureTime: now.Add(duration).Unix(),
		Dimensions:  dims,
		StrategyIDs: []int{a.StrategyID},
		Description: "quick shield for alert " + a.ID,
		Creator:     operator,
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
