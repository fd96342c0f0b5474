package alertbuilder

import (
	"time"

	"github.com/skyeye-ops/skyeye/internal/manager"
	"github.com/skyeye-ops/skyeye/internal/models"
)

// newAlert opens a fresh dedupe slot from the first event of a group.
func newAlert(uid string, ev *models.Event, name string) *models.Alert {
	now := time.Now().Unix()
	return &models.Alert{
		ID:               uid,
		DedupeMD5:        models.DedupeMD5(ev.StrategyID, ev.Dimensions),
		StrategyID:       ev.StrategyID,
		BizID:            ev.BizID,
		AlertName:        name,
		Status:           models.AlertAbnormal,
		Severity:         ev.Severity,
		FirstAnomalyTime: ev.FirstTime,
		CreateTime:       now,
		BeginTime:        ev.AnomalyTime,
		LatestTime:       ev.LatestTime,
		Dimensions:       ev.Dimensions,
		DisplayDims:      ev.OriginAlarm.DisplayDims,
		Target:           ev.Target,
		AnomalyIDs:       append([]string(nil), ev.AnomalyIDs...),
		SnapshotKey:      ev.SnapshotKey,
	}
}

// foldEvent merges one more abnormal event into an existing alert and
// returns the flow logs the merge produced. Lower severities never downgrade.
func foldEvent(a *models.Alert, ev *models.Event) []models.AlertLog {
	var logs []models.AlertLog
	if ev.LatestTime > a.LatestTime {
		a.LatestTime = ev.LatestTime
	}
	if ev.FirstTime > 0 && ev.FirstTime < a.FirstAnomalyTime {
		a.FirstAnomalyTime = ev.FirstTime
	}
	a.AnomalyIDs = appendUnique(a.AnomalyIDs, ev.AnomalyIDs...)
	if ev.SnapshotKey != "" {
		a.SnapshotKey = ev.SnapshotKey
	}
	logs = append(logs, manager.UpgradeSeverity(a, ev.Severity)...)
	if a.Status == models.AlertRecovering {
		// new anomaly inside the recovery window pulls the alert back
		a.Status = models.AlertAbnormal
		a.NextStatusTime = 0
		logs = append(logs, models.NewAlertLog(a.ID, models.OpAbortRecover, a.Status, a.Severity,
			"new anomaly within recovery window, recovery aborted"))
	}
	return logs
}

func appendUnique(dst []string, src ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range src {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}
