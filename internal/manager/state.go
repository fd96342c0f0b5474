package manager

import (
	"fmt"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/shield"
)

// Pure alert state machine. Every transition returns the flow logs it
// produced; callers persist both the alert and the logs. A CLOSED or
// RECOVERED alert never transitions again.

// CompleteRecovery finalizes RECOVERING once the delay elapsed.
func CompleteRecovery(a *models.Alert, now time.Time) []models.AlertLog {
	if a.Status != models.AlertRecovering || now.Unix() < a.NextStatusTime {
		return nil
	}
	end := now.Unix()
	a.Status = models.AlertRecovered
	a.EndTime = &end
	a.NextStatusTime = 0
	return []models.AlertLog{
		models.NewAlertLog(a.ID, models.OpDelayRecover, a.Status, a.Severity, "recovery delay elapsed"),
		models.NewAlertLog(a.ID, models.OpRecover, a.Status, a.Severity, "alert recovered"),
	}
}

// Close terminates an alert on user request.
func Close(a *models.Alert, operator, reason string) ([]models.AlertLog, error) {
	if a.Status.Terminal() {
		return nil, fmt.Errorf("alert %s already %s", a.ID, a.Status)
	}
	end := time.Now().Unix()
	a.Status = models.AlertClosed
	a.EndTime = &end
	entry := models.NewAlertLog(a.ID, models.OpClose, a.Status, a.Severity, reason)
	entry.Operator = operator
	return []models.AlertLog{entry}, nil
}

// SystemClose terminates an alert on strategy disable/delete or staleness.
func SystemClose(a *models.Alert, reason string) []models.AlertLog {
	if a.Status.Terminal() {
		return nil
	}
	end := time.Now().Unix()
	a.Status = models.AlertClosed
	a.EndTime = &end
	return []models.AlertLog{models.NewAlertLog(a.ID, models.OpSystemClose, a.Status, a.Severity, reason)}
}

// Ack flags the alert as acknowledged. A side-effect flag only; the alert
// keeps flowing through recovery.
func Ack(a *models.Alert, operator string) ([]models.AlertLog, error) {
	if a.Status.Terminal() {
		return nil, fmt.Errorf("alert %s already %s", a.ID, a.Status)
	}
	if a.IsAck {
		return nil, nil
	}
	a.IsAck = true
	entry := models.NewAlertLog(a.ID, models.OpAck, a.Status, a.Severity, "acknowledged")
	entry.Operator = operator
	return []models.AlertLog{entry}, nil
}

// ReleaseShield re-evaluates the shield predicate over a shielded alert.
// When nothing covers it anymore the flag clears and a flow log carries the
// mutation to persistence; while covered, only the matched ids refresh.
func ReleaseShield(a *models.Alert, shields []*models.ShieldConfig) []models.AlertLog {
	if !a.IsShielded {
		return nil
	}
	ids := shield.Match(shields, a)
	if len(ids) > 0 {
		a.ShieldIDs = ids
		return nil
	}
	a.IsShielded = false
	a.ShieldIDs = nil
	return []models.AlertLog{models.NewAlertLog(a.ID, models.OpConverge, a.Status, a.Severity,
		"no active shield covers the alert, suppression released")}
}

// UpgradeSeverity raises the alert's severity; lower severities never
// downgrade an active alert.
func UpgradeSeverity(a *models.Alert, severity int) []models.AlertLog {
	if a.Status.Terminal() || severity <= 0 || severity >= a.Severity {
		return nil
	}
	old := a.Severity
	a.Severity = severity
	return []models.AlertLog{models.NewAlertLog(a.ID, models.OpSeverityUp, a.Status, a.Severity,
		fmt.Sprintf("severity upgraded from %d to %d", old, severity))}
}
