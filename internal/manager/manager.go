package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/shield"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

const (
	queueBlock  = 5 * time.Second
	sweepPeriod = time.Minute
)

// Manager advances alert lifecycles after the builder: recovery completion,
// system close on strategy removal, staleness close, and the user-facing
// ack/close/quick-shield operations from the API.
type Manager struct {
	Store *storage.Store
	Docs  *storage.DocStore
	Cache *cache.Cache

	SnapshotTTL time.Duration
	// StaleAfter closes an alert that stopped receiving anomalies entirely.
	StaleAfter time.Duration
}

func New(store *storage.Store, docs *storage.DocStore, c *cache.Cache) *Manager {
	return &Manager{
		Store: store, Docs: docs, Cache: c,
		SnapshotTTL: 7 * 24 * time.Hour,
		StaleAfter:  24 * time.Hour,
	}
}

// Run consumes the builder's id queue as a wake-up hint and sweeps all live
// snapshots on a fixed period.
func (m *Manager) Run(ctx context.Context) {
	log.Info().Msg("alert manager started")
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("alert manager stopped")
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("manager sweep failed")
			}
		default:
			id, err := m.Store.PopAlertID(ctx, queueBlock)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("pop manager queue failed")
				time.Sleep(time.Second)
				continue
			}
			if id == "" {
				continue
			}
			if err := m.checkByID(ctx, id); err != nil {
				log.Error().Err(err).Str("alert_id", id).Msg("alert check failed")
			}
		}
	}
}

// Sweep walks every live snapshot and applies due transitions.
func (m *Manager) Sweep(ctx context.Context) error {
	now := time.Now()
	return m.Store.ScanAlertSnapshots(ctx, func(a *models.Alert) error {
		if err := m.advance(ctx, a, now); err != nil {
			log.Error().Err(err).Str("alert_id", a.ID).Msg("advance failed")
		}
		return nil
	})
}

func (m *Manager) checkByID(ctx context.Context, id string) error {
	a, err := m.Docs.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		// snapshot published an id the doc store never saw
		log.Error().Str("alert_id", id).Msg("FATAL data integrity: alert id queued but document missing")
		selfmonitor.DropCount.WithLabelValues("manager", "integrity").Inc()
		return nil
	}
	if snap, err := m.Store.GetActiveAlert(ctx, a.DedupeMD5); err == nil && snap != nil {
		a = snap
	}
	return m.advance(ctx, a, time.Now())
}

// advance applies every due transition for one alert and persists the result.
func (m *Manager) advance(ctx context.Context, a *models.Alert, now time.Time) error {
	if a.Status.Terminal() {
		return nil
	}
	var logs []models.AlertLog

	snap := m.Cache.Current()
	if snap.Strategy(a.StrategyID) == nil {
		logs = append(logs, SystemClose(a, fmt.Sprintf("strategy %d disabled or deleted", a.StrategyID))...)
	} else if a.LatestTime > 0 && now.Sub(time.Unix(a.LatestTime, 0)) > m.StaleAfter {
		logs = append(logs, SystemClose(a, "no data received beyond staleness threshold")...)
	} else {
		logs = append(logs, CompleteRecovery(a, now)...)
	}

	// shield lifecycle: an expired shield releases the flag. The release
	// log is what makes the cleared flag reach persistence.
	if a.IsShielded {
		extra, err := m.Store.ListQuickShields(ctx, now)
		if err != nil {
			// cannot tell whether a quick shield still covers it; keep the
			// flag until the overlay answers
			log.Warn().Err(err).Msg("quick shield overlay unavailable, release deferred")
		} else {
			logs = append(logs, ReleaseShield(a, append(snap.ActiveShields(now), extra...))...)
		}
	}

	if len(logs) == 0 {
		return nil
	}
	for _, l := range logs {
		selfmonitor.AlertCount.WithLabelValues(string(l.OpType)).Inc()
	}
	return m.persist(ctx, a, logs)
}

// persist writes the document and logs, then updates or releases the
// dedupe slot depending on whether the alert is still active.
func (m *Manager) persist(ctx context.Context, a *models.Alert, logs []models.AlertLog) error {
	if err := m.Docs.UpsertAlerts(ctx, []*models.Alert{a}); err != nil {
		return err
	}
	if len(logs) > 0 {
		if err := m.Docs.AppendLogs(ctx, logs); err != nil {
			return err
		}
	}
	if a.Active() {
		return m.Store.SaveAlertSnapshot(ctx, a, m.SnapshotTTL)
	}
	return m.Store.DropAlertSnapshot(ctx, a.DedupeMD5)
}

// -- user-facing operations ---------------------------------------------------

func (m *Manager) load(ctx context.Context, id string) (*models.Alert, error) {
	a, err := m.Docs.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	if snap, err := m.Store.GetActiveAlert(ctx, a.DedupeMD5); err == nil && snap != nil && snap.ID == a.ID {
		return snap, nil
	}
	return a, nil
}

// AckAlert acknowledges an alert on behalf of an operator.
func (m *Manager) AckAlert(ctx context.Context, id, operator string) error {
	a, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	logs, err := Ack(a, operator)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}
	return m.persist(ctx, a, logs)
}

// CloseAlert closes an alert on behalf of an operator.
func (m *Manager) CloseAlert(ctx context.Context, id, operator, reason string) error {
	a, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "closed by operator"
	}
	logs, err := Close(a, operator, reason)
	if err != nil {
		return err
	}
	return m.persist(ctx, a, logs)
}

// QuickShield suppresses an alert inline and returns the shield that was
// applied. The shield is registered in the kv overlay so every sweep and
// every new alert sees it for its whole duration; config-store shields
// arrive separately via the cache refresh.
func (m *Manager) QuickShield(ctx context.Context, id, operator string, duration time.Duration) (*models.ShieldConfig, error) {
	a, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("alert %s already %s", a.ID, a.Status)
	}
	sh := shield.Quick(a, operator, duration)
	sh.ID = int(time.Now().UnixMilli())
	if err := m.Store.SaveQuickShield(ctx, sh); err != nil {
		return nil, err
	}
	a.IsShielded = true
	a.ShieldIDs = []int{sh.ID}
	entry := models.NewAlertLog(a.ID, models.OpConverge, a.Status, a.Severity,
		"quick shield applied until "+time.Unix(sh.FailureTime, 0).Format(time.RFC3339))
	entry.Operator = operator
	if err := m.persist(ctx, a, []models.AlertLog{entry}); err != nil {
		return nil, err
	}
	return sh, nil
}

// CheckLifecycle verifies the snapshot/document agreement for one alert.
// Operator tooling surfaces the error text on failure.
func (m *Manager) CheckLifecycle(ctx context.Context, id string) error {
	a, err := m.Docs.GetAlert(ctx, id)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", id, err)
	}
	if a == nil {
		return fmt.Errorf("alert %s has no document", id)
	}
	snap, err := m.Store.GetActiveAlert(ctx, a.DedupeMD5)
	if err != nil {
		return fmt.Errorf("load snapshot for %s: %w", id, err)
	}
	if a.Active() && snap == nil {
		return fmt.Errorf("alert %s active in documents but has no dedupe snapshot", id)
	}
	if snap != nil && snap.ID != a.ID {
		return fmt.Errorf("dedupe slot for %s held by %s", id, snap.ID)
	}
	return nil
}
