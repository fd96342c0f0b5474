package trigger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

const (
	defaultBatch  = 500
	signalBlock   = 5 * time.Second
	sweepInterval = 30 * time.Second
)

// Service consumes anomaly signals, maintains per-fingerprint check windows
// and publishes trigger outcomes onto the events topic.
type Service struct {
	Store *storage.Store
	Cache *cache.Cache
	Topic *storage.EventTopic
	Batch int
}

func NewService(store *storage.Store, c *cache.Cache, topic *storage.EventTopic) *Service {
	return &Service{Store: store, Cache: c, Topic: topic, Batch: defaultBatch}
}

// Run drives both the signal consumer and the recovery sweeper.
func (s *Service) Run(ctx context.Context) {
	log.Info().Msg("trigger service started")
	go s.sweepLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("trigger service stopped")
			return
		default:
		}
		sig, err := s.Store.PopSignal(ctx, signalBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("pop anomaly signal failed")
			time.Sleep(time.Second)
			continue
		}
		if sig == "" {
			continue
		}
		strategyID, itemID, ok := parseSignal(sig)
		if !ok {
			log.Warn().Str("signal", sig).Msg("drop malformed anomaly signal")
			continue
		}
		start := time.Now()
		if err := s.ProcessItem(ctx, strategyID, itemID); err != nil {
			log.Error().Err(err).Int("strategy_id", strategyID).Int("item_id", itemID).Msg("trigger processing failed")
		}
		selfmonitor.ProcessLatency.WithLabelValues("trigger").Observe(time.Since(start).Seconds())
	}
}

func parseSignal(sig string) (int, int, bool) {
	parts := strings.SplitN(sig, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	strategyID, err1 := strconv.Atoi(parts[0])
	itemID, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return strategyID, itemID, true
}

// ProcessItem drains all severity lists of one item and evaluates windows.
func (s *Service) ProcessItem(ctx context.Context, strategyID, itemID int) error {
	snap := s.Cache.Current()
	strategy := snap.Strategy(strategyID)
	if strategy == nil {
		return nil
	}
	for severity := 1; severity <= 3; severity++ {
		records, err := s.Store.DrainAnomalies(ctx, strategyID, itemID, severity, s.Batch)
		if err != nil {
			return fmt.Errorf("drain anomalies %d.%d.%d: %w", strategyID, itemID, severity, err)
		}
		for i := range records {
			if err := s.handleAnomaly(ctx, snap, strategy, &records[i]); err != nil {
				log.Error().Err(err).Str("anomaly_id", records[i].AnomalyID).Msg("anomaly handling failed")
			}
		}
		selfmonitor.PullCount.WithLabelValues("trigger").Add(float64(len(records)))
	}
	return nil
}

func (s *Service) handleAnomaly(ctx context.Context, snap *cache.Snapshot, strategy *models.Strategy, rec *models.AnomalyRecord) error {
	detectCfg := detectFor(strategy, rec.Severity)
	if detectCfg == nil {
		log.Debug().Int("strategy_id", strategy.ID).Int("severity", rec.Severity).Msg("no detect config for severity, anomaly dropped")
		return nil
	}
	dims := rec.OriginAlarm.Data.Dimensions
	dimsMD5 := rec.OriginAlarm.DimensionsMD5
	ts := rec.OriginAlarm.AnomalyTime

	// synthesized nodata recovery bypasses the window and recovers directly
	if rec.StatusSetter == "recovery-nodata" {
		return s.publishRecover(ctx, storage.TriggerWatch{
			StrategyID: strategy.ID, ItemID: rec.ItemID, Severity: rec.Severity,
			DimsMD5: dimsMD5, Dimensions: dims,
			DedupeMD5:   models.DedupeMD5(strategy.ID, dims),
			SnapshotKey: rec.StrategySnapshotKey,
			LatestTime:  ts,
		}, rec.StatusSetter)
	}

	if err := s.Store.RecordAnomalyTick(ctx, strategy.ID, rec.ItemID, rec.Severity, dimsMD5, ts); err != nil {
		return err
	}
	interval := intervalFor(snap, strategy, rec.ItemID)
	from := WindowStart(ts, detectCfg.Trigger.CheckWindow, interval)
	n, err := s.Store.AnomalyTickCount(ctx, strategy.ID, rec.ItemID, rec.Severity, dimsMD5, from, ts)
	if err != nil {
		return err
	}
	if !ShouldFire(n, detectCfg.Trigger) {
		return nil
	}
	if !UptimeAllows(detectCfg.Trigger.Uptime, snap.Calendars, time.Now()) {
		log.Debug().Int("strategy_id", strategy.ID).Msg("trigger suppressed outside uptime window")
		return nil
	}

	dedupeMD5 := models.DedupeMD5(strategy.ID, dims)
	watch := storage.TriggerWatch{
		StrategyID: strategy.ID, ItemID: rec.ItemID, Severity: rec.Severity,
		DimsMD5: dimsMD5, Dimensions: dims, DedupeMD5: dedupeMD5,
		SnapshotKey: rec.StrategySnapshotKey,
		FirstTime:   ts, LatestTime: ts,
	}
	if existing, err := s.Store.GetTriggerWatch(ctx, watch.ID()); err == nil && existing != nil {
		watch.FirstTime = existing.FirstTime
	}
	if err := s.Store.SaveTriggerWatch(ctx, &watch); err != nil {
		return err
	}

	ev := &models.Event{
		EventID:     rec.AnomalyID,
		StrategyID:  strategy.ID,
		BizID:       strategy.BizID,
		DataID:      rec.OriginAlarm.Data.RecordID,
		ItemID:      rec.ItemID,
		Severity:    rec.Severity,
		Status:      models.EventStatusAbnormal,
		Dimensions:  dims,
		DimsMD5:     dimsMD5,
		AnomalyIDs:  []string{rec.AnomalyID},
		AnomalyTime: ts,
		FirstTime:   watch.FirstTime,
		LatestTime:  ts,
		OriginAlarm: rec.OriginAlarm,
		SnapshotKey: rec.StrategySnapshotKey,
		Target:      dims[itemTarget(snap, strategy, rec.ItemID)],
	}
	if err := s.Topic.Publish(ctx, dedupeMD5, ev); err != nil {
		return fmt.Errorf("publish abnormal event: %w", err)
	}
	selfmonitor.ProcessCount.WithLabelValues("trigger").Inc()
	log.Info().
		Int("strategy_id", strategy.ID).
		Int("item_id", rec.ItemID).
		Int("severity", rec.Severity).
		Int64("window_hits", n).
		Str("dedupe_md5", dedupeMD5).
		Msg("trigger fired")
	return nil
}

// sweepLoop turns quiet recovery windows into RECOVER events.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepRecoveries(ctx); err != nil {
				log.Error().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}

// SweepRecoveries scans fired fingerprints and publishes RECOVER for those
// whose recovery window passed with no new anomaly.
func (s *Service) SweepRecoveries(ctx context.Context) error {
	watches, err := s.Store.ListTriggerWatches(ctx)
	if err != nil {
		return err
	}
	snap := s.Cache.Current()
	now := time.Now().Unix()
	for _, w := range watches {
		strategy := snap.Strategy(w.StrategyID)
		if strategy == nil {
			// strategy disabled or deleted; Manager closes the alert
			s.Store.DropTriggerWatch(ctx, w.ID())
			continue
		}
		detectCfg := detectFor(strategy, w.Severity)
		if detectCfg == nil {
			s.Store.DropTriggerWatch(ctx, w.ID())
			continue
		}
		interval := intervalFor(snap, strategy, w.ItemID)
		window := detectCfg.Recovery.CheckWindow
		if window <= 0 {
			window = 5
		}
		from := now - int64(window*interval)
		n, err := s.Store.AnomalyTickCount(ctx, w.StrategyID, w.ItemID, w.Severity, w.DimsMD5, from, now)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		setter := detectCfg.Recovery.StatusSetter
		if setter == "" {
			setter = "recovery"
		}
		if err := s.publishRecover(ctx, w, setter); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publishRecover(ctx context.Context, w storage.TriggerWatch, setter string) error {
	active, err := s.Store.GetActiveAlert(ctx, w.DedupeMD5)
	if err != nil {
		return err
	}
	if active == nil {
		// nothing to recover; forget the fingerprint
		return s.Store.DropTriggerWatch(ctx, w.ID())
	}
	now := time.Now().Unix()
	ev := &models.Event{
		EventID:     fmt.Sprintf("%s.%d.recover", w.DimsMD5, now),
		StrategyID:  w.StrategyID,
		ItemID:      w.ItemID,
		Severity:    w.Severity,
		Status:      models.EventStatusRecover,
		Dimensions:  w.Dimensions,
		DimsMD5:     w.DimsMD5,
		AnomalyTime: now,
		FirstTime:   w.FirstTime,
		LatestTime:  w.LatestTime,
		SnapshotKey: w.SnapshotKey,
	}
	ev.OriginAlarm.Message = "recovery window clean, status setter " + setter
	if err := s.Topic.Publish(ctx, w.DedupeMD5, ev); err != nil {
		return fmt.Errorf("publish recover event: %w", err)
	}
	log.Info().Str("dedupe_md5", w.DedupeMD5).Str("status_setter", setter).Msg("recover event published")
	return s.Store.DropTriggerWatch(ctx, w.ID())
}

func detectFor(strategy *models.Strategy, severity int) *models.DetectConfig {
	for i := range strategy.Detects {
		if strategy.Detects[i].Severity == severity {
			return &strategy.Detects[i]
		}
	}
	return nil
}

func intervalFor(snap *cache.Snapshot, strategy *models.Strategy, itemID int) int {
	for i := range strategy.Items {
		if strategy.Items[i].ID != itemID {
			continue
		}
		if g := snap.Group(strategy.Items[i].QueryMD5); g != nil && g.Interval > 0 {
			return g.Interval
		}
	}
	return 60
}

func itemTarget(snap *cache.Snapshot, strategy *models.Strategy, itemID int) string {
	for i := range strategy.Items {
		if strategy.Items[i].ID == itemID {
			return strategy.Items[i].Target.Field
		}
	}
	return ""
}
