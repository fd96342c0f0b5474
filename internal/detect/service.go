package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

const (
	defaultBatch = 500
	signalBlock  = 5 * time.Second
	snapshotTTL  = 7 * 24 * time.Hour
	historySlack = 45 * time.Second
)

// Service drains the data queue and turns points into anomaly records.
// Severities evaluate most-severe-first; the first severity whose algorithm
// set holds decides the record's level.
type Service struct {
	Store    *storage.Store
	Cache    *cache.Cache
	Registry *Registry
	Batch    int
}

func NewService(store *storage.Store, c *cache.Cache, reg *Registry) *Service {
	return &Service{Store: store, Cache: c, Registry: reg, Batch: defaultBatch}
}

// Run blocks on the data signal until the context ends.
func (s *Service) Run(ctx context.Context) {
	log.Info().Msg("detect service started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("detect service stopped")
			return
		default:
		}
		groupKey, err := s.Store.PopDataSignal(ctx, signalBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("pop data signal failed")
			time.Sleep(time.Second)
			continue
		}
		if groupKey == "" {
			continue
		}
		start := time.Now()
		if err := s.ProcessGroup(ctx, groupKey); err != nil {
			log.Error().Err(err).Str("group_key", groupKey).Msg("detect group failed")
		}
		selfmonitor.ProcessLatency.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	}
}

// ProcessGroup drains one group's points and evaluates every item against them.
func (s *Service) ProcessGroup(ctx context.Context, groupKey string) error {
	snap := s.Cache.Current()
	group := snap.Group(groupKey)
	if group == nil {
		return nil
	}
	points, err := s.Store.DrainDataPoints(ctx, groupKey, s.Batch)
	if err != nil {
		return fmt.Errorf("drain group %s: %w", groupKey, err)
	}
	if len(points) == 0 {
		return nil
	}
	selfmonitor.PullCount.WithLabelValues("detect").Add(float64(len(points)))

	for i := range group.Items {
		item := &group.Items[i]
		strategy := snap.Strategy(item.StrategyID)
		if strategy == nil {
			continue
		}
		if err := s.detectItem(ctx, snap, strategy, item, points); err != nil {
			log.Error().Err(err).Int("strategy_id", strategy.ID).Int("item_id", item.ID).Msg("item detection failed")
		}
	}
	return nil
}

// severityPlan is one severity's compiled algorithm set.
type severityPlan struct {
	severity   int
	connector  string
	algorithms []Algorithm
	offsets    []time.Duration
}

func (s *Service) detectItem(ctx context.Context, snap *cache.Snapshot, strategy *models.Strategy, item *models.Item, points []models.DataPoint) error {
	plans, err := s.compile(strategy, item)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return nil
	}

	snapshotKey := fmt.Sprintf("%d.%d", strategy.ID, snap.Generation)
	if err := s.Store.SaveStrategySnapshot(ctx, snapshotKey, strategy, snapshotTTL); err != nil {
		log.Warn().Err(err).Int("strategy_id", strategy.ID).Msg("strategy snapshot save failed")
	}

	bySeverity := map[int][]models.AnomalyRecord{}
	for _, p := range points {
		rec, matched := s.evaluate(ctx, plans, strategy, item, p)
		if !matched {
			continue
		}
		rec.StrategySnapshotKey = snapshotKey
		bySeverity[rec.Severity] = append(bySeverity[rec.Severity], rec)
	}
	if len(bySeverity) == 0 {
		return nil
	}
	for sev, recs := range bySeverity {
		log.Debug().
			Int("strategy_id", strategy.ID).
			Int("item_id", item.ID).
			Int("severity", sev).
			Int("count", len(recs)).
			Msg("anomalies detected")
		selfmonitor.ProcessCount.WithLabelValues("detect").Add(float64(len(recs)))
	}
	return s.Store.PushAnomalies(ctx, strategy.ID, item.ID, bySeverity)
}

// compile builds per-severity plans ordered most severe first (level 1 wins).
func (s *Service) compile(strategy *models.Strategy, item *models.Item) ([]severityPlan, error) {
	connectors := map[int]string{}
	for _, d := range strategy.Detects {
		connectors[d.Severity] = d.Connector
	}
	byLevel := map[int][]Algorithm{}
	offsets := map[int][]time.Duration{}
	for _, cfg := range item.Algorithms {
		algo, err := s.Registry.Build(cfg)
		if err != nil {
			return nil, err
		}
		byLevel[cfg.Severity] = append(byLevel[cfg.Severity], algo)
		offsets[cfg.Severity] = append(offsets[cfg.Severity], algo.HistoryOffsets()...)
	}
	plans := make([]severityPlan, 0, len(byLevel))
	for sev, algos := range byLevel {
		conn := connectors[sev]
		if conn == "" {
			conn = "and"
		}
		plans = append(plans, severityPlan{severity: sev, connector: conn, algorithms: algos, offsets: offsets[sev]})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].severity < plans[j].severity })
	return plans, nil
}

// evaluate runs the plans against one point and returns the record for the
// most severe matching level.
func (s *Service) evaluate(ctx context.Context, plans []severityPlan, strategy *models.Strategy, item *models.Item, p models.DataPoint) (models.AnomalyRecord, bool) {
	dimsMD5 := models.DimensionsMD5(p.Dimensions)
	for _, plan := range plans {
		history := s.historyFor(ctx, strategy.ID, item.ID, dimsMD5, p.Time, plan.offsets)
		matched, msg := runPlan(plan, p, history)
		if !matched {
			continue
		}
		return models.AnomalyRecord{
			AnomalyID:  models.AnomalyID(dimsMD5, p.Time, strategy.ID, item.ID, plan.severity),
			StrategyID: strategy.ID,
			ItemID:     item.ID,
			Severity:   plan.severity,
			OriginAlarm: models.OriginAlarm{
				Data:          p,
				AnomalyValue:  p.Value,
				AnomalyTime:   p.Time,
				Message:       msg,
				DimensionsMD5: dimsMD5,
			},
		}, true
	}
	return models.AnomalyRecord{}, false
}

func runPlan(plan severityPlan, p models.DataPoint, history History) (bool, string) {
	var firstMsg string
	for _, algo := range plan.algorithms {
		hit, msg, err := algo.Match(p, history)
		if err != nil {
			log.Warn().Err(err).Msg("algorithm evaluation failed")
			hit = false
		}
		if hit && firstMsg == "" {
			firstMsg = msg
		}
		if plan.connector == "or" && hit {
			return true, msg
		}
		if plan.connector != "or" && !hit {
			return false, ""
		}
	}
	if plan.connector == "or" {
		return false, ""
	}
	return len(plan.algorithms) > 0, firstMsg
}

// historyFor prefetches the cached points the plan's algorithms will ask for.
func (s *Service) historyFor(ctx context.Context, strategyID, itemID int, dimsMD5 string, ts int64, offsets []time.Duration) History {
	if len(offsets) == 0 {
		return func(time.Duration) *models.DataPoint { return nil }
	}
	fetched := make(map[time.Duration]*models.DataPoint, len(offsets))
	for _, off := range offsets {
		if _, ok := fetched[off]; ok {
			continue
		}
		pt, err := s.Store.HistoryPoint(ctx, strategyID, itemID, dimsMD5, ts-int64(off.Seconds()), historySlack)
		if err != nil {
			log.Warn().Err(err).Dur("offset", off).Msg("history fetch failed")
			pt = nil
		}
		fetched[off] = pt
	}
	return func(off time.Duration) *models.DataPoint { return fetched[off] }
}
