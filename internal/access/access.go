package access

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

// Runner is the Access stage: one call pulls one time-window of data for all
// items sharing a group key and feeds the data queue toward Detect.
type Runner struct {
	Store    *storage.Store
	Cache    *cache.Cache
	Registry *SourceRegistry

	PullDelay   time.Duration
	MaxWindow   time.Duration
	ExpireAfter time.Duration
	QoS         config.QoSPolicy
	qosWindow   time.Duration

	breaker *CircuitBreaker
	filters []PointFilter
}

func NewRunner(store *storage.Store, c *cache.Cache, reg *SourceRegistry, cfg *config.AccessConfig) *Runner {
	pullDelay := parseDuration(cfg.PullDelay, 30*time.Second)
	maxWindow := parseDuration(cfg.MaxWindow, 10*time.Minute)
	expire := parseDuration(cfg.ExpireAfter, 30*time.Minute)
	return &Runner{
		Store:       store,
		Cache:       c,
		Registry:    reg,
		PullDelay:   pullDelay,
		MaxWindow:   maxWindow,
		ExpireAfter: expire,
		QoS:         cfg.QoS,
		qosWindow:   parseDuration(cfg.QoS.Window, time.Minute),
		breaker:     NewCircuitBreaker(cfg.CircuitRules, store),
		filters: []PointFilter{
			BizIDFilter{},
			StrategyFilter{},
			ExpireFilter{MaxAge: expire},
			ConditionFilter{},
		},
	}
}

// RunAccess pulls one window for the group, normalizes and filters points,
// handles nodata, and pushes survivors onto the data queue. The checkpoint
// only advances after the push succeeded.
func (r *Runner) RunAccess(ctx context.Context, groupKey string) error {
	snap := r.Cache.Current()
	group := snap.Group(groupKey)
	if group == nil {
		log.Debug().Str("group_key", groupKey).Msg("group missing from snapshot, treated as disabled")
		return nil
	}

	w, ok, err := r.window(ctx, groupKey)
	if err != nil {
		return fmt.Errorf("compute window %s: %w", groupKey, err)
	}
	if !ok {
		return nil
	}

	rows, err := r.pull(ctx, snap, group, w)
	if err != nil {
		return fmt.Errorf("pull group %s: %w", groupKey, err)
	}
	selfmonitor.PullCount.WithLabelValues("access").Add(float64(len(rows)))

	now := time.Now()
	var survivors []models.DataPoint
	for _, row := range rows {
		point := normalize(row)
		if r.keepPoint(snap, group, point, now) {
			survivors = append(survivors, point)
		}
	}

	survivors = r.applyQoS(ctx, snap, group, survivors)

	if err := r.handleNodata(ctx, snap, group, len(rows) == 0, w); err != nil {
		log.Error().Err(err).Str("group_key", groupKey).Msg("nodata handling failed")
	}

	if len(survivors) > 0 {
		if err := r.Store.PushDataPoints(ctx, groupKey, survivors); err != nil {
			return fmt.Errorf("push data points %s: %w", groupKey, err)
		}
		r.cacheHistory(ctx, snap, group, survivors)
	}

	if _, err := r.Store.AdvanceCheckpoint(ctx, groupKey, w.To.Unix()); err != nil {
		return err
	}
	return nil
}

// window computes [checkpoint+1, now-delay], clamped to MaxWindow. Returns
// ok=false when the window has not opened yet.
func (r *Runner) window(ctx context.Context, groupKey string) (Window, bool, error) {
	cp, err := r.Store.Checkpoint(ctx, groupKey)
	if err != nil {
		return Window{}, false, err
	}
	to := time.Now().Add(-r.PullDelay)
	if cp == 0 {
		// first tick: start one interval back rather than replaying history
		return Window{From: to.Add(-time.Minute), To: to}, true, nil
	}
	from := time.Unix(cp+1, 0)
	if !from.Before(to) {
		return Window{}, false, nil
	}
	if to.Sub(from) > r.MaxWindow {
		to = from.Add(r.MaxWindow)
	}
	return Window{From: from, To: to}, true, nil
}

func (r *Runner) pull(ctx context.Context, snap *cache.Snapshot, group *models.StrategyGroup, w Window) ([]Row, error) {
	var rows []Row
	for _, qc := range group.QueryConfigs {
		if hit := r.breaker.Check(ctx, snap, group, qc); hit {
			log.Info().
				Str("group_key", group.GroupKey).
				Str("source", qc.SourceType()).
				Msg("circuit breaker hit, pull short-circuited")
			selfmonitor.DropCount.WithLabelValues("access", "circuit_break").Inc()
			continue
		}
		src := r.Registry.Lookup(qc.SourceType())
		if src == nil {
			log.Warn().Str("source", qc.SourceType()).Msg("no data source registered, query skipped")
			continue
		}
		part, err := src.Pull(ctx, qc, w)
		if err != nil {
			// fail the query, not the tick: other sources of the group still land
			log.Error().Err(err).Str("source", qc.SourceType()).Str("group_key", group.GroupKey).Msg("source pull failed")
			continue
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

func normalize(row Row) models.DataPoint {
	var value float64
	for _, v := range row.Values {
		value = v
		break
	}
	if v, ok := row.Values["a"]; ok {
		value = v
	}
	return models.NewDataPoint(value, row.Values, row.Dimensions, row.Timestamp)
}

// keepPoint runs the filter chain against every strategy/item of the group;
// the point survives when at least one item keeps it.
func (r *Runner) keepPoint(snap *cache.Snapshot, group *models.StrategyGroup, p models.DataPoint, now time.Time) bool {
	for i := range group.Items {
		item := &group.Items[i]
		strategy := snap.Strategy(item.StrategyID)
		if strategy == nil {
			continue
		}
		kept := true
		for _, f := range r.filters {
			res := f.Apply(item, strategy, p, now)
			if !res.Keep {
				log.Debug().
					Str("filter", f.Name()).
					Str("reason", res.Reason).
					Str("record_id", p.RecordID).
					Msg("point filtered")
				kept = false
				break
			}
		}
		if kept {
			return true
		}
	}
	selfmonitor.DropCount.WithLabelValues("access", "filtered").Inc()
	return false
}

// applyQoS enforces the per-(biz,strategy,item,target,level) sliding counter.
// Once a fingerprint exceeds the threshold the rest of its records in this
// tick are dropped with a NOISE_REDUCE log; records already queued remain.
func (r *Runner) applyQoS(ctx context.Context, snap *cache.Snapshot, group *models.StrategyGroup, points []models.DataPoint) []models.DataPoint {
	if !r.QoS.IsEnabled || len(points) == 0 {
		return points
	}
	out := make([]models.DataPoint, 0, len(points))
	blocked := map[string]bool{}
	for _, p := range points {
		for i := range group.Items {
			item := &group.Items[i]
			strategy := snap.Strategy(item.StrategyID)
			if strategy == nil {
				continue
			}
			fp := fmt.Sprintf("access.%d.%d.%d.%s", strategy.BizID, strategy.ID, item.ID, p.Dimensions[item.Target.Field])
			if blocked[fp] {
				selfmonitor.DropCount.WithLabelValues("access", "qos").Inc()
				continue
			}
			n, err := r.Store.QoSIncr(ctx, fp, r.qosWindow)
			if err != nil {
				// counter unavailable: keep the point exactly once and stop
				// consulting further item fingerprints for it
				log.Error().Err(err).Str("fingerprint", fp).Msg("qos counter failed")
				out = append(out, p)
				break
			}
			if n > r.QoS.Threshold {
				blocked[fp] = true
				log.Warn().
					Str("op_type", string(models.OpNoiseReduce)).
					Str("fingerprint", fp).
					Int("count", n).
					Msg("access qos threshold exceeded, dropping remainder of tick")
				selfmonitor.DropCount.WithLabelValues("access", "qos").Inc()
				continue
			}
			out = append(out, p)
			break
		}
	}
	return out
}

// cacheHistory keeps recent points so ring-ratio and year-round detectors
// can look back. Retention covers the longest history offset (7 days) plus
// slack for a late pull.
func (r *Runner) cacheHistory(ctx context.Context, snap *cache.Snapshot, group *models.StrategyGroup, points []models.DataPoint) {
	for i := range group.Items {
		item := &group.Items[i]
		if !needsHistory(item) {
			continue
		}
		if err := r.Store.CachePoints(ctx, item.StrategyID, item.ID, points, 8*24*time.Hour); err != nil {
			log.Warn().Err(err).Int("item_id", item.ID).Msg("point history cache failed")
		}
	}
}

func needsHistory(item *models.Item) bool {
	for _, a := range item.Algorithms {
		switch a.Type {
		case "SimpleRingRatio", "AdvancedRingRatio", "RingRatioAmplitude",
			"SimpleYearRound", "AdvancedYearRound", "YearRoundAmplitude", "YearRoundRange":
			return true
		}
	}
	return false
}

// handleNodata tracks consecutive empty ticks per item and synthesizes a
// nodata anomaly once the configured streak is reached. The counter resets
// on the first non-empty tick; the reset emits a recovery-nodata marker so
// the Manager can distinguish recovery-from-nodata.
func (r *Runner) handleNodata(ctx context.Context, snap *cache.Snapshot, group *models.StrategyGroup, empty bool, w Window) error {
	rdb := r.Store.Client()
	for i := range group.Items {
		item := &group.Items[i]
		if !item.NoData.IsEnabled {
			continue
		}
		strategy := snap.Strategy(item.StrategyID)
		if strategy == nil {
			continue
		}
		key := r.Store.Keys.NodataCounter(group.GroupKey, item.ID)
		if !empty {
			prev, _ := rdb.GetDel(ctx, key).Int64()
			if prev >= int64(item.NoData.Continuous) {
				if err := r.pushNodataRecover(ctx, strategy, item, w); err != nil {
					return err
				}
			}
			continue
		}
		n, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		rdb.Expire(ctx, key, 2*time.Hour)
		if n == int64(item.NoData.Continuous) {
			if err := r.pushNodataAnomaly(ctx, strategy, item, w); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) pushNodataAnomaly(ctx context.Context, strategy *models.Strategy, item *models.Item, w Window) error {
	severity := item.NoData.Severity
	if severity == 0 {
		severity = 2
	}
	dims := map[string]string{"__nodata__": "true"}
	ts := w.To.Unix()
	rec := models.AnomalyRecord{
		AnomalyID:  models.AnomalyID(models.DimensionsMD5(dims), ts, strategy.ID, item.ID, severity),
		StrategyID: strategy.ID,
		ItemID:     item.ID,
		Severity:   severity,
		OriginAlarm: models.OriginAlarm{
			Data:          models.NewDataPoint(0, nil, dims, ts),
			AnomalyTime:   ts,
			Message:       fmt.Sprintf("no data for %d continuous ticks", item.NoData.Continuous),
			DimensionsMD5: models.DimensionsMD5(dims),
		},
	}
	log.Warn().Int("strategy_id", strategy.ID).Int("item_id", item.ID).Msg("nodata anomaly synthesized")
	return r.Store.PushAnomalies(ctx, strategy.ID, item.ID, map[int][]models.AnomalyRecord{severity: {rec}})
}

func (r *Runner) pushNodataRecover(ctx context.Context, strategy *models.Strategy, item *models.Item, w Window) error {
	severity := item.NoData.Severity
	if severity == 0 {
		severity = 2
	}
	dims := map[string]string{"__nodata__": "true"}
	ts := w.To.Unix()
	rec := models.AnomalyRecord{
		AnomalyID:    models.AnomalyID(models.DimensionsMD5(dims), ts, strategy.ID, item.ID, severity),
		StrategyID:   strategy.ID,
		ItemID:       item.ID,
		Severity:     severity,
		StatusSetter: "recovery-nodata",
		OriginAlarm: models.OriginAlarm{
			Data:          models.NewDataPoint(0, nil, dims, ts),
			AnomalyTime:   ts,
			Message:       "data resumed after nodata",
			DimensionsMD5: models.DimensionsMD5(dims),
		},
	}
	log.Info().Int("strategy_id", strategy.ID).Int("item_id", item.ID).Msg("nodata recovered")
	return r.Store.PushAnomalies(ctx, strategy.ID, item.ID, map[int][]models.AnomalyRecord{severity: {rec}})
}

// CircuitBreaker short-circuits pulls matching configured or operator-set
// rules keyed "(strategy|*):(biz|*):source_label:type_label".
type CircuitBreaker struct {
	static []string
	store  *storage.Store
}

func NewCircuitBreaker(rules []string, store *storage.Store) *CircuitBreaker {
	return &CircuitBreaker{static: rules, store: store}
}

// Check consults static config first, then the operator override hash. The
// biz scope comes from each strategy in the group; a rule with a concrete
// biz only trips strategies of that business.
func (b *CircuitBreaker) Check(ctx context.Context, snap *cache.Snapshot, group *models.StrategyGroup, qc models.QueryConfig) bool {
	for _, strategyID := range group.StrategyIDs {
		bizID := 0
		if strategy := snap.Strategy(strategyID); strategy != nil {
			bizID = strategy.BizID
		}
		for _, rule := range b.static {
			if matchRule(rule, strategyID, bizID, qc) {
				return true
			}
		}
		if b.store != nil {
			keys := []string{
				fmt.Sprintf("%d:%d:%s:%s", strategyID, bizID, qc.SourceLabel, qc.TypeLabel),
				fmt.Sprintf("%d:*:%s:%s", strategyID, qc.SourceLabel, qc.TypeLabel),
				fmt.Sprintf("*:%d:%s:%s", bizID, qc.SourceLabel, qc.TypeLabel),
				fmt.Sprintf("*:*:%s:%s", qc.SourceLabel, qc.TypeLabel),
			}
			for _, k := range keys {
				hit, err := b.store.Client().HExists(ctx, b.store.Keys.CircuitOverride(), k).Result()
				if err == nil && hit {
					return true
				}
			}
		}
	}
	return false
}

func matchRule(rule string, strategyID, bizID int, qc models.QueryConfig) bool {
	parts := strings.Split(rule, ":")
	if len(parts) != 4 {
		return false
	}
	if parts[0] != "*" && parts[0] != strconv.Itoa(strategyID) {
		return false
	}
	if parts[1] != "*" && parts[1] != strconv.Itoa(bizID) {
		return false
	}
	if parts[2] != "*" && parts[2] != qc.SourceLabel {
		return false
	}
	if parts[3] != "*" && parts[3] != qc.TypeLabel {
		return false
	}
	return true
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
