package alertbuilder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/shield"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

const (
	readBlock     = 5 * time.Second
	dedupeLockTTL = 30 * time.Second

	// seconds an alert lingers in RECOVERING before the Manager finalizes
	// it; the quiet recovery window itself is observed by the trigger
	recoveryGrace = 60
)

// Builder consumes event batches from the topic and turns them into alert
// documents, snapshots and flow logs. Offsets are acked only after both the
// document upsert and the snapshot write landed; a replayed batch is
// absorbed by the id-idempotent upsert.
type Builder struct {
	Store     *storage.Store
	Docs      *storage.DocStore
	Cache     *cache.Cache
	Topic     *storage.EventTopic
	Enrichers []EventEnricher
	UID       UID

	Consumer    string
	Workers     int
	BatchSize   int
	SnapshotTTL time.Duration
	QoS         config.QoSPolicy
	qosWindow   time.Duration
}

func NewBuilder(store *storage.Store, docs *storage.DocStore, c *cache.Cache, topic *storage.EventTopic, cfg *config.BuilderConfig, consumer string) *Builder {
	snapTTL, err := time.ParseDuration(cfg.SnapshotTTL)
	if err != nil || snapTTL <= 0 {
		snapTTL = 7 * 24 * time.Hour
	}
	qosWindow, err := time.ParseDuration(cfg.QoS.Window)
	if err != nil || qosWindow <= 0 {
		qosWindow = time.Minute
	}
	return &Builder{
		Store: store, Docs: docs, Cache: c, Topic: topic,
		Enrichers:   []EventEnricher{PreEnricher{}, DimensionEnricher{}, WhitelistEnricher{}},
		UID:         UID{Store: store},
		Consumer:    consumer,
		Workers:     cfg.Workers,
		BatchSize:   cfg.BatchSize,
		SnapshotTTL: snapTTL,
		QoS:         cfg.QoS,
		qosWindow:   qosWindow,
	}
}

// Run consumes batches until the context ends. Workers read loops share the
// consumer group under distinct consumer names; the per-fingerprint lock in
// ProcessBatch keeps concurrent folds safe.
func (b *Builder) Run(ctx context.Context) {
	log.Info().Str("consumer", b.Consumer).Int("workers", b.Workers).Msg("alert builder started")
	if err := b.Topic.EnsureGroup(ctx); err != nil {
		log.Error().Err(err).Msg("ensure consumer group failed")
	}
	if err := b.preloadSequences(ctx); err != nil {
		log.Warn().Err(err).Msg("uid sequence preload failed")
	}
	workers := b.Workers
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		consumer := b.Consumer
		if i > 0 {
			consumer = fmt.Sprintf("%s-%d", b.Consumer, i)
		}
		g.Go(func() error {
			b.consume(ctx, consumer)
			return nil
		})
	}
	g.Wait()
	log.Info().Msg("alert builder stopped")
}

// preloadSequences re-arms the per-second uid pools from the live snapshots
// so a batch replayed after the pool expired can never reissue an id that
// is already in use.
func (b *Builder) preloadSequences(ctx context.Context) error {
	return b.Store.ScanAlertSnapshots(ctx, func(a *models.Alert) error {
		ts, err := ParseTs(a.ID)
		if err != nil {
			return nil
		}
		seq, err := ParseSeq(a.ID)
		if err != nil {
			return nil
		}
		return b.Store.PreloadSequence(ctx, ts, seq)
	})
}

func (b *Builder) consume(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := b.Topic.ReadBatch(ctx, consumer, b.BatchSize, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("read event batch failed")
			time.Sleep(time.Second)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		start := time.Now()
		acked, err := b.ProcessBatch(ctx, entries)
		if err != nil {
			// batch replays on next read; upserts are idempotent by id
			log.Error().Err(err).Int("batch", len(entries)).Msg("batch processing failed, offsets retained")
		}
		if len(acked) > 0 {
			if err := b.Topic.Ack(ctx, acked...); err != nil {
				log.Error().Err(err).Msg("ack failed")
			}
		}
		selfmonitor.ProcessLatency.WithLabelValues("alert_builder").Observe(time.Since(start).Seconds())
	}
}

// ProcessBatch handles one batch and returns the topic entry ids safe to ack.
func (b *Builder) ProcessBatch(ctx context.Context, entries []storage.TopicEntry) ([]string, error) {
	snap := b.Cache.Current()
	selfmonitor.PullCount.WithLabelValues("alert_builder").Add(float64(len(entries)))

	// enrich, then group by dedupe fingerprint; each group processes serially
	groups := map[string][]*models.Event{}
	acked := make([]string, 0, len(entries))
	var order []string
	for i := range entries {
		ev := &entries[i].Event
		if !runEnrichers(ctx, b.Enrichers, snap, ev) {
			acked = append(acked, entries[i].ID)
			selfmonitor.DropCount.WithLabelValues("alert_builder", "enrich").Inc()
			continue
		}
		key := entries[i].Key
		if key == "" {
			key = models.DedupeMD5(ev.StrategyID, ev.Dimensions)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}
	sort.Strings(order)

	// the stream's consumer group does not key delivery by fingerprint, so
	// two builders may hold events for the same dedupe_md5 at once; a CAS
	// lock per fingerprint serializes the read-fold-write. Locks are held
	// until the whole batch persisted.
	locks := map[string]string{}
	defer func() {
		for key, token := range locks {
			if err := b.Store.ReleaseLock(ctx, b.Store.Keys.ServiceLock("alert_builder", key), token); err != nil {
				log.Warn().Err(err).Str("dedupe_md5", key).Msg("release dedupe lock failed")
			}
		}
	}()

	var alerts []*models.Alert
	var created []*models.Alert
	var logs []models.AlertLog
	for _, key := range order {
		token, err := b.Store.AcquireLock(ctx, b.Store.Keys.ServiceLock("alert_builder", key), dedupeLockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock dedupe group %s: %w", key, err)
		}
		if token == "" {
			// another builder holds the fingerprint; the batch replays
			return nil, fmt.Errorf("dedupe group %s locked by another consumer", key)
		}
		locks[key] = token
		a, groupLogs, isNew, err := b.processGroup(ctx, snap, key, groups[key])
		if err != nil {
			return nil, fmt.Errorf("process dedupe group %s: %w", key, err)
		}
		if a != nil {
			alerts = append(alerts, a)
			logs = append(logs, groupLogs...)
			if isNew {
				created = append(created, a)
			}
		}
	}

	if len(alerts) > 0 {
		if err := b.persist(ctx, alerts, logs); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(alerts))
		for _, a := range alerts {
			ids = append(ids, a.ID)
		}
		if err := b.Store.PublishAlertIDs(ctx, ids); err != nil {
			log.Error().Err(err).Msg("publish to manager queue failed")
		}
		if tasks := b.actionTasks(snap, created); len(tasks) > 0 {
			if err := b.Store.PushActionTasks(ctx, tasks); err != nil {
				log.Error().Err(err).Msg("enqueue action tasks failed")
			}
		}
		selfmonitor.ProcessCount.WithLabelValues("alert_builder").Add(float64(len(alerts)))
	}

	// everything persisted; the whole batch may now commit
	for i := range entries {
		acked = appendUnique(acked, entries[i].ID)
	}
	return acked, nil
}

// processGroup folds one fingerprint's events into its alert, creating one
// when no active slot exists.
func (b *Builder) processGroup(ctx context.Context, snap *cache.Snapshot, dedupeMD5 string, events []*models.Event) (*models.Alert, []models.AlertLog, bool, error) {
	sort.Slice(events, func(i, j int) bool { return events[i].AnomalyTime < events[j].AnomalyTime })

	active, err := b.Store.GetActiveAlert(ctx, dedupeMD5)
	if err != nil {
		return nil, nil, false, err
	}

	var logs []models.AlertLog
	var created bool
	for _, ev := range events {
		switch {
		case ev.Status == models.EventStatusRecover:
			if active != nil && active.Status == models.AlertAbnormal {
				active.Status = models.AlertRecovering
				// the trigger already waited the full recovery window before
				// publishing RECOVER; this is only a short grace for a
				// straggling anomaly to abort the recovery
				active.NextStatusTime = time.Now().Unix() + recoveryGrace
				logs = append(logs, models.NewAlertLog(active.ID, models.OpRecovering, active.Status, active.Severity,
					"recover event received, entering recovery grace"))
			}
		case active == nil:
			uid, err := b.UID.Generate(ctx, ev.AnomalyTime)
			if err != nil {
				return nil, nil, false, err
			}
			active = newAlert(uid, ev, alertName(snap, ev))
			created = true
			logs = append(logs, models.NewAlertLog(uid, models.OpCreate, active.Status, active.Severity,
				"alert created from "+ev.EventID))
			selfmonitor.AlertCount.WithLabelValues(string(models.OpCreate)).Inc()
		default:
			logs = append(logs, foldEvent(active, ev)...)
		}
	}
	if active == nil {
		return nil, nil, false, nil
	}

	if created {
		b.decorate(ctx, snap, active, &logs)
	}
	return active, logs, created, nil
}

// actionTasks derives the action work for freshly created alerts. Shielded
// and QoS-blocked alerts dispatch nothing; their recovery still flows.
func (b *Builder) actionTasks(snap *cache.Snapshot, created []*models.Alert) []storage.ActionTask {
	var tasks []storage.ActionTask
	for _, a := range created {
		if a.IsShielded || a.IsBlocked {
			continue
		}
		strategy := snap.Strategy(a.StrategyID)
		if strategy == nil {
			continue
		}
		userGroups := a.AssignedGroups
		if len(userGroups) == 0 {
			userGroups = strategy.Notice.UserGroups
		}
		tasks = append(tasks, storage.ActionTask{
			AlertID: a.ID, StrategyID: a.StrategyID, BizID: a.BizID, Severity: a.Severity,
			PluginType: "notice", UserGroups: userGroups,
		})
		for _, act := range strategy.Actions {
			pluginType := act.PluginType
			if pluginType == "" {
				pluginType = "webhook"
			}
			tasks = append(tasks, storage.ActionTask{
				AlertID: a.ID, StrategyID: a.StrategyID, BizID: a.BizID, Severity: a.Severity,
				PluginType: pluginType, Action: act,
			})
		}
	}
	return tasks
}

// decorate runs assignment, shield and QoS over a freshly created alert.
func (b *Builder) decorate(ctx context.Context, snap *cache.Snapshot, a *models.Alert, logs *[]models.AlertLog) {
	if out := Assign(snap, a); out != nil {
		desc := ApplyAssign(a, out)
		*logs = append(*logs, models.NewAlertLog(a.ID, models.OpAction, a.Status, a.Severity, desc))
	}

	shields := snap.ActiveShields(time.Now())
	if extra, err := b.Store.ListQuickShields(ctx, time.Now()); err == nil {
		shields = append(shields, extra...)
	} else {
		log.Warn().Err(err).Msg("quick shield overlay unavailable")
	}
	if ids := shield.Match(shields, a); len(ids) > 0 {
		a.IsShielded = true
		a.ShieldIDs = ids
		log.Info().Str("alert_id", a.ID).Ints("shield_ids", ids).Msg("alert shielded")
	}

	if b.QoS.IsEnabled {
		fp := fmt.Sprintf("alert.%d.%d.%d", a.BizID, a.StrategyID, a.Severity)
		n, err := b.Store.QoSIncr(ctx, fp, b.qosWindow)
		if err != nil {
			log.Error().Err(err).Str("fingerprint", fp).Msg("builder qos counter failed")
		} else if n > b.QoS.Threshold {
			a.IsBlocked = true
			*logs = append(*logs, models.NewAlertLog(a.ID, models.OpAlertQOS, a.Status, a.Severity,
				fmt.Sprintf("alert creation rate %d exceeded threshold %d, actions blocked", n, b.QoS.Threshold)))
			selfmonitor.AlertCount.WithLabelValues(string(models.OpAlertQOS)).Inc()
		}
	}
}

// persist upserts documents, refreshes snapshots and appends flow logs.
// Document write strictly precedes the snapshot write; a crash in between
// replays the batch and the upsert absorbs it.
func (b *Builder) persist(ctx context.Context, alerts []*models.Alert, logs []models.AlertLog) error {
	if err := b.Docs.UpsertAlerts(ctx, alerts); err != nil {
		return fmt.Errorf("upsert alerts: %w", err)
	}
	for _, a := range alerts {
		if err := b.Store.SaveAlertSnapshot(ctx, a, b.SnapshotTTL); err != nil {
			return err
		}
	}
	if len(logs) > 0 {
		if err := b.Docs.AppendLogs(ctx, logs); err != nil {
			return fmt.Errorf("append alert logs: %w", err)
		}
	}
	return nil
}

func alertName(snap *cache.Snapshot, ev *models.Event) string {
	if strategy := snap.Strategy(ev.StrategyID); strategy != nil {
		for _, item := range strategy.Items {
			if item.ID == ev.ItemID && item.Name != "" {
				return item.Name
			}
		}
		return strategy.Name
	}
	return fmt.Sprintf("strategy %d", ev.StrategyID)
}
