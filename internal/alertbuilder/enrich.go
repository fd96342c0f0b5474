package alertbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/models"
)

// EnrichResult is an explicit keep-or-drop outcome; enrichers never signal a
// skip through errors.
type EnrichResult struct {
	OK     bool
	Reason string
}

func keep() EnrichResult { return EnrichResult{OK: true} }

func dropEvent(reason string) EnrichResult { return EnrichResult{Reason: reason} }

// EventEnricher mutates an event in place or drops it.
type EventEnricher interface {
	Name() string
	Enrich(ctx context.Context, snap *cache.Snapshot, ev *models.Event) EnrichResult
}

// PreEnricher validates required fields and fills defaults before anything
// else looks at the event.
type PreEnricher struct{}

func (PreEnricher) Name() string { return "pre" }

func (PreEnricher) Enrich(_ context.Context, snap *cache.Snapshot, ev *models.Event) EnrichResult {
	if ev.EventID == "" || ev.StrategyID == 0 {
		return dropEvent("missing event id or strategy id")
	}
	strategy := snap.Strategy(ev.StrategyID)
	if strategy == nil {
		return dropEvent(fmt.Sprintf("strategy %d unknown or disabled", ev.StrategyID))
	}
	if ev.BizID == 0 {
		ev.BizID = strategy.BizID
	}
	if ev.DimsMD5 == "" {
		ev.DimsMD5 = models.DimensionsMD5(ev.Dimensions)
	}
	if ev.FirstTime == 0 {
		ev.FirstTime = ev.AnomalyTime
	}
	if ev.LatestTime == 0 {
		ev.LatestTime = ev.AnomalyTime
	}
	return keep()
}

// DimensionEnricher translates raw dimension keys into display names so the
// alert document is readable without the strategy at hand.
type DimensionEnricher struct {
	// Translations maps raw dimension keys to display names. Loaded from
	// config; unseen keys pass through untouched.
	Translations map[string]string
}

func (DimensionEnricher) Name() string { return "dimension" }

func (e DimensionEnricher) Enrich(_ context.Context, _ *cache.Snapshot, ev *models.Event) EnrichResult {
	if len(ev.Dimensions) == 0 {
		return keep()
	}
	display := make(map[string]string, len(ev.Dimensions))
	for k, v := range ev.Dimensions {
		name := e.Translations[k]
		if name == "" {
			name = k
		}
		display[name] = v
	}
	ev.OriginAlarm.DisplayDims = display
	return keep()
}

// WhitelistEnricher gates third-party (fta/custom) events by a business
// whitelist; an empty whitelist admits everyone.
type WhitelistEnricher struct {
	BizIDs []int
}

func (WhitelistEnricher) Name() string { return "whitelist" }

func (e WhitelistEnricher) Enrich(_ context.Context, snap *cache.Snapshot, ev *models.Event) EnrichResult {
	if len(e.BizIDs) == 0 {
		return keep()
	}
	if !thirdParty(snap, ev.StrategyID) {
		return keep()
	}
	for _, id := range e.BizIDs {
		if id == ev.BizID {
			return keep()
		}
	}
	return dropEvent(fmt.Sprintf("biz %d not whitelisted for third-party events", ev.BizID))
}

func thirdParty(snap *cache.Snapshot, strategyID int) bool {
	strategy := snap.Strategy(strategyID)
	if strategy == nil {
		return false
	}
	for _, item := range strategy.Items {
		for _, qc := range item.QueryConfigs {
			if qc.SourceLabel == "bk_fta" || strings.HasPrefix(qc.SourceLabel, "custom") {
				return true
			}
		}
	}
	return false
}

// runEnrichers applies the pipeline in order; the first drop wins.
func runEnrichers(ctx context.Context, enrichers []EventEnricher, snap *cache.Snapshot, ev *models.Event) bool {
	for _, e := range enrichers {
		res := e.Enrich(ctx, snap, ev)
		if !res.OK {
			log.Warn().
				Str("op_type", string(models.OpEventDrop)).
				Str("enricher", e.Name()).
				Str("event_id", ev.EventID).
				Str("reason", res.Reason).
				Msg("event dropped by enricher")
			return false
		}
	}
	return true
}
