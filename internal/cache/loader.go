package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Loader reads configuration rows from the Postgres store and assembles a
// Snapshot. The configuration service owns the schema; the core only reads
// the JSON payload columns.
type Loader struct {
	DB    *Database
	cache *Cache
	gen   int64
}

func NewLoader(db *Database, c *Cache) *Loader {
	return &Loader{DB: db, cache: c}
}

// Refresh loads every configuration kind and swaps in a new generation.
// A failed kind aborts the refresh; the previous generation stays live.
func (l *Loader) Refresh(ctx context.Context) error {
	started := time.Now()
	snap := &Snapshot{
		LoadedAt:   started,
		Strategies: map[int]*models.Strategy{},
		Groups:     map[string]*models.StrategyGroup{},
		UserGroups: map[int]*models.UserGroup{},
		Calendars:  map[int]*models.Calendar{},
	}

	if err := l.loadStrategies(ctx, snap); err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	if err := l.loadUserGroups(ctx, snap); err != nil {
		return fmt.Errorf("load user groups: %w", err)
	}
	if err := l.loadShields(ctx, snap); err != nil {
		return fmt.Errorf("load shields: %w", err)
	}
	if err := l.loadCalendars(ctx, snap); err != nil {
		return fmt.Errorf("load calendars: %w", err)
	}
	if err := l.loadDispatchGroups(ctx, snap); err != nil {
		return fmt.Errorf("load dispatch groups: %w", err)
	}
	buildGroups(snap)

	l.gen++
	snap.Generation = l.gen
	l.cache.Swap(snap)
	log.Info().
		Int64("generation", snap.Generation).
		Int("strategies", len(snap.Strategies)).
		Int("groups", len(snap.Groups)).
		Int("shields", len(snap.Shields)).
		Dur("elapsed", time.Since(started)).
		Msg("strategy cache refreshed")
	return nil
}

func (l *Loader) loadStrategies(ctx context.Context, snap *Snapshot) error {
	const q = `SELECT id, payload FROM strategies WHERE is_deleted = false`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		var st models.Strategy
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			log.Warn().Err(err).Int("strategy_id", id).Msg("skip malformed strategy payload")
			continue
		}
		st.ID = id
		for i := range st.Items {
			if st.Items[i].QueryMD5 == "" {
				st.Items[i].QueryMD5 = models.QueryMD5(st.Items[i].QueryConfigs)
			}
		}
		snap.Strategies[id] = &st
	}
	return rows.Err()
}

func (l *Loader) loadUserGroups(ctx context.Context, snap *Snapshot) error {
	const q = `SELECT id, payload FROM user_groups`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		var g models.UserGroup
		if err := json.Unmarshal([]byte(payload), &g); err != nil {
			log.Warn().Err(err).Int("group_id", id).Msg("skip malformed user group payload")
			continue
		}
		g.ID = id
		snap.UserGroups[id] = &g
	}
	return rows.Err()
}

func (l *Loader) loadShields(ctx context.Context, snap *Snapshot) error {
	// only shields that can still become active
	const q = `SELECT id, payload FROM shields WHERE failure_time > now()`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		var sh models.ShieldConfig
		if err := json.Unmarshal([]byte(payload), &sh); err != nil {
			log.Warn().Err(err).Int("shield_id", id).Msg("skip malformed shield payload")
			continue
		}
		sh.ID = id
		snap.Shields = append(snap.Shields, &sh)
	}
	return rows.Err()
}

func (l *Loader) loadCalendars(ctx context.Context, snap *Snapshot) error {
	const q = `SELECT id, payload FROM calendars`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		var cal models.Calendar
		if err := json.Unmarshal([]byte(payload), &cal); err != nil {
			log.Warn().Err(err).Int("calendar_id", id).Msg("skip malformed calendar payload")
			continue
		}
		cal.ID = id
		snap.Calendars[id] = &cal
	}
	return rows.Err()
}

func (l *Loader) loadDispatchGroups(ctx context.Context, snap *Snapshot) error {
	const q = `SELECT id, priority, payload FROM dispatch_rule_groups`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, priority int
		var payload string
		if err := rows.Scan(&id, &priority, &payload); err != nil {
			return err
		}
		var g models.DispatchRuleGroup
		if err := json.Unmarshal([]byte(payload), &g); err != nil {
			log.Warn().Err(err).Int("dispatch_group_id", id).Msg("skip malformed dispatch group payload")
			continue
		}
		g.ID = id
		g.Priority = priority
		snap.DispatchGroups = append(snap.DispatchGroups, &g)
	}
	sort.Slice(snap.DispatchGroups, func(i, j int) bool {
		return snap.DispatchGroups[i].Priority < snap.DispatchGroups[j].Priority
	})
	return rows.Err()
}

// buildGroups derives StrategyGroups: all items sharing a query_md5 pull
// together, so one fetch serves every strategy with the same query shape.
func buildGroups(snap *Snapshot) {
	for _, st := range snap.Strategies {
		if !st.IsEnabled {
			continue
		}
		for _, item := range st.Items {
			key := item.QueryMD5
			g := snap.Groups[key]
			if g == nil {
				g = &models.StrategyGroup{GroupKey: key}
				snap.Groups[key] = g
			}
			g.StrategyIDs = appendUnique(g.StrategyIDs, st.ID)
			g.Items = append(g.Items, item)
			if len(g.QueryConfigs) == 0 {
				g.QueryConfigs = item.QueryConfigs
			}
			for _, qc := range item.QueryConfigs {
				if g.Interval == 0 || (qc.Interval > 0 && qc.Interval < g.Interval) {
					g.Interval = qc.Interval
				}
			}
		}
	}
}

func appendUnique(ids []int, id int) []int {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
