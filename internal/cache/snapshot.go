package cache

import (
	"sync/atomic"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Snapshot is one immutable cache generation. Stages read through the Cache
// and never mutate what they get back; a refresh swaps the whole generation.
type Snapshot struct {
	Generation int64
	LoadedAt   time.Time

	Strategies     map[int]*models.Strategy
	Groups         map[string]*models.StrategyGroup // by group_key (query_md5)
	UserGroups     map[int]*models.UserGroup
	Shields        []*models.ShieldConfig
	Calendars      map[int]*models.Calendar
	DispatchGroups []*models.DispatchRuleGroup // sorted ascending by priority
}

// Strategy returns nil when the id is unknown or the strategy is disabled;
// per the error policy a missing config means the unit is treated as disabled.
func (s *Snapshot) Strategy(id int) *models.Strategy {
	st := s.Strategies[id]
	if st == nil || !st.IsEnabled {
		return nil
	}
	return st
}

// Group returns the scheduling unit for a group key, nil when unknown.
func (s *Snapshot) Group(key string) *models.StrategyGroup { return s.Groups[key] }

// GroupKeys lists all schedulable group keys.
func (s *Snapshot) GroupKeys() []string {
	keys := make([]string, 0, len(s.Groups))
	for k := range s.Groups {
		keys = append(keys, k)
	}
	return keys
}

// ActiveShields returns shields whose window includes now.
func (s *Snapshot) ActiveShields(now time.Time) []*models.ShieldConfig {
	out := make([]*models.ShieldConfig, 0, len(s.Shields))
	for _, sh := range s.Shields {
		if sh.ActiveAt(now) {
			out = append(out, sh)
		}
	}
	return out
}

// Cache holds the current generation behind an atomic pointer.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(&Snapshot{
		Strategies: map[int]*models.Strategy{},
		Groups:     map[string]*models.StrategyGroup{},
		UserGroups: map[int]*models.UserGroup{},
		Calendars:  map[int]*models.Calendar{},
	})
	return c
}

// Current returns the live generation. Callers must treat it as read-only.
func (c *Cache) Current() *Snapshot { return c.current.Load() }

// Swap installs a new generation.
func (c *Cache) Swap(s *Snapshot) { c.current.Store(s) }
