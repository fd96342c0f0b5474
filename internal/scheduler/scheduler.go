package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

// AccessRunner is the Access stage entry point invoked for owned groups.
type AccessRunner interface {
	RunAccess(ctx context.Context, groupKey string) error
}

// Deps wires the scheduler.
type Deps struct {
	Store             *storage.Store
	Cache             *cache.Cache
	Runner            AccessRunner
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	DispatchInterval  time.Duration
	GroupLockTTL      time.Duration
	VirtualNodes      int
	MinInterval       time.Duration // default inter-pull interval per group
}

// Scheduler runs on every worker. It heartbeats, rebuilds the hashring from
// live workers, and runs Access for the groups this worker owns. Ownership
// is advisory; the per-group lock is what serializes ticks.
type Scheduler struct {
	deps     Deps
	workerID string
	ring     *HashRing
	bucket   *TokenBucket
}

func New(deps Deps) *Scheduler {
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 10 * time.Second
	}
	if deps.HeartbeatTTL <= 0 {
		deps.HeartbeatTTL = 3 * deps.HeartbeatInterval
	}
	if deps.DispatchInterval <= 0 {
		deps.DispatchInterval = 10 * time.Second
	}
	if deps.GroupLockTTL <= 0 {
		deps.GroupLockTTL = 60 * time.Second
	}
	if deps.MinInterval <= 0 {
		deps.MinInterval = 60 * time.Second
	}
	host, _ := os.Hostname()
	return &Scheduler{
		deps:     deps,
		workerID: host + "-" + uuid.NewString()[:8],
		ring:     NewHashRing(deps.VirtualNodes),
		bucket:   NewTokenBucket(deps.Store),
	}
}

func (s *Scheduler) WorkerID() string { return s.workerID }

// Ring exposes ownership for the hash_ring operator command.
func (s *Scheduler) Ring() *HashRing { return s.ring }

// Start runs heartbeat and dispatch loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.heartbeatLoop(ctx)
	s.dispatchLoop(ctx)
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.deps.HeartbeatInterval)
	defer t.Stop()
	// register immediately so the first dispatch tick sees this worker
	if err := s.deps.Store.Heartbeat(ctx, s.workerID, s.deps.HeartbeatTTL); err != nil {
		log.Error().Err(err).Str("worker", s.workerID).Msg("initial heartbeat failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.deps.Store.Heartbeat(ctx, s.workerID, s.deps.HeartbeatTTL); err != nil {
				log.Error().Err(err).Str("worker", s.workerID).Msg("heartbeat failed")
			}
		}
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	t := time.NewTicker(s.deps.DispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.dispatchOnce(ctx); err != nil {
				log.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

// dispatchOnce rebuilds the ring and runs Access for every owned group that
// passes its token bucket and lock. Units are serial within a tick; a dead
// worker's in-flight lock simply expires by TTL and the group resumes from
// its checkpoint on a later tick.
func (s *Scheduler) dispatchOnce(ctx context.Context) error {
	workers, err := s.deps.Store.LiveWorkers(ctx)
	if err != nil {
		return err
	}
	s.ring.Rebuild(workers)

	snap := s.deps.Cache.Current()
	owned := 0
	for _, groupKey := range snap.GroupKeys() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.ring.Owner(groupKey) != s.workerID {
			continue
		}
		owned++
		s.runGroup(ctx, snap.Group(groupKey).Interval, groupKey)
	}
	if owned > 0 {
		selfmonitor.LeaderGauge.Set(1)
	} else {
		selfmonitor.LeaderGauge.Set(0)
	}
	return nil
}

func (s *Scheduler) runGroup(ctx context.Context, intervalSec int, groupKey string) {
	interval := s.deps.MinInterval
	if intervalSec > 0 {
		interval = time.Duration(intervalSec) * time.Second
	}
	ok, err := s.bucket.Take(ctx, groupKey, interval)
	if err != nil {
		log.Error().Err(err).Str("group_key", groupKey).Msg("token bucket check failed")
		return
	}
	if !ok {
		return
	}

	lockKey := s.deps.Store.Keys.ServiceLock("access", groupKey)
	token, err := s.deps.Store.AcquireLock(ctx, lockKey, s.deps.GroupLockTTL)
	if err != nil {
		log.Error().Err(err).Str("group_key", groupKey).Msg("group lock acquire failed")
		return
	}
	if token == "" {
		// expected contention: another worker owns this tick
		log.Info().Str("group_key", groupKey).Msg("group lock held elsewhere, skip tick")
		return
	}
	defer func() {
		if err := s.deps.Store.ReleaseLock(ctx, lockKey, token); err != nil {
			log.Error().Err(err).Str("group_key", groupKey).Msg("group lock release failed")
		}
	}()

	started := time.Now()
	if err := s.deps.Runner.RunAccess(ctx, groupKey); err != nil {
		log.Error().Err(err).Str("group_key", groupKey).Msg("access run failed")
	}
	if err := s.bucket.Charge(ctx, groupKey, time.Since(started)); err != nil {
		log.Error().Err(err).Str("group_key", groupKey).Msg("token bucket charge failed")
	}
}

// RunExclusive executes fn under a named cron lock: only one worker in the
// fleet runs it per schedule. Release is compare-and-delete on the token.
func RunExclusive(ctx context.Context, store *storage.Store, name string, ttl time.Duration, fn func(context.Context) error) {
	key := store.Keys.CronLock(name)
	token, err := store.AcquireLock(ctx, key, ttl)
	if err != nil {
		log.Error().Err(err).Str("lock", name).Msg("cron lock acquire failed")
		return
	}
	if token == "" {
		return
	}
	defer func() {
		if err := store.ReleaseLock(ctx, key, token); err != nil {
			log.Error().Err(err).Str("lock", name).Msg("cron lock release failed")
		}
	}()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("lock", name).Msg("exclusive task failed")
	}
}
