package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/access"
	"github.com/skyeye-ops/skyeye/internal/action"
	"github.com/skyeye-ops/skyeye/internal/alertbuilder"
	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/detect"
	"github.com/skyeye-ops/skyeye/internal/manager"
	"github.com/skyeye-ops/skyeye/internal/scheduler"
	"github.com/skyeye-ops/skyeye/internal/storage"
	"github.com/skyeye-ops/skyeye/internal/trigger"
)

// app wires the shared infrastructure every command variant builds on.
type app struct {
	cfg    *config.Config
	store  *storage.Store
	docs   *storage.DocStore
	cache  *cache.Cache
	loader *cache.Loader
	topic  *storage.EventTopic
	cron   *cron.Cron
}

func newApp(cfg *config.Config) (*app, error) {
	store := storage.NewStore(&cfg.Redis)
	if err := store.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("kv store unreachable: %w", err)
	}
	docs, err := storage.NewDocStore(&cfg.DocStore)
	if err != nil {
		return nil, fmt.Errorf("doc store init: %w", err)
	}

	c := cache.NewCache()
	var loader *cache.Loader
	if db, err := cache.NewDatabase(&cfg.ConfigStore); err == nil {
		loader = cache.NewLoader(db, c)
		if err := loader.Refresh(context.Background()); err != nil {
			log.Error().Err(err).Msg("initial cache refresh failed, starting with empty generation")
		}
	} else {
		log.Error().Err(err).Msg("config store unreachable, starting with empty cache")
	}

	group := cfg.Builder.ConsumerGroup
	if group == "" {
		group = "alert_builder"
	}
	return &app{
		cfg:    cfg,
		store:  store,
		docs:   docs,
		cache:  c,
		loader: loader,
		topic:  storage.NewEventTopic(store, group),
		cron:   cron.New(),
	}, nil
}

func (a *app) Close() {
	if a.cron != nil {
		a.cron.Stop()
	}
	a.store.Close()
}

// startCron registers the hot-config refresh and the retry sweep. Every
// entry runs under a named lock so only one worker executes a tick.
func (a *app) startCron(ctx context.Context, actionSvc *action.Service) error {
	refreshSpec := a.cfg.Cache.RefreshSpec
	if refreshSpec == "" {
		refreshSpec = "@every 1m"
	}
	if a.loader != nil {
		if _, err := a.cron.AddFunc(refreshSpec, func() {
			scheduler.RunExclusive(ctx, a.store, "cache_refresh", time.Minute, a.loader.Refresh)
		}); err != nil {
			return err
		}
	}
	if actionSvc != nil {
		sweepSpec := a.cfg.Action.SweepSpec
		if sweepSpec == "" {
			sweepSpec = "@every 30s"
		}
		if _, err := a.cron.AddFunc(sweepSpec, func() {
			scheduler.RunExclusive(ctx, a.store, "action_retry_sweep", time.Minute, actionSvc.SweepRetries)
		}); err != nil {
			return err
		}
	}
	a.cron.Start()
	return nil
}

func (a *app) accessRunner() *access.Runner {
	timeout := parseDuration(a.cfg.Access.Timeout, 30*time.Second)
	registry := access.BuildRegistry(a.cfg.Access.PromURL, a.cfg.Access.EventAPI, timeout, a.docs, a.store)
	return access.NewRunner(a.store, a.cache, registry, &a.cfg.Access)
}

func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Deps{
		Store:             a.store,
		Cache:             a.cache,
		Runner:            a.accessRunner(),
		HeartbeatInterval: parseDuration(a.cfg.Scheduler.HeartbeatInterval, 10*time.Second),
		HeartbeatTTL:      parseDuration(a.cfg.Scheduler.HeartbeatTTL, 30*time.Second),
		DispatchInterval:  parseDuration(a.cfg.Scheduler.DispatchInterval, 10*time.Second),
		GroupLockTTL:      parseDuration(a.cfg.Scheduler.GroupLockTTL, time.Minute),
		VirtualNodes:      a.cfg.Scheduler.VirtualNodes,
		MinInterval:       time.Duration(a.cfg.Access.MinInterval) * time.Second,
	})
}

func (a *app) newDetect() *detect.Service {
	return detect.NewService(a.store, a.cache, detect.NewRegistry())
}

func (a *app) newTrigger() *trigger.Service {
	return trigger.NewService(a.store, a.cache, a.topic)
}

func (a *app) newBuilder(consumer string) *alertbuilder.Builder {
	return alertbuilder.NewBuilder(a.store, a.docs, a.cache, a.topic, &a.cfg.Builder, consumer)
}

func (a *app) newAction() *action.Service {
	timeout := parseDuration(a.cfg.Action.Timeout, 30*time.Second)
	registry := action.NewPluginRegistry(
		action.NoticePlugin{Notifiers: action.BuildNotifiers(a.cfg.Action.Notifiers)},
		action.WebhookPlugin{Timeout: timeout},
		action.JobPlugin{ExecutorURL: a.cfg.Action.JobExecutorURL, Timeout: timeout},
	)
	registry.Register(action.CompositePlugin{Registry: registry})
	return action.NewService(a.store, a.docs, registry, &a.cfg.Action)
}

func (a *app) newManager() *manager.Manager {
	return manager.New(a.store, a.docs, a.cache)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
