package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skyeye-ops/skyeye/internal/api"
	"github.com/skyeye-ops/skyeye/internal/cache"
	"github.com/skyeye-ops/skyeye/internal/manager"
	"github.com/skyeye-ops/skyeye/internal/scheduler"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
)

var serviceStages = []string{"access", "detect", "trigger", "alert_builder", "action", "manager", "all"}

func newRunServiceCmd() *cobra.Command {
	var stage, handler string
	cmd := &cobra.Command{
		Use:   "run_service",
		Short: "Run one pipeline stage, or the whole pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validStage(stage) {
				return fmt.Errorf("unknown stage %q, want one of %v", stage, serviceStages)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if handler == "" {
				handler, _ = os.Hostname()
			}
			log.Info().Str("stage", stage).Str("handler", handler).Msg("service starting")

			g, ctx := errgroup.WithContext(ctx)
			runs := func(name string) bool { return stage == "all" || stage == name }

			var sched *scheduler.Scheduler
			if runs("access") {
				sched = a.newScheduler()
				g.Go(func() error { sched.Start(ctx); return nil })
			}
			if runs("detect") {
				svc := a.newDetect()
				g.Go(func() error { svc.Run(ctx); return nil })
			}
			if runs("trigger") {
				svc := a.newTrigger()
				g.Go(func() error { svc.Run(ctx); return nil })
			}
			if runs("alert_builder") {
				svc := a.newBuilder(handler)
				g.Go(func() error { svc.Run(ctx); return nil })
			}
			actionSvc := a.newAction()
			if runs("action") {
				g.Go(func() error { actionSvc.Run(ctx); return nil })
			}
			mgr := a.newManager()
			if runs("manager") {
				g.Go(func() error { mgr.Run(ctx); return nil })
			}

			cronAction := actionSvc
			if !runs("action") {
				cronAction = nil
			}
			if err := a.startCron(ctx, cronAction); err != nil {
				return err
			}

			poller := selfmonitor.NewPoller(a.store, a.topic)
			g.Go(func() error { poller.Run(ctx); return nil })

			g.Go(func() error { return serveHTTP(ctx, cfg.Server.BindAddr, mgr, a) })

			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&stage, "service", "s", "all", "stage to run: "+fmt.Sprint(serviceStages))
	cmd.Flags().StringVarP(&handler, "handler", "H", "", "worker handler name, defaults to hostname")
	return cmd
}

func validStage(s string) bool {
	for _, v := range serviceStages {
		if v == s {
			return true
		}
	}
	return false
}

func serveHTTP(ctx context.Context, addr string, mgr *manager.Manager, a *app) error {
	router := gin.New()
	router.Use(gin.Recovery())
	api.New(mgr, a.docs, a.store).Register(router)

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// newRunDiscoveryCmd registers this process in the worker set without
// taking pipeline work, so operators can grow the ring before rollout.
func newRunDiscoveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run_discovery_service",
		Short: "Heartbeat into the worker set without running any stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interval := parseDuration(cfg.Scheduler.HeartbeatInterval, 10*time.Second)
			ttl := parseDuration(cfg.Scheduler.HeartbeatTTL, 3*interval)
			host, _ := os.Hostname()
			workerID := host + "-discovery"

			log.Info().Str("worker", workerID).Msg("discovery heartbeat starting")
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				if err := a.store.Heartbeat(ctx, workerID, ttl); err != nil {
					log.Error().Err(err).Msg("heartbeat failed")
				}
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
			}
		},
	}
}

func newRefreshCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh_backend_cache [module|all]",
		Short: "Reload the strategy cache from the configuration store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := "all"
			if len(args) == 1 {
				module = args[0]
			}
			switch module {
			case "all", "strategy", "user_group", "shield", "calendar", "dispatch":
			default:
				return fmt.Errorf("unknown cache module %q", module)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.loader == nil {
				return fmt.Errorf("config store not configured")
			}
			// the loader swaps a whole generation; a single-module refresh
			// still reloads everything to keep the snapshot consistent
			if err := a.loader.Refresh(context.Background()); err != nil {
				return err
			}
			snap := a.cache.Current()
			fmt.Printf("refreshed generation %d: %d strategies, %d groups\n",
				snap.Generation, len(snap.Strategies), len(snap.Groups))
			return nil
		},
	}
}

func newCheckLifecycleCmd() *cobra.Command {
	var timeoutSec int
	cmd := &cobra.Command{
		Use:   "check_lifecycle",
		Short: "Verify backing stores answer and workers are alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Ping(ctx); err != nil {
				return fmt.Errorf("kv store: %w", err)
			}
			if err := a.docs.Ping(ctx); err != nil {
				return fmt.Errorf("doc store: %w", err)
			}
			workers, err := a.store.LiveWorkers(ctx)
			if err != nil {
				return fmt.Errorf("worker set: %w", err)
			}
			if len(workers) == 0 {
				return fmt.Errorf("no live workers")
			}
			fmt.Printf("kv store ok, doc store ok, %d live workers\n", len(workers))
			return nil
		},
	}
	cmd.Flags().IntVarP(&timeoutSec, "timeout", "t", 10, "check timeout in seconds")
	return cmd
}

func newAlertCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alert_check <alert_id>",
		Short: "Check one alert's document and snapshot agree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.newManager().CheckLifecycle(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("alert %s ok\n", args[0])
			return nil
		},
	}
}

func newHashRingCmd() *cobra.Command {
	var bizID int
	var host string
	cmd := &cobra.Command{
		Use:   "hash_ring",
		Short: "Print group ownership across live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			workers, err := a.store.LiveWorkers(ctx)
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				return fmt.Errorf("no live workers")
			}
			ring := scheduler.NewHashRing(cfg.Scheduler.VirtualNodes)
			ring.Rebuild(workers)

			snap := a.cache.Current()
			owned := ring.Ownership(snap.GroupKeys())
			keys := make([]string, 0, len(owned))
			for k := range owned {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, key := range keys {
				owner := owned[key]
				if host != "" && owner != host {
					continue
				}
				if bizID != 0 && !groupHasBiz(snap, key, bizID) {
					continue
				}
				fmt.Printf("%s -> %s\n", key, owner)
			}
			fmt.Printf("%d groups across %d workers\n", len(keys), len(workers))
			return nil
		},
	}
	cmd.Flags().IntVar(&bizID, "biz_id", 0, "only groups carrying strategies of this business")
	cmd.Flags().StringVar(&host, "host", "", "only groups owned by this worker")
	return cmd
}

func groupHasBiz(snap *cache.Snapshot, key string, bizID int) bool {
	group := snap.Group(key)
	if group == nil {
		return false
	}
	for _, id := range group.StrategyIDs {
		if s := snap.Strategy(id); s != nil && s.BizID == bizID {
			return true
		}
	}
	return false
}
