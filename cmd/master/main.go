package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hivenet/internal/clock"
	"hivenet/internal/config"
	"hivenet/internal/logging"
	"hivenet/internal/master/dispatcher"
	"hivenet/internal/master/ledger"
	"hivenet/internal/master/planner"
	"hivenet/internal/master/scheduler"
	"hivenet/internal/metrics"
	"hivenet/internal/oracle"
	"hivenet/pkg/store"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "hivenet.yaml", "path to the config file")
	strategy := flag.String("strategy", "", "override scheduler.strategy (batching | basic)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *strategy != "" {
		cfg.Scheduler.Strategy = *strategy
	}

	log, flush, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	if err := run(cfg, log); err != nil {
		log.Error(err, "master exited")
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logr.Logger) error {
	// 1. 初始化 Etcd 连接
	etcdManager, err := store.NewEtcdManager(store.EtcdConfig{
		Endpoints:       cfg.Etcd.Endpoints,
		DialTimeout:     cfg.Etcd.DialTimeout,
		Prefix:          cfg.Etcd.Prefix,
		CommandCapacity: cfg.Bus.Capacity,
		LeaseTTL:        cfg.Worker.LeaseTTL,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer etcdManager.Close()
	log.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)

	st := store.Store(etcdManager)
	if cfg.Bus.Backend == "redis" {
		bus := store.NewRedisBus(store.RedisConfig{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			Prefix:          cfg.Redis.Prefix,
			CommandCapacity: cfg.Bus.Capacity,
			Logger:          log,
		})
		defer bus.Close()
		st = store.Split{Registry: etcdManager, Bus: bus}
		log.Info("commands go through redis", "addr", cfg.Redis.Addr)
	}

	rec, err := metrics.New(nil)
	if err != nil {
		return err
	}

	// 2. 初始化调度器 (依赖注入)
	or := oracle.NewRegistry(st, cfg.Costs.Table(), cfg.Scheduler.Level)
	strategy, err := scheduler.StrategyByName(cfg.Scheduler.Strategy)
	if err != nil {
		return err
	}
	clk := clock.Real{}
	limiter := rate.NewLimiter(rate.Limit(cfg.Dispatch.RatePerSecond), cfg.Dispatch.Burst)
	sched := scheduler.NewScheduler(scheduler.Config{
		TickInterval:         cfg.Scheduler.TickInterval,
		BatchGap:             cfg.Scheduler.BatchGap,
		BaseDelay:            cfg.Scheduler.BaseDelay,
		AllowPartial:         cfg.Scheduler.PartialAllowed(),
		PrepareMaxIterations: cfg.Scheduler.PrepareMaxIterations,
	}, scheduler.Deps{
		Oracle: or,
		Planner: planner.New(or, planner.Config{
			ExtractShare:    cfg.Scheduler.ExtractShare,
			ReplenishPasses: cfg.Scheduler.ReplenishPasses,
			MaxExtractUnits: cfg.Scheduler.MaxExtractUnits,
		}),
		Ledger:     ledger.New(log, rec),
		Dispatcher: dispatcher.New(st, limiter, clk, log, rec),
		Errors:     st,
		Clock:      clk,
		Log:        log,
		Metrics:    rec,
	}, strategy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	if err := st.SetBeacon(ctx, hostname); err != nil {
		return fmt.Errorf("set beacon: %w", err)
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.ClearBeacon(clearCtx); err != nil {
			log.Error(err, "clear beacon")
		}
	}()

	// 3. 启动调度器; Run returns after the shutdown kill
	sched.Run(ctx)
	log.Info("shutting down master")
	return nil
}
