package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hivenet/internal/config"
	"hivenet/internal/logging"
	"hivenet/internal/worker"
	"hivenet/internal/worker/executor"
	"hivenet/pkg/model"
	"hivenet/pkg/store"

	"github.com/go-logr/logr"
)

func main() {
	configPath := flag.String("config", "hivenet.yaml", "path to the config file")
	id := flag.String("id", "", "override worker.id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *id != "" {
		cfg.Worker.ID = *id
	}

	log, flush, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	if err := run(cfg, log); err != nil {
		log.Error(err, "worker exited")
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logr.Logger) error {
	// 1. 连接 Etcd
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
	}

	exec, err := executor.NewDockerExecutor(cfg.Worker.Images, log)
	if err != nil {
		return fmt.Errorf("init docker executor: %w", err)
	}
	defer exec.Close()

	// 2. 初始化 Worker Agent
	agent := worker.NewAgent(worker.Config{
		ID:                cfg.Worker.ID,
		TotalCapacity:     model.GB(cfg.Worker.TotalCapacity),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Costs:             cfg.Costs.Table(),
	}, st, exec, log)

	// 3. 启动 Agent, until a signal or a kill
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = agent.Run(ctx)
	if errors.Is(err, worker.ErrKilled) {
		log.Info("terminated by manager")
		return nil
	}
	log.Info("shutting down worker")
	return err
}
