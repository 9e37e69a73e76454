package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hivenet/internal/config"
	"hivenet/pkg/model"
	"hivenet/pkg/store"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

const usage = `usage: hivectl [-config hivenet.yaml] <command> [args]

commands:
  publish <targets.yaml>   register or update targets
  targets                  list targets
  workers                  list the worker pool
  errors                   print and clear worker error reports
  kill [worker ...]        ask workers to exit (all when none named)
`

// targetFile is the YAML shape publish reads.
type targetFile struct {
	Targets []model.Target `yaml:"targets"`
}

func main() {
	configPath := flag.String("config", "hivenet.yaml", "path to the config file")
	timeout := flag.Duration("timeout", 5*time.Second, "per-command timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	etcdManager, err := store.NewEtcdManager(store.EtcdConfig{
		Endpoints:       cfg.Etcd.Endpoints,
		DialTimeout:     cfg.Etcd.DialTimeout,
		Prefix:          cfg.Etcd.Prefix,
		CommandCapacity: cfg.Bus.Capacity,
		LeaseTTL:        cfg.Worker.LeaseTTL,
		Logger:          logr.Discard(),
	})
	if err != nil {
		fail(fmt.Errorf("connect to etcd: %w", err))
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
			Logger:          logr.Discard(),
		})
		defer bus.Close()
		st = store.Split{Registry: etcdManager, Bus: bus}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	switch args[0] {
	case "publish":
		if len(args) != 2 {
			fail(errors.New("publish takes one file"))
		}
		err = publish(ctx, st, args[1])
	case "targets":
		err = listTargets(ctx, st)
	case "workers":
		err = listWorkers(ctx, st)
	case "errors":
		err = drainErrors(ctx, st)
	case "kill":
		err = kill(ctx, st, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "hivectl:", err)
	os.Exit(1)
}

func publish(ctx context.Context, st store.Store, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f targetFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range f.Targets {
		t := &f.Targets[i]
		if t.ID == "" {
			return fmt.Errorf("target %d has no id", i)
		}
		if err := st.PutTarget(ctx, t); err != nil {
			return fmt.Errorf("put %s: %w", t.ID, err)
		}
		fmt.Printf("published %s\n", t.ID)
	}
	return nil
}

func listTargets(ctx context.Context, st store.Store) error {
	ts, err := st.ListTargets(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-20s %5s %14s %14s %8s %8s\n", "ID", "LEVEL", "RESOURCE", "MAX", "DEFENSE", "MIN")
	for _, t := range ts {
		fmt.Printf("%-20s %5d %14.0f %14.0f %8.2f %8.2f\n",
			t.ID, t.RequiredLevel, t.Resource, t.MaxResource, t.Defense, t.MinDefense)
	}
	return nil
}

func listWorkers(ctx context.Context, st store.Store) error {
	ws, err := st.ListWorkers(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-20s %-8s %10s %10s %10s %s\n", "ID", "STATUS", "TOTAL", "USED", "RUNNING", "HEARTBEAT")
	for _, w := range ws {
		fmt.Printf("%-20s %-8s %10s %10s %10s %s\n", w.ID, w.Status, w.TotalCap, w.Used, w.Running,
			time.Unix(w.LastHeartbeat, 0).Format(time.TimeOnly))
	}
	return nil
}

func drainErrors(ctx context.Context, st store.Store) error {
	reports, err := st.DrainErrors(ctx)
	if err != nil {
		return err
	}
	for _, r := range reports {
		fmt.Printf("%s %-16s worker=%s command=%s target=%s %s\n",
			r.At.Format(time.TimeOnly), r.Type, r.WorkerID, r.Command, r.TargetID, r.Message)
	}
	return nil
}

func kill(ctx context.Context, st store.Store, ids []string) error {
	if len(ids) == 0 {
		ws, err := st.ListWorkers(ctx)
		if err != nil {
			return err
		}
		for _, w := range ws {
			ids = append(ids, w.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Println("no workers")
		return nil
	}
	if err := st.ClearCommands(ctx); err != nil {
		return err
	}
	if err := st.WriteKill(ctx, &model.Kill{WorkerIDs: ids, IssuedAt: time.Now()}); err != nil {
		return err
	}
	fmt.Printf("kill sent to %s\n", strings.Join(ids, ", "))
	return nil
}
