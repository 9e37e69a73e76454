package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"hivenet/internal/worker/executor"
	"hivenet/pkg/model"
	"hivenet/pkg/store"

	"github.com/go-logr/logr"
)

// ErrKilled is returned by Run when a kill envelope named this worker.
var ErrKilled = errors.New("worker: killed")

type Config struct {
	ID                string
	Addr              string
	Version           string
	TotalCapacity     model.Memory
	HeartbeatInterval time.Duration
	// Costs is the capacity one unit of each operation occupies.
	Costs map[model.Operation]model.Memory
}

// Agent is one worker in the pool: it heartbeats its capacity, runs the
// share of each command addressed to it and exits on a kill.
type Agent struct {
	cfg   Config
	store store.Store
	exec  executor.Executor
	log   logr.Logger

	mu      sync.Mutex
	running model.Memory
	jobs    sync.WaitGroup
}

func NewAgent(cfg Config, s store.Store, exec executor.Executor, log logr.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "v1.0"
	}
	return &Agent{
		cfg:   cfg,
		store: s,
		exec:  exec,
		log:   log.WithName("worker").WithValues("worker", cfg.ID),
	}
}

// Run heartbeats and serves commands until ctx ends or a kill arrives.
// Running jobs are cancelled and waited for before it returns.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	killed := make(chan struct{})
	go a.watchKills(a.store.WatchKills(ctx), killed)

	// 1. 启动心跳
	a.register(ctx)
	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		a.startHeartbeat(ctx)
	}()

	// 2. 启动任务监听
	a.log.Info("waiting for commands", "capacity", a.cfg.TotalCapacity)
	events := a.store.WatchCommands(ctx, a.cfg.ID)

	var err error
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			a.handle(ctx, ev)
		case <-killed:
			err = ErrKilled
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	heartbeat.Wait()
	a.jobs.Wait()
	a.deregister()
	return err
}

func (a *Agent) watchKills(kills <-chan *model.Kill, killed chan<- struct{}) {
	for k := range kills {
		if k.Addresses(a.cfg.ID) {
			a.log.Info("kill received")
			close(killed)
			return
		}
	}
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.register(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// handle launches this worker's share of a command and then removes the
// worker from the envelope. Bad commands are reported and consumed too, so
// they do not linger on the channel.
func (a *Agent) handle(ctx context.Context, ev store.CommandEvent) {
	cmd := ev.Command
	assignment, ok := cmd.For(a.cfg.ID)
	if !ok {
		return
	}
	log := a.log.WithValues("command", cmd.ID, "operation", cmd.Kind, "target", cmd.TargetID)

	switch {
	case !cmd.Kind.Valid():
		a.report(ctx, model.ReportUnknownCommand, cmd, "")
	case !a.targetExists(ctx, cmd.TargetID):
		a.report(ctx, model.ReportMissingTarget, cmd, "")
	default:
		job := executor.Job{
			CommandID: cmd.ID,
			Op:        cmd.Kind,
			TargetID:  cmd.TargetID,
			Units:     max(assignment.Units, 1),
		}
		job.Memory = model.Memory(job.Units) * a.cfg.Costs[cmd.Kind]
		log.Info("received", "units", job.Units)
		a.launch(ctx, job, cmd)
	}

	if err := a.store.ConsumeCommand(ctx, ev, a.cfg.ID); err != nil && ctx.Err() == nil {
		log.Error(err, "consume command")
	}
}

func (a *Agent) targetExists(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	_, err := a.store.GetTarget(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// registry trouble is not the command's fault; run it anyway
		a.log.Error(err, "look up target", "target", id)
		return true
	}
	return err == nil
}

// launch 异步执行
func (a *Agent) launch(ctx context.Context, job executor.Job, cmd *model.Command) {
	a.adjustRunning(job.Memory)
	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		defer a.adjustRunning(-job.Memory)

		output, err := a.exec.Run(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error(err, "job failed", "command", job.CommandID, "output", output)
			a.report(ctx, model.ReportExecutorFailed, cmd, err.Error())
			return
		}
		a.log.V(1).Info("job done", "command", job.CommandID, "bytes", len(output))
	}()
}

func (a *Agent) report(ctx context.Context, kind string, cmd *model.Command, msg string) {
	r := &model.ErrorReport{
		Type:     kind,
		Command:  cmd.Kind,
		WorkerID: a.cfg.ID,
		TargetID: cmd.TargetID,
		Message:  msg,
		At:       time.Now(),
	}
	a.log.Info("reporting error", "type", kind, "command", cmd.ID)
	if err := a.store.ReportError(ctx, r); err != nil {
		a.log.Error(err, "report error")
	}
}

// Running is the capacity taken by stage jobs this worker is running. It
// is heartbeated apart from Used so the scheduler does not count a job
// under both its reservation and the node's load.
func (a *Agent) Running() model.Memory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Agent) adjustRunning(delta model.Memory) {
	a.mu.Lock()
	a.running += delta
	a.mu.Unlock()
}

func (a *Agent) register(ctx context.Context) {
	w := &model.Worker{
		ID:            a.cfg.ID,
		Addr:          a.cfg.Addr,
		Version:       a.cfg.Version,
		TotalCap:      a.cfg.TotalCapacity,
		Running:       a.Running(),
		Status:        model.WorkerReady,
		LastHeartbeat: time.Now().Unix(),
	}
	if err := a.store.RegisterWorker(ctx, w); err != nil && ctx.Err() == nil {
		a.log.Error(err, "heartbeat")
	}
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.RemoveWorker(ctx, a.cfg.ID); err != nil {
		a.log.Error(err, "deregister")
	}
}
