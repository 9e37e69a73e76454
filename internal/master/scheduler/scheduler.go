package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hivenet/internal/clock"
	"hivenet/internal/master/ledger"
	"hivenet/internal/master/packer"
	"hivenet/internal/master/planner"
	"hivenet/internal/metrics"
	"hivenet/internal/oracle"
	"hivenet/pkg/model"

	"github.com/go-logr/logr"
)

var (
	// ErrCapacityShortfall means the pool cannot hold the batch this tick.
	ErrCapacityShortfall = errors.New("scheduler: capacity shortfall")
	// ErrEmptyPlan means the chosen work has no units to run; the tick is
	// skipped and nothing is held.
	ErrEmptyPlan = errors.New("scheduler: plan has no units")
)

// historySize is how many finished batches Completed keeps.
const historySize = 16

// Dispatcher sends stage commands and kills to the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, op model.Operation, targetID string, allocs []packer.Allocation) (*model.Command, error)
	Kill(ctx context.Context, workerIDs []string) error
}

// ErrorSource yields the best-effort reports workers leave behind.
type ErrorSource interface {
	DrainErrors(ctx context.Context) ([]*model.ErrorReport, error)
}

type Config struct {
	TickInterval         time.Duration
	BatchGap             time.Duration
	BaseDelay            time.Duration
	AllowPartial         bool
	PrepareMaxIterations int
}

type Deps struct {
	Oracle     oracle.Oracle
	Planner    *planner.Planner
	Ledger     *ledger.Ledger
	Dispatcher Dispatcher
	Errors     ErrorSource // optional
	Clock      clock.Clock
	Log        logr.Logger
	Metrics    *metrics.Recorder
}

// Scheduler 核心调度器结构体. All of its state is touched only from Tick
// (and Stop), which run on one goroutine.
type Scheduler struct {
	cfg        Config
	oracle     oracle.Oracle
	planner    *planner.Planner
	ledger     *ledger.Ledger
	dispatcher Dispatcher
	errors     ErrorSource
	clock      clock.Clock
	log        logr.Logger
	rec        *metrics.Recorder

	strategy Strategy
	pending  Strategy

	state    State
	timeline *Timeline
	batches  map[string]*Batch
	workers  []model.Worker
	known    map[string]bool
	history  []Batch
}

// NewScheduler 构造函数
func NewScheduler(cfg Config, deps Deps, strategy Strategy) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 200 * time.Millisecond
	}
	if cfg.PrepareMaxIterations <= 0 {
		cfg.PrepareMaxIterations = 50
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if strategy == nil {
		strategy = Batching{}
	}
	return &Scheduler{
		cfg:        cfg,
		oracle:     deps.Oracle,
		planner:    deps.Planner,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		errors:     deps.Errors,
		clock:      deps.Clock,
		log:        deps.Log.WithName("scheduler"),
		rec:        deps.Metrics,
		strategy:   strategy,
		timeline:   NewTimeline(),
		batches:    make(map[string]*Batch),
		known:      make(map[string]bool),
	}
}

func (s *Scheduler) State() State { return s.state }

func (s *Scheduler) Strategy() Strategy { return s.strategy }

// InFlight is the number of batches holding reservations.
func (s *Scheduler) InFlight() int { return len(s.batches) }

// Completed returns finished batches, oldest first.
func (s *Scheduler) Completed() []Batch {
	return append([]Batch(nil), s.history...)
}

// SetStrategy queues a strategy swap. It takes effect on the next idle
// tick, never in the middle of a batch.
func (s *Scheduler) SetStrategy(strategy Strategy) {
	s.pending = strategy
}

func (s *Scheduler) setState(next State) {
	if s.state != next {
		s.log.V(1).Info("state", "from", s.state, "to", next)
		s.state = next
	}
}

// Run 启动调度主循环. It ticks until ctx ends, then kills the pool and
// drops every reservation.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("started", "strategy", s.strategy.Name(), "tick", s.cfg.TickInterval)
	for {
		select {
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, ErrNoEligibleTarget) {
				s.log.V(1).Info("tick skipped", "reason", err.Error())
			}
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Stop(stopCtx); err != nil {
				s.log.Error(err, "stop")
			}
			cancel()
			s.log.Info("stopped")
			return
		}
	}
}

// Tick runs every due timeline entry, then, if no batch is in flight, asks
// the strategy for the next action and carries it out. The error says why
// nothing started; it is never fatal.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.syncWorkers(ctx)
	s.fireDue(ctx)
	s.drainReports(ctx)

	if len(s.batches) > 0 {
		s.settle()
		return nil
	}
	s.setState(StateIdle)
	if s.pending != nil {
		s.log.Info("strategy swapped", "from", s.strategy.Name(), "to", s.pending.Name())
		s.strategy, s.pending = s.pending, nil
	}

	view, err := s.view(ctx)
	if err != nil {
		return err
	}

	var runErr error
	switch a := s.strategy.Next(view).(type) {
	case Wait:
		return a.Reason
	case StartBatch:
		runErr = s.startBatch(ctx, a.Target)
	case RunStage:
		runErr = s.runStage(ctx, a)
	}

	switch {
	case errors.Is(runErr, ErrCapacityShortfall):
		s.rec.Shortfall(ctx)
		s.log.Info("capacity shortfall, retrying later", "reason", runErr.Error())
	case errors.Is(runErr, ErrEmptyPlan):
		s.log.Info("nothing to run", "reason", runErr.Error())
	case runErr != nil:
		s.log.Error(runErr, "tick")
	}
	s.settle()
	return runErr
}

func (s *Scheduler) view(ctx context.Context) (View, error) {
	targets, err := s.oracle.Targets(ctx)
	if err != nil {
		return View{}, err
	}
	level, err := s.oracle.Level(ctx)
	if err != nil {
		return View{}, err
	}
	return View{
		Targets:   targets,
		Workers:   s.workers,
		Level:     level,
		Available: s.ledger.PoolAvailable(s.workers),
		planner:   s.planner,
	}, nil
}

// syncWorkers refreshes the pool. Workers that left are forgotten by the
// ledger; their outstanding releases are skipped.
func (s *Scheduler) syncWorkers(ctx context.Context) {
	workers, err := s.oracle.Workers(ctx)
	if err != nil {
		s.log.Error(err, "list workers, keeping last view")
		return
	}
	present := make(map[string]bool, len(workers))
	for _, w := range workers {
		present[w.ID] = true
		if !s.known[w.ID] {
			s.log.Info("worker joined", "worker", w.ID, "capacity", w.TotalCap)
		}
	}
	for id := range s.known {
		if !present[id] {
			s.log.Info("worker left", "worker", id)
			s.ledger.Forget(id)
			for _, b := range s.batches {
				b.forget(id)
			}
		}
	}
	s.workers = workers
	s.known = present
}

func (s *Scheduler) drainReports(ctx context.Context) {
	if s.errors == nil {
		return
	}
	reports, err := s.errors.DrainErrors(ctx)
	if err != nil {
		s.log.Error(err, "drain worker reports")
		return
	}
	for _, r := range reports {
		s.log.Info("worker report", "type", r.Type, "worker", r.WorkerID,
			"command", r.Command, "target", r.TargetID, "message", r.Message)
	}
}

// settle derives the state from what is still queued.
func (s *Scheduler) settle() {
	switch {
	case len(s.batches) == 0:
		s.setState(StateIdle)
	case s.timeline.count(entryDispatch) > 0:
		s.setState(StateDispatching)
	default:
		s.setState(StateDraining)
	}
}

// startBatch walks one target through preparing, planning, packing and
// reservation, then queues the four dispatches.
func (s *Scheduler) startBatch(ctx context.Context, t model.Target) error {
	log := s.log.WithValues("target", t.ID)

	s.setState(StatePreparing)
	if !t.Clean() {
		if err := s.prepare(ctx, t.ID); err != nil {
			return err
		}
		fresh, err := s.oracle.Target(ctx, t.ID)
		if err != nil {
			return err
		}
		t = fresh
		// time passed while preparing
		s.syncWorkers(ctx)
	}

	s.setState(StatePlanning)
	plan, err := s.planner.Batch(t)
	if err != nil {
		return err
	}
	if plan.Empty() {
		return fmt.Errorf("batch on %s: %w", t.ID, ErrEmptyPlan)
	}
	available := s.ledger.PoolAvailable(s.workers)
	if plan.Cost() > available {
		if !s.cfg.AllowPartial {
			return fmt.Errorf("batch needs %s, pool has %s: %w", plan.Cost(), available, ErrCapacityShortfall)
		}
		scaled, ok := s.planner.Scale(t, plan, available)
		if !ok {
			return fmt.Errorf("no partial batch fits %s: %w", available, ErrCapacityShortfall)
		}
		log.Info("scaling to a partial batch", "needed", plan.Cost(), "available", available)
		plan = scaled
	}

	s.setState(StatePacking)
	b := newBatch(plan)
	for attempt := 0; ; attempt++ {
		short := s.packBatch(b, s.workers)
		if short == 0 {
			break
		}
		// fragmentation: the pool total fits but the pieces do not
		if !s.cfg.AllowPartial || attempt == 2 {
			return fmt.Errorf("packing left %s unplaced: %w", short, ErrCapacityShortfall)
		}
		scaled, ok := s.planner.Scale(t, b.Plan, b.Plan.Cost()-short)
		if !ok {
			return fmt.Errorf("packing left %s unplaced: %w", short, ErrCapacityShortfall)
		}
		b = newBatch(scaled)
	}
	if err := s.reserve(b); err != nil {
		return err
	}

	s.setState(StateDispatching)
	durs, err := s.stageDurations(ctx, t.ID)
	if err != nil {
		s.releaseAll(b)
		return err
	}
	start := s.clock.Now().Add(s.cfg.BaseDelay)
	b.DispatchAt, b.LandAt = landingSchedule(start, durs, b.Active, s.cfg.BatchGap)
	if !s.track(b) {
		s.releaseAll(b)
		return fmt.Errorf("batch on %s packed no stage: %w", t.ID, ErrEmptyPlan)
	}

	s.rec.BatchStarted(ctx, t.ID, b.Plan.Partial)
	log.Info("batch scheduled", "batch", b.ID, "partial", b.Plan.Partial,
		"reduce1", b.Plan.Units(model.StageReduceFirst),
		"replenish", b.Plan.Units(model.StageReplenish),
		"reduce2", b.Plan.Units(model.StageReduceSecond),
		"extract", b.Plan.Units(model.StageExtract),
		"cost", b.Plan.Cost())

	s.fireDue(ctx)
	return nil
}

// runStage carries out a lone stage from the basic strategy as a one-stage
// batch dispatched immediately.
func (s *Scheduler) runStage(ctx context.Context, a RunStage) error {
	op := a.Stage.Operation()
	cost, err := s.planner.UnitCost(op)
	if err != nil {
		return err
	}
	if a.Need.Bounded() && a.Need.Count() == 0 {
		return fmt.Errorf("%s on %s: %w", a.Stage, a.Target.ID, ErrEmptyPlan)
	}
	res := packer.Pack(packer.Request{
		Workers:  s.workers,
		Reserved: s.ledger.Snapshot(),
		UnitCost: cost,
		Need:     a.Need,
	})
	if res.Units == 0 {
		return fmt.Errorf("%s on %s: %w", a.Stage, a.Target.ID, ErrCapacityShortfall)
	}

	plan := model.Plan{TargetID: a.Target.ID}
	plan.Stages[a.Stage] = model.StagePlan{Stage: a.Stage, Units: res.Units, UnitCost: cost}
	b := newBatch(plan)
	b.Single = true
	b.Allocs[a.Stage] = res.Allocations
	b.Active[a.Stage] = true
	if err := s.reserve(b); err != nil {
		return err
	}
	now := s.clock.Now()
	b.DispatchAt[a.Stage] = now
	if !s.track(b) {
		s.releaseAll(b)
		return fmt.Errorf("%s on %s: %w", a.Stage, a.Target.ID, ErrEmptyPlan)
	}

	s.log.Info("running stage", "target", a.Target.ID, "stage", a.Stage, "units", res.Units)
	s.fireDue(ctx)
	return nil
}

// track registers the batch and queues a dispatch per active stage. A
// batch with no active stage would never release, so it is refused.
func (s *Scheduler) track(b *Batch) bool {
	for stage, active := range b.Active {
		if !active {
			continue
		}
		b.open++
		s.timeline.Push(Entry{At: b.DispatchAt[stage], Kind: entryDispatch, BatchID: b.ID, Stage: model.Stage(stage)})
	}
	if b.open == 0 {
		return false
	}
	s.batches[b.ID] = b
	return true
}

// fireDue runs every entry due now. A release queued by a dispatch in this
// pass runs in the same pass if it is already due.
func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		e, ok := s.timeline.Next(s.clock.Now())
		if !ok {
			return
		}
		b, ok := s.batches[e.BatchID]
		if !ok {
			continue
		}
		switch e.Kind {
		case entryDispatch:
			s.dispatchStage(ctx, b, e.Stage)
		case entryRelease:
			s.releaseStage(b, e.Stage)
		}
	}
}

// dispatchStage sends one stage and queues its release for when the
// stage's effect lands. A refused dispatch frees its capacity at once and
// the batch carries on without that stage.
func (s *Scheduler) dispatchStage(ctx context.Context, b *Batch, stage model.Stage) {
	op := stage.Operation()
	now := s.clock.Now()

	d, err := s.oracle.Duration(ctx, op, b.TargetID)
	if err != nil {
		d = b.LandAt[stage].Sub(b.DispatchAt[stage])
		s.log.Error(err, "requery duration, using planned", "stage", stage, "duration", d)
	}

	_, err = s.dispatcher.Dispatch(ctx, op, b.TargetID, b.Allocs[stage])
	b.Dispatched[stage] = now
	releaseAt := now.Add(d)
	if err != nil {
		b.Failed[stage] = true
		releaseAt = now
		s.log.Info("stage understaffed after failed dispatch", "batch", b.ID, "stage", stage)
	}
	s.timeline.Push(Entry{At: releaseAt, Kind: entryRelease, BatchID: b.ID, Stage: stage})
}

func (s *Scheduler) releaseStage(b *Batch, stage model.Stage) {
	cost := b.Plan.Stages[stage].UnitCost
	for _, a := range b.Allocs[stage] {
		if b.forgotten[a.WorkerID] {
			// dropped by the ledger when the worker left
			continue
		}
		s.ledger.Release(a.WorkerID, model.Memory(a.Units)*cost)
	}
	b.Released[stage] = s.clock.Now()
	b.open--
	if b.open > 0 {
		return
	}

	delete(s.batches, b.ID)
	s.history = append(s.history, *b)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.log.Info("batch finished", "batch", b.ID, "target", b.TargetID, "single", b.Single)
}

// releaseAll drops a batch that never got queued.
func (s *Scheduler) releaseAll(b *Batch) {
	for id, m := range b.reservedOn() {
		s.ledger.Release(id, m)
	}
}

// Stop broadcasts a kill to the pool, drops every pending timeline entry
// and discards every reservation.
func (s *Scheduler) Stop(ctx context.Context) error {
	ids := model.WorkerIDs(s.workers)
	s.timeline.Clear()
	s.batches = make(map[string]*Batch)
	s.ledger.Reset()
	s.setState(StateIdle)
	if len(ids) == 0 {
		return nil
	}
	return s.dispatcher.Kill(ctx, ids)
}
