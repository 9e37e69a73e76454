package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"hivenet/internal/clock"
	"hivenet/internal/master/ledger"
	"hivenet/internal/master/packer"
	"hivenet/internal/master/planner"
	"hivenet/pkg/model"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeOracle serves fixed targets and workers; every unit costs 10.
type fakeOracle struct {
	targets map[string]*model.Target
	order   []string
	workers []model.Worker
	level   int
}

func newFakeOracle(workers ...model.Worker) *fakeOracle {
	return &fakeOracle{targets: make(map[string]*model.Target), workers: workers, level: 1}
}

func (o *fakeOracle) add(t model.Target) {
	o.targets[t.ID] = &t
	o.order = append(o.order, t.ID)
}

func (o *fakeOracle) Targets(context.Context) ([]model.Target, error) {
	out := make([]model.Target, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.targets[id])
	}
	return out, nil
}

func (o *fakeOracle) Target(_ context.Context, id string) (model.Target, error) {
	t, ok := o.targets[id]
	if !ok {
		return model.Target{}, errors.New("no such target")
	}
	return *t, nil
}

func (o *fakeOracle) Workers(context.Context) ([]model.Worker, error) {
	return append([]model.Worker(nil), o.workers...), nil
}

func (o *fakeOracle) Duration(_ context.Context, op model.Operation, id string) (time.Duration, error) {
	return o.targets[id].Durations.Of(op), nil
}

func (o *fakeOracle) UnitCost(model.Operation) (model.Memory, error) { return 10, nil }
func (o *fakeOracle) Level(context.Context) (int, error)             { return o.level, nil }

type sent struct {
	op     model.Operation
	target string
	units  int
	at     time.Time
}

type fakeDispatcher struct {
	clk    clock.Clock
	sent   []sent
	failOn model.Operation
	killed []string
	// onDispatch lets a test move the target the way a landed stage would
	onDispatch func(op model.Operation, units int)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, op model.Operation, targetID string, allocs []packer.Allocation) (*model.Command, error) {
	units := 0
	for _, a := range allocs {
		units += a.Units
	}
	if op == d.failOn {
		return nil, errors.New("channel full")
	}
	d.sent = append(d.sent, sent{op: op, target: targetID, units: units, at: d.clk.Now()})
	if d.onDispatch != nil {
		d.onDispatch(op, units)
	}
	return &model.Command{Kind: op, TargetID: targetID}, nil
}

func (d *fakeDispatcher) Kill(_ context.Context, ids []string) error {
	d.killed = append(d.killed, ids...)
	return nil
}

// cleanTarget plans to exactly one unit per stage: extract takes half,
// one replenish unit doubles it back, and each reduction cancels one
// unit's defense.
func cleanTarget(id string, maxResource float64) model.Target {
	return model.Target{
		ID:            id,
		RequiredLevel: 1,
		Resource:      maxResource,
		MaxResource:   maxResource,
		Defense:       5,
		MinDefense:    5,
		Effects: model.Effects{
			ExtractFraction:  0.5,
			ExtractDefense:   0.1,
			ReplenishDefense: 0.1,
			ReductionPerUnit: 0.1,
			GrowthBase:       100,
			GrowthMaxRate:    1,
			GrowthParam:      100,
		},
		Durations: model.Durations{ExtractMs: 1000, ReplenishMs: 3200, ReduceMs: 4000},
	}
}

func worker(id string, capacity model.Memory) model.Worker {
	return model.Worker{ID: id, TotalCap: capacity, Status: model.WorkerReady}
}

type harness struct {
	clk    *clock.Manual
	oracle *fakeOracle
	disp   *fakeDispatcher
	ledger *ledger.Ledger
	sched  *Scheduler
}

func newHarness(t *testing.T, cfg Config, strategy Strategy, workers ...model.Worker) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	o := newFakeOracle(workers...)
	l := ledger.New(logr.Discard(), nil)
	d := &fakeDispatcher{clk: clk}
	if cfg.BatchGap == 0 {
		cfg.BatchGap = 100 * time.Millisecond
	}
	s := NewScheduler(cfg, Deps{
		Oracle:     o,
		Planner:    planner.New(o, planner.Config{ExtractShare: 0.5}),
		Ledger:     l,
		Dispatcher: d,
		Clock:      clk,
		Log:        logr.Discard(),
	}, strategy)
	return &harness{clk: clk, oracle: o, disp: d, ledger: l, sched: s}
}

// runUntilIdle ticks every 100ms until no batch is in flight.
func (h *harness) runUntilIdle(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if h.sched.InFlight() == 0 {
			return
		}
		h.clk.Advance(100 * time.Millisecond)
		_ = h.sched.Tick(context.Background())
	}
	t.Fatal("batch never drained")
}

func TestFullBatchDispatchesAndReleasesEveryStage(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100))
	h.oracle.add(cleanTarget("n00dles", 1000))
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	assert.Equal(t, StateDispatching, h.sched.State())
	assert.Equal(t, model.Memory(40), h.ledger.Total())

	// nothing new is considered while the batch is out
	h.oracle.level = 0
	h.runUntilIdle(t)

	require.Len(t, h.disp.sent, 4)
	ops := []model.Operation{h.disp.sent[0].op, h.disp.sent[1].op, h.disp.sent[2].op, h.disp.sent[3].op}
	assert.Equal(t, []model.Operation{model.OpReduce, model.OpReduce, model.OpReplenish, model.OpExtract}, ops)
	assert.Equal(t, epoch.Add(100*time.Millisecond), h.disp.sent[0].at)
	assert.Equal(t, epoch.Add(3000*time.Millisecond), h.disp.sent[3].at)

	done := h.sched.Completed()
	require.Len(t, done, 1)
	b := done[0]
	for _, stage := range model.PackingOrder {
		assert.True(t, b.Active[stage], stage.String())
		assert.False(t, b.Released[stage].Before(b.Dispatched[stage]), stage.String())
	}
	// effects land extract first, each reduction right after its partner
	for i := 1; i < len(model.LandingOrder); i++ {
		prev, next := model.LandingOrder[i-1], model.LandingOrder[i]
		assert.True(t, b.Released[prev].Before(b.Released[next]), "%s before %s", prev, next)
	}

	assert.Equal(t, model.Memory(0), h.ledger.Total())
	assert.Equal(t, 0, h.ledger.Len())
	assert.ErrorIs(t, h.sched.Tick(ctx), ErrNoEligibleTarget)
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestPartialBatchFitsAvailableCapacity(t *testing.T) {
	h := newHarness(t, Config{AllowPartial: true}, Batching{}, worker("w1", 50))
	tgt := cleanTarget("foodnstuff", 1000)
	tgt.Effects.ExtractFraction = 0.1
	tgt.Effects.ExtractDefense = 0.02
	h.oracle.add(tgt)
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	require.Equal(t, 1, h.sched.InFlight())
	var b *Batch
	for _, v := range h.sched.batches {
		b = v
	}
	assert.True(t, b.Plan.Partial)
	assert.LessOrEqual(t, b.Plan.Cost(), model.Memory(50))
	assert.Positive(t, b.Plan.Units(model.StageExtract))
	assert.Equal(t, b.Plan.Cost(), h.ledger.Total())

	// a second tick while the first batch is out starts nothing new
	h.clk.Advance(100 * time.Millisecond)
	require.NoError(t, h.sched.Tick(ctx))
	assert.Equal(t, 1, h.sched.InFlight())

	h.oracle.level = 0
	h.runUntilIdle(t)
	assert.Equal(t, model.Memory(0), h.ledger.Total())
}

func TestShortfallWithoutPartialReservesNothing(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 30))
	h.oracle.add(cleanTarget("sigma", 1000))

	err := h.sched.Tick(context.Background())
	assert.ErrorIs(t, err, ErrCapacityShortfall)
	assert.Equal(t, 0, h.sched.InFlight())
	assert.Equal(t, 0, h.ledger.Len())
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestNoEligibleTargetIsQuiet(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100))
	h.oracle.level = 0
	h.oracle.add(cleanTarget("megacorp", 1000))

	err := h.sched.Tick(context.Background())
	assert.ErrorIs(t, err, ErrNoEligibleTarget)
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestFailedDispatchStillReleases(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100))
	h.disp.failOn = model.OpExtract
	h.oracle.add(cleanTarget("n00dles", 1000))

	require.NoError(t, h.sched.Tick(context.Background()))
	h.oracle.level = 0
	h.runUntilIdle(t)

	done := h.sched.Completed()
	require.Len(t, done, 1)
	assert.True(t, done[0].Failed[model.StageExtract])
	assert.False(t, done[0].Failed[model.StageReplenish])
	assert.Len(t, h.disp.sent, 3)
	assert.Equal(t, model.Memory(0), h.ledger.Total())
}

func TestPrepareCleansTargetBeforeBatching(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 200))
	tgt := cleanTarget("joesguns", 1000)
	tgt.Defense = 6
	h.oracle.add(tgt)
	h.disp.onDispatch = func(op model.Operation, units int) {
		if op == model.OpReduce {
			cur := h.oracle.targets["joesguns"]
			cur.Defense -= float64(units) * cur.Effects.ReductionPerUnit
		}
	}

	require.NoError(t, h.sched.Tick(context.Background()))

	require.NotEmpty(t, h.disp.sent)
	assert.Equal(t, model.OpReduce, h.disp.sent[0].op)
	assert.Equal(t, 10, h.disp.sent[0].units)
	// the prepare round slept out the reduce stage and the gap
	assert.True(t, h.clk.Now().Sub(epoch) >= 4100*time.Millisecond)
	assert.Equal(t, 1, h.sched.InFlight())
	assert.Equal(t, model.Memory(40), h.ledger.Total())
}

func TestBasicRunsOneStageAtATime(t *testing.T) {
	h := newHarness(t, Config{}, Basic{}, worker("w1", 100))
	tgt := cleanTarget("harakiri", 1000)
	tgt.Resource = 500
	h.oracle.add(tgt)
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	require.Len(t, h.disp.sent, 1)
	assert.Equal(t, model.OpReplenish, h.disp.sent[0].op)
	assert.Equal(t, 1, h.disp.sent[0].units)

	h.oracle.level = 0
	h.runUntilIdle(t)
	done := h.sched.Completed()
	require.Len(t, done, 1)
	assert.True(t, done[0].Single)
	assert.Equal(t, epoch.Add(3200*time.Millisecond), done[0].Released[model.StageReplenish])
	assert.Equal(t, model.Memory(0), h.ledger.Total())
}

func TestBasicExtractsWithWholePool(t *testing.T) {
	h := newHarness(t, Config{}, Basic{}, worker("w1", 100), worker("w2", 55))
	h.oracle.add(cleanTarget("n00dles", 1000))

	require.NoError(t, h.sched.Tick(context.Background()))
	require.Len(t, h.disp.sent, 1)
	assert.Equal(t, model.OpExtract, h.disp.sent[0].op)
	assert.Equal(t, 15, h.disp.sent[0].units)
}

func TestStopKillsAndForgetsEverything(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100), worker("w2", 100))
	h.oracle.add(cleanTarget("n00dles", 1000))
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	require.Equal(t, 1, h.sched.InFlight())

	require.NoError(t, h.sched.Stop(ctx))
	assert.Equal(t, []string{"w1", "w2"}, h.disp.killed)
	assert.Equal(t, 0, h.sched.InFlight())
	assert.Equal(t, 0, h.sched.timeline.Len())
	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestWorkerLeavingMidBatchIsForgotten(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 20), worker("w2", 100))
	h.oracle.add(cleanTarget("n00dles", 1000))
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	require.Positive(t, h.ledger.Reserved("w1"))

	h.oracle.workers = h.oracle.workers[1:]
	h.oracle.level = 0
	h.runUntilIdle(t)

	assert.Zero(t, h.ledger.Reserved("w1"))
	assert.Equal(t, 0, h.ledger.Len())
}

func TestRejoinedWorkerKeepsReservationsMadeAfterItLeft(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 20), worker("w2", 100))
	h.oracle.add(cleanTarget("n00dles", 1000))
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	require.Equal(t, model.Memory(20), h.ledger.Reserved("w1"))

	all := h.oracle.workers
	h.oracle.workers = all[1:]
	h.clk.Advance(100 * time.Millisecond)
	require.NoError(t, h.sched.Tick(ctx))
	require.Zero(t, h.ledger.Reserved("w1"))

	// back before the batch releases, and something else holds capacity on it
	h.oracle.workers = all
	h.clk.Advance(100 * time.Millisecond)
	require.NoError(t, h.sched.Tick(ctx))
	require.NoError(t, h.ledger.Reserve("w1", 10))

	h.oracle.level = 0
	h.runUntilIdle(t)

	assert.Equal(t, model.Memory(10), h.ledger.Reserved("w1"))
	assert.Zero(t, h.ledger.Reserved("w2"))
}

// fixed always answers with the same action.
type fixed struct{ next Action }

func (fixed) Name() string       { return "fixed" }
func (f fixed) Next(View) Action { return f.next }

// deadTarget is at max and floor but yields nothing per extract unit, so
// its batch plan is all zeros.
func deadTarget(id string, maxResource float64) model.Target {
	t := cleanTarget(id, maxResource)
	t.Effects.ExtractFraction = 0
	return t
}

func TestBatchingPassesOverTargetsWithNothingToRun(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100))
	h.oracle.add(deadTarget("dead", 5000))
	h.oracle.add(cleanTarget("n00dles", 1000))
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	require.Equal(t, 1, h.sched.InFlight())

	h.oracle.level = 0
	h.runUntilIdle(t)
	done := h.sched.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, "n00dles", done[0].TargetID)

	// and it keeps batching after the first one drains
	h.oracle.level = 1
	require.NoError(t, h.sched.Tick(ctx))
	assert.Equal(t, 1, h.sched.InFlight())
}

func TestOnlyDeadTargetsLeaveSchedulerIdle(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100))
	h.oracle.add(deadTarget("dead", 5000))

	err := h.sched.Tick(context.Background())
	assert.ErrorIs(t, err, ErrNoEligibleTarget)
	assert.Equal(t, 0, h.sched.InFlight())
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestEmptyBatchIsNeverTracked(t *testing.T) {
	dead := deadTarget("dead", 5000)
	h := newHarness(t, Config{}, fixed{next: StartBatch{Target: dead}}, worker("w1", 100))
	h.oracle.add(dead)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := h.sched.Tick(ctx)
		assert.ErrorIs(t, err, ErrEmptyPlan)
		assert.Equal(t, 0, h.sched.InFlight())
		assert.Equal(t, StateIdle, h.sched.State())
		h.clk.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, 0, h.ledger.Len())

	// swaps still happen, so the scheduler is not stuck
	h.sched.SetStrategy(Batching{})
	h.oracle.add(cleanTarget("n00dles", 1000))
	require.NoError(t, h.sched.Tick(ctx))
	assert.Equal(t, 1, h.sched.InFlight())
}

func TestBasicStageWithNothingToRunSaysWhy(t *testing.T) {
	h := newHarness(t, Config{}, Basic{}, worker("w1", 100))
	tgt := cleanTarget("stagnant", 1000)
	tgt.Resource = 500
	tgt.Effects.GrowthMaxRate = 0
	h.oracle.add(tgt)

	err := h.sched.Tick(context.Background())
	require.ErrorIs(t, err, ErrEmptyPlan)
	assert.Contains(t, err.Error(), "stagnant")
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, 0, h.sched.InFlight())
	assert.Equal(t, 0, h.ledger.Len())
}

func TestStrategySwapWaitsForIdle(t *testing.T) {
	h := newHarness(t, Config{}, Batching{}, worker("w1", 100))
	h.oracle.add(cleanTarget("n00dles", 1000))
	ctx := context.Background()

	require.NoError(t, h.sched.Tick(ctx))
	h.sched.SetStrategy(Basic{})
	h.clk.Advance(100 * time.Millisecond)
	require.NoError(t, h.sched.Tick(ctx))
	assert.Equal(t, "batching", h.sched.Strategy().Name())

	h.oracle.level = 0
	h.runUntilIdle(t)
	assert.Equal(t, "basic", h.sched.Strategy().Name())
}

func TestLandingScheduleSpacesEffectsByGap(t *testing.T) {
	var durs [model.StageCount]time.Duration
	durs[model.StageReduceFirst] = 4 * time.Second
	durs[model.StageReplenish] = 3200 * time.Millisecond
	durs[model.StageReduceSecond] = 4 * time.Second
	durs[model.StageExtract] = time.Second
	active := [model.StageCount]bool{true, true, true, true}

	dispatch, land := landingSchedule(epoch, durs, active, 200*time.Millisecond)

	for slot, stage := range model.LandingOrder {
		assert.Equal(t, epoch.Add(4*time.Second+time.Duration(slot)*200*time.Millisecond), land[stage])
		assert.Equal(t, land[stage].Add(-durs[stage]), dispatch[stage])
		assert.False(t, dispatch[stage].Before(epoch))
	}
}

func TestTimelinePopsInTimeThenPushOrder(t *testing.T) {
	tl := NewTimeline()
	tl.Push(Entry{At: epoch.Add(2 * time.Second), BatchID: "late"})
	tl.Push(Entry{At: epoch, BatchID: "first"})
	tl.Push(Entry{At: epoch, BatchID: "second"})

	_, ok := tl.Next(epoch.Add(-time.Millisecond))
	assert.False(t, ok)

	var got []string
	for {
		e, ok := tl.Next(epoch.Add(time.Second))
		if !ok {
			break
		}
		got = append(got, e.BatchID)
	}
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 1, tl.Len())

	e, ok := tl.Peek()
	require.True(t, ok)
	assert.Equal(t, "late", e.BatchID)
}

func TestBatchingPrefersMostValuableThatFits(t *testing.T) {
	o := newFakeOracle()
	v := View{
		Targets:   []model.Target{cleanTarget("small", 100), cleanTarget("big", 5000), cleanTarget("mid", 900)},
		Level:     1,
		Available: 40,
		planner:   planner.New(o, planner.Config{ExtractShare: 0.5}),
	}
	v.Targets[1].RequiredLevel = 2

	a, ok := Batching{}.Next(v).(StartBatch)
	require.True(t, ok)
	assert.Equal(t, "mid", a.Target.ID)
}
