package scheduler

import (
	"context"
	"fmt"
	"time"

	"hivenet/internal/master/packer"
	"hivenet/pkg/model"

	"github.com/google/uuid"
)

// Batch is one run of the pipeline against a target. It owns its
// reservations until every active stage has been released.
type Batch struct {
	ID       string
	TargetID string
	Plan     model.Plan
	Single   bool // a lone stage from the basic strategy

	Allocs     [model.StageCount][]packer.Allocation
	Active     [model.StageCount]bool
	DispatchAt [model.StageCount]time.Time // planned
	LandAt     [model.StageCount]time.Time // planned
	Dispatched [model.StageCount]time.Time // actual
	Released   [model.StageCount]time.Time // actual
	Failed     [model.StageCount]bool

	open int
	// workers that left while the batch was in flight; the ledger already
	// dropped what the batch held on them, even if they have since rejoined
	forgotten map[string]bool
}

func newBatch(plan model.Plan) *Batch {
	return &Batch{ID: uuid.NewString(), TargetID: plan.TargetID, Plan: plan}
}

func (b *Batch) forget(workerID string) {
	if b.forgotten == nil {
		b.forgotten = make(map[string]bool)
	}
	b.forgotten[workerID] = true
}

// reservedOn is what this batch holds on each worker.
func (b *Batch) reservedOn() map[string]model.Memory {
	held := make(map[string]model.Memory)
	for stage, allocs := range b.Allocs {
		packer.Claim(held, allocs, b.Plan.Stages[stage].UnitCost)
	}
	return held
}

// packBatch packs the stages in PackingOrder, each one around what the
// earlier stages claimed and around the ledger's reservations. It returns
// the capacity of the units that did not fit.
func (s *Scheduler) packBatch(b *Batch, workers []model.Worker) model.Memory {
	reserved := s.ledger.Snapshot()
	claimed := make(map[string]model.Memory)
	var short model.Memory

	for _, stage := range model.PackingOrder {
		sp := b.Plan.Stages[stage]
		res := packer.Pack(packer.Request{
			Workers:  workers,
			Reserved: reserved,
			Claimed:  claimed,
			UnitCost: sp.UnitCost,
			Need:     packer.Units(sp.Units),
		})
		packer.Claim(claimed, res.Allocations, sp.UnitCost)
		b.Allocs[stage] = res.Allocations
		b.Active[stage] = res.Units > 0
		short += model.Memory(res.Shortfall) * sp.UnitCost
	}
	return short
}

// reserve commits every allocation of the batch to the ledger in one go.
// Nothing else runs between the first and last Reserve.
func (s *Scheduler) reserve(b *Batch) error {
	held := b.reservedOn()
	done := make([]string, 0, len(held))
	for id, amount := range held {
		if err := s.ledger.Reserve(id, amount); err != nil {
			for _, undo := range done {
				s.ledger.Release(undo, held[undo])
			}
			return fmt.Errorf("reserve batch %s: %w", b.ID, err)
		}
		done = append(done, id)
	}
	return nil
}

// landingSchedule places the stages so their effects complete in
// model.LandingOrder, gap apart, with the earliest dispatch at start.
// Durations must be fresh: a target's durations move with its state.
func landingSchedule(start time.Time, durs [model.StageCount]time.Duration, active [model.StageCount]bool, gap time.Duration) (dispatch, land [model.StageCount]time.Time) {
	var longest time.Duration
	for stage, d := range durs {
		if active[stage] && d > longest {
			longest = d
		}
	}
	for slot, stage := range model.LandingOrder {
		land[stage] = start.Add(longest + time.Duration(slot)*gap)
		dispatch[stage] = land[stage].Add(-durs[stage])
	}
	return dispatch, land
}

// stageDurations asks the oracle for each stage's current duration.
func (s *Scheduler) stageDurations(ctx context.Context, targetID string) ([model.StageCount]time.Duration, error) {
	var durs [model.StageCount]time.Duration
	byOp := make(map[model.Operation]time.Duration)
	for _, stage := range model.PackingOrder {
		op := stage.Operation()
		d, ok := byOp[op]
		if !ok {
			var err error
			d, err = s.oracle.Duration(ctx, op, targetID)
			if err != nil {
				return durs, fmt.Errorf("duration %s: %w", op, err)
			}
			byOp[op] = d
		}
		durs[stage] = d
	}
	return durs, nil
}
