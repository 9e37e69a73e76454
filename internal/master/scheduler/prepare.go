package scheduler

import (
	"context"
	"fmt"

	"hivenet/internal/master/packer"
	"hivenet/internal/master/planner"
	"hivenet/pkg/model"
)

// prepare drives a target to max resource and floor defense one plain
// stage at a time, sleeping out each stage before looking again. Each
// sleep is bounded by the stage's current duration.
func (s *Scheduler) prepare(ctx context.Context, targetID string) error {
	log := s.log.WithValues("target", targetID)

	for i := 0; i < s.cfg.PrepareMaxIterations; i++ {
		t, err := s.oracle.Target(ctx, targetID)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", targetID, err)
		}
		if t.Clean() {
			if i > 0 {
				log.Info("target prepared", "rounds", i)
			}
			return nil
		}

		stage := model.StageReplenish
		var units int
		if !t.AtMax() {
			plan, err := s.planner.Stages(t)
			if err != nil {
				return err
			}
			units = plan.Units(model.StageReplenish)
		} else {
			stage = model.StageReduceFirst
			units = planner.ReductionUnits(t.Defense-t.MinDefense, t.Effects.ReductionPerUnit)
		}
		if units == 0 {
			return fmt.Errorf("prepare %s: %s: %w", targetID, stage, ErrEmptyPlan)
		}
		if err := s.runPrepareStage(ctx, t, stage, units); err != nil {
			return err
		}
	}
	return fmt.Errorf("prepare %s: not clean after %d rounds", targetID, s.cfg.PrepareMaxIterations)
}

// runPrepareStage reserves what fits, dispatches, waits out the stage and
// releases. A short pack is fine: the next round picks up the rest.
func (s *Scheduler) runPrepareStage(ctx context.Context, t model.Target, stage model.Stage, units int) error {
	op := stage.Operation()
	cost, err := s.planner.UnitCost(op)
	if err != nil {
		return err
	}
	workers, err := s.oracle.Workers(ctx)
	if err != nil {
		return err
	}
	res := packer.Pack(packer.Request{
		Workers:  workers,
		Reserved: s.ledger.Snapshot(),
		UnitCost: cost,
		Need:     packer.Units(units),
	})
	if res.Units == 0 {
		return fmt.Errorf("prepare %s: %w", t.ID, ErrCapacityShortfall)
	}

	held := make(map[string]model.Memory)
	packer.Claim(held, res.Allocations, cost)
	for id, m := range held {
		if err := s.ledger.Reserve(id, m); err != nil {
			return err
		}
	}
	defer func() {
		for id, m := range held {
			s.ledger.Release(id, m)
		}
	}()

	s.log.Info("preparing", "target", t.ID, "stage", stage, "units", res.Units, "wanted", units)
	if _, err := s.dispatcher.Dispatch(ctx, op, t.ID, res.Allocations); err != nil {
		// already logged; back off a tick and try again
		return s.clock.Sleep(ctx, s.cfg.TickInterval)
	}
	d, err := s.oracle.Duration(ctx, op, t.ID)
	if err != nil {
		return err
	}
	return s.clock.Sleep(ctx, d+s.cfg.BatchGap)
}
