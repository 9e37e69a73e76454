package scheduler

import (
	"fmt"

	"hivenet/internal/master/packer"
	"hivenet/internal/master/planner"
	"hivenet/pkg/model"
)

// Strategy decides what an idle scheduler does next. The scheduler holds
// one and only swaps it while idle.
type Strategy interface {
	Name() string
	Next(v View) Action
}

// View is the pool and target state a strategy decides on, read fresh
// for this tick.
type View struct {
	Targets   []model.Target
	Workers   []model.Worker
	Level     int
	Available model.Memory

	planner *planner.Planner
}

// BatchCost is what one steady-state batch against t needs.
func (v View) BatchCost(t model.Target) (model.Memory, error) {
	plan, err := v.planner.Batch(clean(t))
	if err != nil {
		return 0, err
	}
	return plan.Cost(), nil
}

// Action is what a strategy asks the scheduler to do.
type Action interface {
	action()
}

// Wait does nothing this tick.
type Wait struct {
	Reason error
}

// StartBatch runs the full four-stage pipeline against Target.
type StartBatch struct {
	Target model.Target
}

// RunStage dispatches one stage right away, outside any pipeline.
type RunStage struct {
	Target model.Target
	Stage  model.Stage
	Need   packer.Limit
}

func (Wait) action()       {}
func (StartBatch) action() {}
func (RunStage) action()   {}

// Batching targets the most valuable eligible target whose full batch fits
// the pool. When none fits it still names the most valuable one, and the
// scheduler scales the batch down or reports the shortfall. Targets whose
// batch has nothing to run are passed over.
type Batching struct{}

func (Batching) Name() string { return "batching" }

func (Batching) Next(v View) Action {
	candidates := filterTargets(v.Targets, v.Level)
	if len(candidates) == 0 {
		return Wait{Reason: ErrNoEligibleTarget}
	}

	var workable, fitting []model.Target
	for _, t := range candidates {
		cost, err := v.BatchCost(t)
		if err != nil || cost == 0 {
			continue
		}
		workable = append(workable, t)
		if cost <= v.Available {
			fitting = append(fitting, t)
		}
	}

	if t, ok := mostValuable(fitting); ok {
		return StartBatch{Target: t}
	}
	if t, ok := mostValuable(workable); ok {
		return StartBatch{Target: t}
	}
	return Wait{Reason: ErrNoEligibleTarget}
}

// Basic is the greedy one-stage policy: replenish the richest target to
// max, then bring its defense to the floor, then extract with every unit
// the pool can hold.
type Basic struct{}

func (Basic) Name() string { return "basic" }

func (Basic) Next(v View) Action {
	t, ok := richest(filterTargets(v.Targets, v.Level))
	if !ok {
		return Wait{Reason: ErrNoEligibleTarget}
	}

	switch {
	case !t.AtMax():
		plan, err := v.planner.Stages(t)
		if err != nil {
			return Wait{Reason: err}
		}
		return RunStage{Target: t, Stage: model.StageReplenish, Need: packer.Units(plan.Units(model.StageReplenish))}
	case !t.AtMinDefense():
		units := planner.ReductionUnits(t.Defense-t.MinDefense, t.Effects.ReductionPerUnit)
		return RunStage{Target: t, Stage: model.StageReduceFirst, Need: packer.Units(units)}
	default:
		return RunStage{Target: t, Stage: model.StageExtract, Need: packer.Unbounded()}
	}
}

// StrategyByName maps the configured name to a strategy.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "batching":
		return Batching{}, nil
	case "basic":
		return Basic{}, nil
	}
	return nil, fmt.Errorf("scheduler: unknown strategy %q", name)
}
