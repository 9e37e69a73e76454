// Package planner turns a target's state into the four stage unit counts
// of a batch and their capacity cost.
package planner

import (
	"fmt"
	"math"

	"hivenet/internal/oracle"
	"hivenet/pkg/model"
)

// negligible is the resource level below which a target counts as drained.
const negligible = 1e-6

type Config struct {
	ExtractShare    float64 // share of the current resource one batch takes; 1 drains it
	ReplenishPasses int     // fixed-point refinement bound
	MaxExtractUnits int     // simulation bound for the extract count
}

type Planner struct {
	oracle oracle.Oracle
	cfg    Config
	costs  map[model.Operation]model.Memory
}

func New(o oracle.Oracle, cfg Config) *Planner {
	if cfg.ExtractShare <= 0 || cfg.ExtractShare > 1 {
		cfg.ExtractShare = 1
	}
	if cfg.ReplenishPasses <= 0 {
		cfg.ReplenishPasses = 30
	}
	if cfg.MaxExtractUnits <= 0 {
		cfg.MaxExtractUnits = 100000
	}
	return &Planner{oracle: o, cfg: cfg, costs: make(map[model.Operation]model.Memory)}
}

// UnitCost asks the oracle once per operation and keeps the answer for the
// life of the process.
func (p *Planner) UnitCost(op model.Operation) (model.Memory, error) {
	if cost, ok := p.costs[op]; ok {
		return cost, nil
	}
	cost, err := p.oracle.UnitCost(op)
	if err != nil {
		return 0, err
	}
	p.costs[op] = cost
	return cost, nil
}

// Stages plans against the target exactly as it is now: extract from the
// current level, replenish from current to max, and one reduction stage
// for each of those two.
func (p *Planner) Stages(t model.Target) (model.Plan, error) {
	extract := ExtractUnits(t, p.cfg.ExtractShare, p.cfg.MaxExtractUnits)
	replenish := ReplenishUnits(t, p.cfg.ReplenishPasses)
	return p.build(t, extract, replenish)
}

// Batch plans a steady-state batch on a clean target: the replenish stage
// refills what the extract stage takes, at the floor defense the first
// reduction stage restores.
func (p *Planner) Batch(t model.Target) (model.Plan, error) {
	extract := ExtractUnits(t, p.cfg.ExtractShare, p.cfg.MaxExtractUnits)
	replenish := ReplenishUnits(afterExtract(t, extract), p.cfg.ReplenishPasses)
	return p.build(t, extract, replenish)
}

func (p *Planner) build(t model.Target, extract, replenish int) (model.Plan, error) {
	plan := model.Plan{TargetID: t.ID}
	units := [model.StageCount]int{
		model.StageReduceFirst:  ReductionUnits(float64(extract)*t.Effects.ExtractDefense, t.Effects.ReductionPerUnit),
		model.StageReplenish:    replenish,
		model.StageReduceSecond: ReductionUnits(float64(replenish)*t.Effects.ReplenishDefense, t.Effects.ReductionPerUnit),
		model.StageExtract:      extract,
	}
	for _, stage := range model.PackingOrder {
		cost, err := p.UnitCost(stage.Operation())
		if err != nil {
			return model.Plan{}, fmt.Errorf("plan %s: %w", t.ID, err)
		}
		plan.Stages[stage] = model.StagePlan{Stage: stage, Units: units[stage], UnitCost: cost}
	}
	return plan, nil
}

// Scale shrinks a batch plan until it fits available capacity. Extract and
// replenish shrink together; each reduction stage is recomputed from its
// partner so it still cancels that stage's defense increase. ok is false
// when not even one extract unit fits.
func (p *Planner) Scale(t model.Target, plan model.Plan, available model.Memory) (model.Plan, bool) {
	if plan.Cost() <= available {
		return plan, !plan.Empty()
	}
	if available <= 0 {
		return model.Plan{}, false
	}

	extract := plan.Units(model.StageExtract)
	replenish := plan.Units(model.StageReplenish)
	factor := float64(available) / float64(plan.Cost())
	for factor > 0 {
		e := int(math.Floor(float64(extract) * factor))
		r := int(math.Floor(float64(replenish) * factor))
		if e == 0 {
			return model.Plan{}, false
		}
		scaled := plan
		scaled.Partial = true
		scaled.Stages[model.StageExtract].Units = e
		scaled.Stages[model.StageReplenish].Units = r
		scaled.Stages[model.StageReduceFirst].Units =
			ReductionUnits(float64(e)*t.Effects.ExtractDefense, t.Effects.ReductionPerUnit)
		scaled.Stages[model.StageReduceSecond].Units =
			ReductionUnits(float64(r)*t.Effects.ReplenishDefense, t.Effects.ReductionPerUnit)
		if scaled.Cost() <= available {
			return scaled, true
		}
		// ceilings on the reduction stages overshot; shave and retry
		factor -= 0.01
	}
	return model.Plan{}, false
}

// ExtractUnits simulates extraction one unit at a time, each unit taking a
// fixed fraction of the starting level, until share of the level is gone or
// what is left is negligible. The loop is bounded by maxUnits.
func ExtractUnits(t model.Target, share float64, maxUnits int) int {
	fraction := t.Effects.ExtractFraction
	if fraction <= 0 || t.Resource <= negligible {
		return 0
	}
	taken := t.Resource * fraction
	floor := t.Resource * (1 - share)
	remaining := t.Resource
	units := 0
	for units < maxUnits && remaining > negligible && remaining > floor+negligible {
		remaining -= taken
		units++
	}
	return units
}

// afterExtract is the target once extract units have landed and the first
// reduction stage has cancelled their defense.
func afterExtract(t model.Target, extract int) model.Target {
	out := t
	taken := float64(extract) * t.Effects.ExtractFraction
	if taken > 1 {
		taken = 1
	}
	out.Resource = t.Resource * (1 - taken)
	out.Defense = t.MinDefense
	return out
}

// ReplenishUnits solves for the units that grow the resource level back to
// max. Growth per unit depends on defense, and the stage's own units raise
// defense, so the estimate is refined until two passes round to the same
// count, for at most passes rounds.
func ReplenishUnits(t model.Target, passes int) int {
	current := t.Resource
	if current == 0 {
		current = 1
	}
	if current >= t.MaxResource {
		return 0
	}
	target := math.Log(t.MaxResource / current)

	perUnit := growthPerUnit(t.Effects, t.Defense)
	if perUnit <= 0 {
		return 0
	}
	estimate := target / perUnit
	for i := 0; i < passes; i++ {
		defense := t.Defense + estimate*t.Effects.ReplenishDefense
		perUnit = growthPerUnit(t.Effects, defense)
		if perUnit <= 0 {
			break
		}
		next := target / perUnit
		converged := math.Round(next) == math.Round(estimate)
		estimate = next
		if converged {
			break
		}
	}
	return int(math.Ceil(estimate))
}

// growthPerUnit is ln of the per-unit growth multiplier at defense.
func growthPerUnit(e model.Effects, defense float64) float64 {
	rate := e.GrowthMaxRate
	if defense > 0 && e.GrowthBase > 0 {
		rate = math.Min(e.GrowthMaxRate, e.GrowthBase/defense)
	}
	if rate <= 0 {
		return 0
	}
	return math.Log1p(rate) * e.GrowthParam / 100
}

// ReductionUnits is ceil(increase / perUnit).
func ReductionUnits(increase, perUnit float64) int {
	if increase <= 0 || perUnit <= 0 {
		return 0
	}
	return int(math.Ceil(increase/perUnit - 1e-9))
}
