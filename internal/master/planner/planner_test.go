package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"hivenet/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type costOracle struct {
	calls int
	costs map[model.Operation]model.Memory
}

func (o *costOracle) Targets(context.Context) ([]model.Target, error) { return nil, nil }
func (o *costOracle) Target(context.Context, string) (model.Target, error) {
	return model.Target{}, nil
}
func (o *costOracle) Workers(context.Context) ([]model.Worker, error) { return nil, nil }
func (o *costOracle) Level(context.Context) (int, error)              { return 0, nil }
func (o *costOracle) Duration(context.Context, model.Operation, string) (time.Duration, error) {
	return 0, nil
}
func (o *costOracle) UnitCost(op model.Operation) (model.Memory, error) {
	o.calls++
	cost, ok := o.costs[op]
	if !ok {
		return 0, errors.New("no cost")
	}
	return cost, nil
}

func newOracle() *costOracle {
	return &costOracle{costs: map[model.Operation]model.Memory{
		model.OpExtract:   1700,
		model.OpReplenish: 1750,
		model.OpReduce:    1750,
	}}
}

func cleanTarget() model.Target {
	return model.Target{
		ID:          "joesguns",
		Resource:    1000,
		MaxResource: 1000,
		Defense:     5,
		MinDefense:  5,
		Effects: model.Effects{
			ExtractFraction:  0.25,
			ExtractDefense:   0.002,
			ReplenishDefense: 0.004,
			ReductionPerUnit: 0.05,
			GrowthBase:       0.03,
			GrowthMaxRate:    0.0035,
			GrowthParam:      100,
		},
	}
}

func TestStagesOnCleanTargetNeedNoReplenish(t *testing.T) {
	p := New(newOracle(), Config{})
	plan, err := p.Stages(cleanTarget())
	require.NoError(t, err)

	assert.Equal(t, 0, plan.Units(model.StageReplenish))
	assert.Equal(t, 0, plan.Units(model.StageReduceSecond))
	assert.Equal(t, 4, plan.Units(model.StageExtract))
	assert.Equal(t, 1, plan.Units(model.StageReduceFirst))
	assert.Equal(t, model.Memory(4*1700+1750), plan.Cost())
}

func TestBatchRefillsWhatExtractTakes(t *testing.T) {
	p := New(newOracle(), Config{ExtractShare: 0.5})
	tgt := cleanTarget()
	plan, err := p.Batch(tgt)
	require.NoError(t, err)

	extract := plan.Units(model.StageExtract)
	replenish := plan.Units(model.StageReplenish)
	assert.Equal(t, 2, extract)
	assert.Greater(t, replenish, 0)
	assert.Equal(t, ReductionUnits(float64(replenish)*0.004, 0.05), plan.Units(model.StageReduceSecond))
	assert.Equal(t, ReductionUnits(float64(extract)*0.002, 0.05), plan.Units(model.StageReduceFirst))
}

func TestUnitCostsAreCached(t *testing.T) {
	o := newOracle()
	p := New(o, Config{})
	for i := 0; i < 3; i++ {
		_, err := p.Stages(cleanTarget())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, o.calls, "one lookup per operation")
}

func TestExtractUnitsIsBounded(t *testing.T) {
	tgt := cleanTarget()
	tgt.Effects.ExtractFraction = 0.1
	assert.Equal(t, 10, ExtractUnits(tgt, 1, 1000))
	assert.Equal(t, 5, ExtractUnits(tgt, 0.5, 1000))
	assert.Equal(t, 3, ExtractUnits(tgt, 1, 3))

	tgt.Effects.ExtractFraction = 0
	assert.Equal(t, 0, ExtractUnits(tgt, 1, 1000))
}

func TestReplenishUnitsGuardsZeroResource(t *testing.T) {
	tgt := cleanTarget()
	tgt.Resource = 0
	units := ReplenishUnits(tgt, 30)
	assert.Greater(t, units, 0)

	// a target starting at 1 needs the same
	tgt.Resource = 1
	assert.Equal(t, units, ReplenishUnits(tgt, 30))
}

func TestReplenishUnitsAccountsForOwnDefense(t *testing.T) {
	tgt := cleanTarget()
	tgt.Resource = 500
	withDrift := ReplenishUnits(tgt, 30)

	tgt.Effects.ReplenishDefense = 0
	without := ReplenishUnits(tgt, 30)
	assert.GreaterOrEqual(t, withDrift, without)
}

func TestReductionUnitsCeil(t *testing.T) {
	assert.Equal(t, 0, ReductionUnits(0, 0.05))
	assert.Equal(t, 1, ReductionUnits(0.01, 0.05))
	assert.Equal(t, 2, ReductionUnits(0.1, 0.05))
	assert.Equal(t, 3, ReductionUnits(0.11, 0.05))
	assert.Equal(t, 0, ReductionUnits(1, 0))
}

func TestScaleFitsAvailable(t *testing.T) {
	p := New(newOracle(), Config{})
	tgt := cleanTarget()
	plan, err := p.Batch(tgt)
	require.NoError(t, err)

	available := plan.Cost() / 3
	scaled, ok := p.Scale(tgt, plan, available)
	require.True(t, ok)
	assert.True(t, scaled.Partial)
	assert.LessOrEqual(t, scaled.Cost(), available)
	assert.Greater(t, scaled.Units(model.StageExtract), 0)
	assert.Less(t, scaled.Units(model.StageReplenish), plan.Units(model.StageReplenish))

	_, ok = p.Scale(tgt, plan, 100)
	assert.False(t, ok)

	same, ok := p.Scale(tgt, plan, plan.Cost())
	assert.True(t, ok)
	assert.False(t, same.Partial)
}
