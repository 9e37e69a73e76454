// Package oracle answers questions about targets and workers. The numbers
// (effects, durations, capacities) come from outside; this package only
// fetches them fresh on every call.
package oracle

import (
	"context"
	"fmt"
	"time"

	"hivenet/pkg/model"
	"hivenet/pkg/store"
)

type Oracle interface {
	// Targets returns every known target in registration order.
	Targets(ctx context.Context) ([]model.Target, error)
	Target(ctx context.Context, id string) (model.Target, error)
	// Workers returns the pool in registration order.
	Workers(ctx context.Context) ([]model.Worker, error)
	// Duration is how long op takes against the target's current state.
	Duration(ctx context.Context, op model.Operation, targetID string) (time.Duration, error)
	// UnitCost is the capacity one unit of op occupies.
	UnitCost(op model.Operation) (model.Memory, error)
	// Level is the pool owner's privilege level.
	Level(ctx context.Context) (int, error)
}

// Registry reads targets and workers from a store.Registry. Unit costs and
// the privilege level are fixed at construction.
type Registry struct {
	reg   store.Registry
	costs map[model.Operation]model.Memory
	level int
}

func NewRegistry(reg store.Registry, costs map[model.Operation]model.Memory, level int) *Registry {
	return &Registry{reg: reg, costs: costs, level: level}
}

func (o *Registry) Targets(ctx context.Context) ([]model.Target, error) {
	ts, err := o.reg.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Target, 0, len(ts))
	for _, t := range ts {
		out = append(out, *t)
	}
	return out, nil
}

func (o *Registry) Target(ctx context.Context, id string) (model.Target, error) {
	t, err := o.reg.GetTarget(ctx, id)
	if err != nil {
		return model.Target{}, err
	}
	return *t, nil
}

// Workers skips nodes whose lease reports them offline.
func (o *Registry) Workers(ctx context.Context) ([]model.Worker, error) {
	ws, err := o.reg.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Worker, 0, len(ws))
	for _, w := range ws {
		if w.Status == model.WorkerOffline {
			continue
		}
		out = append(out, *w)
	}
	return out, nil
}

func (o *Registry) Duration(ctx context.Context, op model.Operation, targetID string) (time.Duration, error) {
	t, err := o.Target(ctx, targetID)
	if err != nil {
		return 0, err
	}
	return t.Durations.Of(op), nil
}

func (o *Registry) UnitCost(op model.Operation) (model.Memory, error) {
	cost, ok := o.costs[op]
	if !ok || cost <= 0 {
		return 0, fmt.Errorf("oracle: no unit cost for %q", op)
	}
	return cost, nil
}

func (o *Registry) Level(context.Context) (int, error) {
	return o.level, nil
}

var _ Oracle = (*Registry)(nil)
