// Package dispatcher writes stage commands and kill envelopes to the bus.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"hivenet/internal/clock"
	"hivenet/internal/master/packer"
	"hivenet/internal/metrics"
	"hivenet/pkg/model"
	"hivenet/pkg/store"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("dispatcher: rate limited")

type Dispatcher struct {
	bus     store.Bus
	limiter *rate.Limiter
	clock   clock.Clock
	log     logr.Logger
	rec     *metrics.Recorder
}

// New takes an optional limiter; nil means unlimited.
func New(bus store.Bus, limiter *rate.Limiter, clk clock.Clock, log logr.Logger, rec *metrics.Recorder) *Dispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Dispatcher{bus: bus, limiter: limiter, clock: clk, log: log.WithName("dispatcher"), rec: rec}
}

// Dispatch writes one command for the allocations. A refused write is
// logged and returned; nothing is retried here. An empty allocation list
// sends nothing and returns a nil command.
func (d *Dispatcher) Dispatch(ctx context.Context, op model.Operation, targetID string, allocs []packer.Allocation) (*model.Command, error) {
	assignments := packer.Assignments(allocs)
	if len(assignments) == 0 {
		return nil, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	cmd := &model.Command{
		ID:          id.String(),
		Kind:        op,
		TargetID:    targetID,
		Assignments: assignments,
		IssuedAt:    d.clock.Now(),
	}

	if !d.limiter.AllowN(cmd.IssuedAt, 1) {
		err = ErrRateLimited
	} else {
		err = d.bus.TryWriteCommand(ctx, cmd)
	}
	d.rec.Dispatched(ctx, op, err)
	if err != nil {
		d.log.Error(err, "dispatch failed", "operation", op, "target", targetID, "units", cmd.Units())
		return nil, fmt.Errorf("dispatch %s %s: %w", op, targetID, err)
	}

	d.log.V(1).Info("dispatched", "operation", op, "target", targetID,
		"workers", len(assignments), "units", cmd.Units(), "command", cmd.ID)
	return cmd, nil
}

// Kill clears pending commands and asks every listed worker to exit.
func (d *Dispatcher) Kill(ctx context.Context, workerIDs []string) error {
	if err := d.bus.ClearCommands(ctx); err != nil {
		d.log.Error(err, "clear commands before kill")
	}
	err := d.bus.WriteKill(ctx, &model.Kill{WorkerIDs: workerIDs, IssuedAt: d.clock.Now()})
	if err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	d.log.Info("kill broadcast", "workers", len(workerIDs))
	return nil
}
