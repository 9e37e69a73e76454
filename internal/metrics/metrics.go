// Package metrics holds the scheduler's OpenTelemetry instruments. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"context"

	"hivenet/pkg/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hivenet/scheduler"

type Recorder struct {
	batches          metric.Int64Counter
	dispatches       metric.Int64Counter
	dispatchFailures metric.Int64Counter
	shortfalls       metric.Int64Counter
	inconsistencies  metric.Int64Counter
	reserved         metric.Int64UpDownCounter
}

// New creates the instruments on meter; nil meter uses the global provider.
func New(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	r := &Recorder{}
	var err error
	if r.batches, err = meter.Int64Counter("hivenet.batches.started",
		metric.WithDescription("Batches reserved and scheduled")); err != nil {
		return nil, err
	}
	if r.dispatches, err = meter.Int64Counter("hivenet.dispatches",
		metric.WithDescription("Stage commands written to the channel")); err != nil {
		return nil, err
	}
	if r.dispatchFailures, err = meter.Int64Counter("hivenet.dispatch.failures",
		metric.WithDescription("Stage commands the channel refused")); err != nil {
		return nil, err
	}
	if r.shortfalls, err = meter.Int64Counter("hivenet.capacity.shortfalls",
		metric.WithDescription("Ticks skipped for lack of pool capacity")); err != nil {
		return nil, err
	}
	if r.inconsistencies, err = meter.Int64Counter("hivenet.ledger.inconsistencies",
		metric.WithDescription("Releases that exceeded the reservation")); err != nil {
		return nil, err
	}
	if r.reserved, err = meter.Int64UpDownCounter("hivenet.ledger.reserved",
		metric.WithDescription("Capacity currently reserved"), metric.WithUnit("MB")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) BatchStarted(ctx context.Context, target string, partial bool) {
	if r == nil {
		return
	}
	r.batches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target), attribute.Bool("partial", partial)))
}

func (r *Recorder) Dispatched(ctx context.Context, op model.Operation, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", string(op)))
	if err != nil {
		r.dispatchFailures.Add(ctx, 1, attrs)
		return
	}
	r.dispatches.Add(ctx, 1, attrs)
}

func (r *Recorder) Shortfall(ctx context.Context) {
	if r == nil {
		return
	}
	r.shortfalls.Add(ctx, 1)
}

func (r *Recorder) Inconsistency(ctx context.Context, worker string) {
	if r == nil {
		return
	}
	r.inconsistencies.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

// Reserved tracks the ledger total; delta is negative on release.
func (r *Recorder) Reserved(ctx context.Context, delta model.Memory) {
	if r == nil {
		return
	}
	r.reserved.Add(ctx, int64(delta))
}
