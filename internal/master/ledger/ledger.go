// Package ledger tracks capacity reserved by in-flight batches, per worker.
//
// The ledger is not safe for concurrent use. It is owned by the scheduling
// loop and mutated only from that loop's tick.
package ledger

import (
	"context"
	"errors"

	"hivenet/internal/metrics"
	"hivenet/pkg/model"

	"github.com/go-logr/logr"
)

var (
	ErrNegativeAmount = errors.New("ledger: negative amount")
	// ErrOverRelease is logged, never returned: a release larger than the
	// reservation means something upstream released twice.
	ErrOverRelease = errors.New("ledger: release exceeds reservation")
)

type Ledger struct {
	reserved map[string]model.Memory
	log      logr.Logger
	rec      *metrics.Recorder
}

func New(log logr.Logger, rec *metrics.Recorder) *Ledger {
	return &Ledger{
		reserved: make(map[string]model.Memory),
		log:      log.WithName("ledger"),
		rec:      rec,
	}
}

// Available is total - used - reserved, floored at zero. Stage jobs the
// worker reports as running are covered by their reservation and only
// count beyond it.
func (l *Ledger) Available(w model.Worker) model.Memory {
	free := w.TotalCap - w.Committed(l.reserved[w.ID])
	if free < 0 {
		return 0
	}
	return free
}

// PoolAvailable sums Available over workers.
func (l *Ledger) PoolAvailable(workers []model.Worker) model.Memory {
	var total model.Memory
	for _, w := range workers {
		total += l.Available(w)
	}
	return total
}

func (l *Ledger) Reserved(workerID string) model.Memory {
	return l.reserved[workerID]
}

func (l *Ledger) Reserve(workerID string, amount model.Memory) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if amount == 0 {
		return nil
	}
	l.reserved[workerID] += amount
	l.rec.Reserved(context.Background(), amount)
	return nil
}

// Release subtracts amount. An entry that reaches zero is deleted; one that
// would go negative is clamped, deleted and logged. Release never fails so
// a batch's cleanup always runs to the end.
func (l *Ledger) Release(workerID string, amount model.Memory) {
	if amount <= 0 {
		return
	}
	held := l.reserved[workerID]
	left := held - amount
	switch {
	case left > 0:
		l.reserved[workerID] = left
		l.rec.Reserved(context.Background(), -amount)
	case left == 0:
		delete(l.reserved, workerID)
		l.rec.Reserved(context.Background(), -amount)
	default:
		delete(l.reserved, workerID)
		l.rec.Reserved(context.Background(), -held)
		l.rec.Inconsistency(context.Background(), workerID)
		l.log.Error(ErrOverRelease, "clamped reservation to zero",
			"worker", workerID, "held", held, "released", amount)
	}
}

// Forget drops a worker that left the pool.
func (l *Ledger) Forget(workerID string) {
	held, ok := l.reserved[workerID]
	if !ok {
		return
	}
	delete(l.reserved, workerID)
	l.rec.Reserved(context.Background(), -held)
	l.log.Info("worker left with capacity still reserved, zeroing", "warning", true,
		"worker", workerID, "held", held)
}

// Snapshot copies the reservations for a packing pass.
func (l *Ledger) Snapshot() map[string]model.Memory {
	out := make(map[string]model.Memory, len(l.reserved))
	for id, m := range l.reserved {
		out[id] = m
	}
	return out
}

func (l *Ledger) Total() model.Memory {
	var total model.Memory
	for _, m := range l.reserved {
		total += m
	}
	return total
}

// Len is the number of workers with a live reservation.
func (l *Ledger) Len() int {
	return len(l.reserved)
}

// Reset discards every reservation, as on kill.
func (l *Ledger) Reset() {
	l.rec.Reserved(context.Background(), -l.Total())
	l.reserved = make(map[string]model.Memory)
}
