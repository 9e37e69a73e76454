package store

import (
	"context"
	"errors"

	"hivenet/pkg/model"
)

var (
	// ErrChannelFull is returned by TryWriteCommand when the bounded
	// command channel has no room. Callers decide whether to retry later.
	ErrChannelFull = errors.New("store: command channel full")
	ErrNotFound    = errors.New("store: not found")
)

// CommandEvent wraps a command envelope seen on the channel. Key is the
// backend's handle for the envelope, passed back to ConsumeCommand.
type CommandEvent struct {
	Key     string
	Command *model.Command
}

// Registry holds the worker pool and the target records published by the
// external collaborator.
type Registry interface {
	// RegisterWorker upserts a worker (heartbeat). Backends with leases
	// drop the worker when heartbeats stop.
	RegisterWorker(ctx context.Context, w *model.Worker) error
	RemoveWorker(ctx context.Context, id string) error
	// ListWorkers returns workers in registration order.
	ListWorkers(ctx context.Context) ([]*model.Worker, error)

	PutTarget(ctx context.Context, t *model.Target) error
	GetTarget(ctx context.Context, id string) (*model.Target, error)
	// ListTargets returns targets in registration order.
	ListTargets(ctx context.Context) ([]*model.Target, error)

	// SetBeacon marks the manager as running; ClearBeacon removes the mark.
	SetBeacon(ctx context.Context, managerID string) error
	ClearBeacon(ctx context.Context) error
}

// Bus is the messaging channel between the manager and its workers.
type Bus interface {
	// TryWriteCommand never blocks on a full channel; it returns
	// ErrChannelFull instead.
	TryWriteCommand(ctx context.Context, cmd *model.Command) error
	// WatchCommands emits pending and new envelopes that carry an
	// assignment for workerID. The channel closes when ctx ends.
	WatchCommands(ctx context.Context, workerID string) <-chan CommandEvent
	// ConsumeCommand removes workerID from the envelope, deleting the
	// envelope once no assignment is left.
	ConsumeCommand(ctx context.Context, ev CommandEvent, workerID string) error
	ClearCommands(ctx context.Context) error

	// WriteKill replaces any pending kill envelope.
	WriteKill(ctx context.Context, k *model.Kill) error
	WatchKills(ctx context.Context) <-chan *model.Kill

	ReportError(ctx context.Context, r *model.ErrorReport) error
	// DrainErrors returns and removes every pending report.
	DrainErrors(ctx context.Context) ([]*model.ErrorReport, error)
}

// Store is everything the manager and workers need from the backend.
type Store interface {
	Registry
	Bus
}

// Split combines a registry and a bus from different backends.
type Split struct {
	Registry
	Bus
}

var _ Store = Split{}
