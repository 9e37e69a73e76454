package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hivenet/pkg/model"
)

// Memory is an in-process Store. It keeps the same semantics as the etcd
// backend (bounded channel, consume-and-rewrite, registration order) and
// backs tests and single-process embedding.
type Memory struct {
	mu       sync.Mutex
	capacity int
	seq      int64

	workers  map[string]*model.Worker
	wseq     map[string]int64
	targets  map[string]*model.Target
	commands map[string]*memCommand
	reports  []*model.ErrorReport
	beacon   string

	cmdSubs  []chan struct{}
	killSubs []chan *model.Kill
}

type memCommand struct {
	seq int64
	cmd *model.Command
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{
		capacity: capacity,
		workers:  make(map[string]*model.Worker),
		wseq:     make(map[string]int64),
		targets:  make(map[string]*model.Target),
		commands: make(map[string]*memCommand),
	}
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) RegisterWorker(_ context.Context, w *model.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	if _, ok := m.wseq[w.ID]; !ok {
		m.wseq[w.ID] = m.next()
	}
	return nil
}

func (m *Memory) RemoveWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	delete(m.wseq, id)
	return nil
}

func (m *Memory) ListWorkers(context.Context) ([]*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return m.wseq[out[i].ID] < m.wseq[out[j].ID] })
	return out, nil
}

func (m *Memory) PutTarget(_ context.Context, t *model.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	if old, ok := m.targets[t.ID]; ok {
		cp.Seq = old.Seq
	} else {
		cp.Seq = m.next()
	}
	m.targets[t.ID] = &cp
	return nil
}

func (m *Memory) GetTarget(_ context.Context, id string) (*model.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTargets(context.Context) ([]*model.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Target, 0, len(m.targets))
	for _, t := range m.targets {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) SetBeacon(_ context.Context, managerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beacon = managerID
	return nil
}

func (m *Memory) ClearBeacon(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beacon = ""
	return nil
}

// Beacon returns the manager id set by SetBeacon.
func (m *Memory) Beacon() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beacon
}

func (m *Memory) TryWriteCommand(_ context.Context, cmd *model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) >= m.capacity {
		return ErrChannelFull
	}
	cp := *cmd
	cp.Assignments = append([]model.Assignment(nil), cmd.Assignments...)
	m.commands[cmd.ID] = &memCommand{seq: m.next(), cmd: &cp}
	m.notify()
	return nil
}

// notify wakes command watchers; caller holds mu.
func (m *Memory) notify() {
	for _, sub := range m.cmdSubs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
}

// Pending returns the envelopes still on the channel, oldest first.
func (m *Memory) Pending() []*model.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

func (m *Memory) pendingLocked() []*model.Command {
	entries := make([]*memCommand, 0, len(m.commands))
	for _, c := range m.commands {
		entries = append(entries, c)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*model.Command, 0, len(entries))
	for _, e := range entries {
		cp := *e.cmd
		cp.Assignments = append([]model.Assignment(nil), e.cmd.Assignments...)
		out = append(out, &cp)
	}
	return out
}

func (m *Memory) WatchCommands(ctx context.Context, workerID string) <-chan CommandEvent {
	out := make(chan CommandEvent)
	wake := make(chan struct{}, 1)

	m.mu.Lock()
	m.cmdSubs = append(m.cmdSubs, wake)
	m.mu.Unlock()
	wake <- struct{}{}

	go func() {
		defer close(out)
		defer m.unsubscribe(wake)
		seen := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			m.mu.Lock()
			pending := m.pendingLocked()
			m.mu.Unlock()
			for _, cmd := range pending {
				if seen[cmd.ID] {
					continue
				}
				if _, ok := cmd.For(workerID); !ok {
					continue
				}
				seen[cmd.ID] = true
				select {
				case out <- CommandEvent{Key: cmd.ID, Command: cmd}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (m *Memory) unsubscribe(wake chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.cmdSubs {
		if sub == wake {
			m.cmdSubs = append(m.cmdSubs[:i], m.cmdSubs[i+1:]...)
			return
		}
	}
}

func (m *Memory) ConsumeCommand(_ context.Context, ev CommandEvent, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.commands[ev.Key]
	if !ok {
		return nil
	}
	rest := entry.cmd.Without(workerID)
	if len(rest.Assignments) == 0 {
		delete(m.commands, ev.Key)
		return nil
	}
	entry.cmd = rest
	return nil
}

func (m *Memory) ClearCommands(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = make(map[string]*memCommand)
	return nil
}

func (m *Memory) WriteKill(_ context.Context, k *model.Kill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.killSubs {
		cp := *k
		select {
		case sub <- &cp:
		default:
		}
	}
	return nil
}

func (m *Memory) WatchKills(ctx context.Context) <-chan *model.Kill {
	out := make(chan *model.Kill, 1)
	m.mu.Lock()
	m.killSubs = append(m.killSubs, out)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.killSubs {
			if sub == out {
				m.killSubs = append(m.killSubs[:i], m.killSubs[i+1:]...)
				break
			}
		}
		close(out)
	}()
	return out
}

func (m *Memory) ReportError(_ context.Context, r *model.ErrorReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reports = append(m.reports, &cp)
	return nil
}

func (m *Memory) DrainErrors(context.Context) ([]*model.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.reports
	m.reports = nil
	return out, nil
}

var _ Store = (*Memory)(nil)
