package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"hivenet/pkg/model"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout under the configured prefix.
const (
	DefaultPrefix = "/hivenet"

	workersDir  = "/workers/"
	targetsDir  = "/targets/"
	commandsDir = "/commands/"
	errorsDir   = "/errors/"
	killKey     = "/kill"
	beaconKey   = "/beacon"

	consumeAttempts = 8
)

type EtcdConfig struct {
	Endpoints       []string
	DialTimeout     time.Duration
	Prefix          string
	CommandCapacity int   // bound of the command channel
	LeaseTTL        int64 // seconds a worker survives without heartbeat
	Logger          logr.Logger
}

type EtcdManager struct {
	client   *clientv3.Client
	prefix   string
	capacity int
	ttl      int64
	log      logr.Logger

	mu    sync.Mutex
	lease clientv3.LeaseID
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(cfg EtcdConfig) (*EtcdManager, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return newEtcdManager(cli, cfg), nil
}

func newEtcdManager(cli *clientv3.Client, cfg EtcdConfig) *EtcdManager {
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 64
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}
	return &EtcdManager{client: cli, prefix: prefix, capacity: cfg.CommandCapacity, ttl: cfg.LeaseTTL,
		log: cfg.Logger.WithName("etcd")}
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

func (e *EtcdManager) key(dir, id string) string {
	return e.prefix + dir + id
}

// ---------------------------------------------------------
// Worker registry
// ---------------------------------------------------------

// RegisterWorker puts the worker under a shared lease and keeps the lease
// alive. A worker that stops heartbeating disappears after LeaseTTL.
func (e *EtcdManager) RegisterWorker(ctx context.Context, w *model.Worker) error {
	lease, err := e.liveLease(ctx)
	if err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	return e.putValue(ctx, e.key(workersDir, w.ID), w, clientv3.WithLease(lease))
}

func (e *EtcdManager) liveLease(ctx context.Context) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lease != clientv3.NoLease {
		if _, err := e.client.KeepAliveOnce(ctx, e.lease); err == nil {
			return e.lease, nil
		}
		// expired or revoked; grant a new one below
	}
	resp, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return clientv3.NoLease, err
	}
	e.lease = resp.ID
	return e.lease, nil
}

func (e *EtcdManager) RemoveWorker(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, e.key(workersDir, id))
	return err
}

func (e *EtcdManager) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	resp, err := e.client.Get(ctx, e.key(workersDir, ""),
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	workers := make([]*model.Worker, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var w model.Worker
		if err := json.Unmarshal(kv.Value, &w); err != nil {
			e.log.Error(err, "unmarshal worker", "key", string(kv.Key))
			continue
		}
		workers = append(workers, &w)
	}
	return workers, nil
}

// ---------------------------------------------------------
// Targets
// ---------------------------------------------------------

func (e *EtcdManager) PutTarget(ctx context.Context, t *model.Target) error {
	return e.putValue(ctx, e.key(targetsDir, t.ID), t)
}

func (e *EtcdManager) GetTarget(ctx context.Context, id string) (*model.Target, error) {
	resp, err := e.client.Get(ctx, e.key(targetsDir, id))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	var t model.Target
	if err := json.Unmarshal(resp.Kvs[0].Value, &t); err != nil {
		return nil, err
	}
	t.Seq = resp.Kvs[0].CreateRevision
	return &t, nil
}

func (e *EtcdManager) ListTargets(ctx context.Context) ([]*model.Target, error) {
	resp, err := e.client.Get(ctx, e.key(targetsDir, ""),
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	targets := make([]*model.Target, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var t model.Target
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			e.log.Error(err, "unmarshal target", "key", string(kv.Key))
			continue
		}
		t.Seq = kv.CreateRevision
		targets = append(targets, &t)
	}
	return targets, nil
}

func (e *EtcdManager) SetBeacon(ctx context.Context, managerID string) error {
	return e.putValue(ctx, e.prefix+beaconKey, map[string]any{
		"manager": managerID,
		"since":   time.Now(),
	})
}

func (e *EtcdManager) ClearBeacon(ctx context.Context) error {
	_, err := e.client.Delete(ctx, e.prefix+beaconKey)
	return err
}

// ---------------------------------------------------------
// Command channel
// ---------------------------------------------------------

// TryWriteCommand counts pending envelopes and refuses the write when the
// channel is at capacity. The manager is the only writer.
func (e *EtcdManager) TryWriteCommand(ctx context.Context, cmd *model.Command) error {
	dir := e.key(commandsDir, "")
	resp, err := e.client.Get(ctx, dir, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return err
	}
	if resp.Count >= int64(e.capacity) {
		return ErrChannelFull
	}
	return e.putValue(ctx, dir+cmd.ID, cmd)
}

// WatchCommands turns an etcd watch into a typed channel. Envelopes
// already pending when the watch starts are replayed first. Each envelope
// is emitted once: the puts ConsumeCommand makes as workers strike
// themselves off rewrite the same key and are not new work.
func (e *EtcdManager) WatchCommands(ctx context.Context, workerID string) <-chan CommandEvent {
	eventChan := make(chan CommandEvent)
	dir := e.key(commandsDir, "")

	go func() {
		defer close(eventChan)

		seen := make(map[string]bool)
		emit := func(key string, value []byte) bool {
			if seen[key] {
				return true
			}
			var cmd model.Command
			if err := json.Unmarshal(value, &cmd); err != nil {
				e.log.Error(err, "unmarshal command", "key", key)
				return true
			}
			if _, ok := cmd.For(workerID); !ok {
				return true
			}
			seen[key] = true
			select {
			case eventChan <- CommandEvent{Key: key, Command: &cmd}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := e.client.Get(ctx, dir, clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
		if err != nil {
			e.log.Error(err, "list pending commands")
			return
		}
		for _, kv := range resp.Kvs {
			if !emit(string(kv.Key), kv.Value) {
				return
			}
		}

		watchChan := e.client.Watch(ctx, dir, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				key := string(ev.Kv.Key)
				if ev.Type == clientv3.EventTypeDelete {
					delete(seen, key)
					continue
				}
				if !emit(key, ev.Kv.Value) {
					return
				}
			}
		}
	}()

	return eventChan
}

// ConsumeCommand rewrites the envelope without workerID using a
// compare-and-swap on the key's mod revision, retrying on contention with
// other workers consuming the same envelope.
func (e *EtcdManager) ConsumeCommand(ctx context.Context, ev CommandEvent, workerID string) error {
	for attempt := 0; attempt < consumeAttempts; attempt++ {
		resp, err := e.client.Get(ctx, ev.Key)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return nil
		}
		kv := resp.Kvs[0]

		var cmd model.Command
		if err := json.Unmarshal(kv.Value, &cmd); err != nil {
			return err
		}
		rest := cmd.Without(workerID)

		var op clientv3.Op
		if len(rest.Assignments) == 0 {
			op = clientv3.OpDelete(ev.Key)
		} else {
			bytes, err := json.Marshal(rest)
			if err != nil {
				return err
			}
			op = clientv3.OpPut(ev.Key, string(bytes))
		}

		txn, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(ev.Key), "=", kv.ModRevision)).
			Then(op).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("consume %s: too much contention", ev.Key)
}

func (e *EtcdManager) ClearCommands(ctx context.Context) error {
	_, err := e.client.Delete(ctx, e.key(commandsDir, ""), clientv3.WithPrefix())
	return err
}

// ---------------------------------------------------------
// Kill and error channels
// ---------------------------------------------------------

func (e *EtcdManager) WriteKill(ctx context.Context, k *model.Kill) error {
	return e.putValue(ctx, e.prefix+killKey, k)
}

func (e *EtcdManager) WatchKills(ctx context.Context) <-chan *model.Kill {
	killChan := make(chan *model.Kill)

	go func() {
		defer close(killChan)
		for watchResp := range e.client.Watch(ctx, e.prefix+killKey) {
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var k model.Kill
				if err := json.Unmarshal(ev.Kv.Value, &k); err != nil {
					e.log.Error(err, "unmarshal kill")
					continue
				}
				select {
				case killChan <- &k:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return killChan
}

func (e *EtcdManager) ReportError(ctx context.Context, r *model.ErrorReport) error {
	id := fmt.Sprintf("%020d-%s", r.At.UnixNano(), r.WorkerID)
	return e.putValue(ctx, e.key(errorsDir, id), r)
}

// DrainErrors deletes the error prefix and decodes what was removed, so a
// report is seen exactly once.
func (e *EtcdManager) DrainErrors(ctx context.Context) ([]*model.ErrorReport, error) {
	resp, err := e.client.Delete(ctx, e.key(errorsDir, ""), clientv3.WithPrefix(), clientv3.WithPrevKV())
	if err != nil {
		return nil, err
	}
	reports := make([]*model.ErrorReport, 0, len(resp.PrevKvs))
	for _, kv := range resp.PrevKvs {
		var r model.ErrorReport
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			e.log.Error(err, "unmarshal error report")
			continue
		}
		reports = append(reports, &r)
	}
	return reports, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes), opts...)
	return err
}

var _ Store = (*EtcdManager)(nil)
