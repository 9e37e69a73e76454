package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"hivenet/pkg/model"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func freeURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return url.URL{Scheme: "http", Host: addr}
}

// newTestEtcd starts a single-member etcd in a temp dir and returns a
// manager on it.
func newTestEtcd(t *testing.T, capacity int) *EtcdManager {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded etcd")
	}

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	client, peer := freeURL(t), freeURL(t)
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	srv, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	select {
	case <-srv.Server.ReadyNotify():
	case <-time.After(20 * time.Second):
		srv.Server.Stop()
		t.Fatal("etcd did not start")
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{client.Host},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	m := newEtcdManager(cli, EtcdConfig{
		Prefix:          fmt.Sprintf("/test-%d", time.Now().UnixNano()),
		CommandCapacity: capacity,
		LeaseTTL:        5,
		Logger:          logr.Discard(),
	})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (e *EtcdManager) pendingCommand(t *testing.T, id string) (*model.Command, bool) {
	t.Helper()
	resp, err := e.client.Get(context.Background(), e.key(commandsDir, id))
	require.NoError(t, err)
	if len(resp.Kvs) == 0 {
		return nil, false
	}
	var cmd model.Command
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &cmd))
	return &cmd, true
}

func TestEtcdTryWriteCommandIsBounded(t *testing.T) {
	ctx := context.Background()
	e := newTestEtcd(t, 2)

	require.NoError(t, e.TryWriteCommand(ctx, command("a", model.Assignment{WorkerID: "w1", Units: 1})))
	require.NoError(t, e.TryWriteCommand(ctx, command("b", model.Assignment{WorkerID: "w1", Units: 1})))
	err := e.TryWriteCommand(ctx, command("c", model.Assignment{WorkerID: "w1", Units: 1}))
	assert.ErrorIs(t, err, ErrChannelFull)

	require.NoError(t, e.ClearCommands(ctx))
	assert.NoError(t, e.TryWriteCommand(ctx, command("c", model.Assignment{WorkerID: "w1", Units: 1})))
}

func TestEtcdConsumeRewritesThenDeletes(t *testing.T) {
	ctx := context.Background()
	e := newTestEtcd(t, 4)
	require.NoError(t, e.TryWriteCommand(ctx, command("a",
		model.Assignment{WorkerID: "w1", Units: 3},
		model.Assignment{WorkerID: "w2", Units: 2},
	)))
	ev := CommandEvent{Key: e.key(commandsDir, "a")}

	require.NoError(t, e.ConsumeCommand(ctx, ev, "w1"))
	cmd, ok := e.pendingCommand(t, "a")
	require.True(t, ok)
	assert.Equal(t, []model.Assignment{{WorkerID: "w2", Units: 2}}, cmd.Assignments)

	require.NoError(t, e.ConsumeCommand(ctx, ev, "w2"))
	_, ok = e.pendingCommand(t, "a")
	assert.False(t, ok)

	require.NoError(t, e.ConsumeCommand(ctx, ev, "w2"))
}

func TestEtcdWatchEmitsEachEnvelopeOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEtcd(t, 8)

	require.NoError(t, e.TryWriteCommand(ctx, command("shared",
		model.Assignment{WorkerID: "w1", Units: 1},
		model.Assignment{WorkerID: "w2", Units: 1},
		model.Assignment{WorkerID: "w3", Units: 1},
	)))
	events := e.WatchCommands(ctx, "w1")
	first := recv(t, events)
	assert.Equal(t, "shared", first.Command.ID)

	// the others striking themselves off rewrite the key; w1 is still on it
	require.NoError(t, e.ConsumeCommand(ctx, first, "w2"))
	require.NoError(t, e.ConsumeCommand(ctx, first, "w3"))
	require.NoError(t, e.TryWriteCommand(ctx, command("other", model.Assignment{WorkerID: "w2", Units: 1})))
	require.NoError(t, e.TryWriteCommand(ctx, command("next", model.Assignment{WorkerID: "w1", Units: 2})))

	next := recv(t, events)
	assert.Equal(t, "next", next.Command.ID)
	assert.Equal(t, 2, next.Command.Assignments[0].Units)

	require.NoError(t, e.ConsumeCommand(ctx, first, "w1"))
	require.NoError(t, e.ConsumeCommand(ctx, next, "w1"))
	quiet(t, events)
	_, ok := e.pendingCommand(t, "shared")
	assert.False(t, ok)
}

func TestEtcdRegistryKeepsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEtcd(t, 1)
	for _, id := range []string{"home", "pserv-0"} {
		require.NoError(t, e.RegisterWorker(ctx, &model.Worker{ID: id, TotalCap: 100}))
	}
	require.NoError(t, e.RegisterWorker(ctx, &model.Worker{ID: "home", TotalCap: 100, Running: 30}))

	workers, err := e.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "home", workers[0].ID)
	assert.Equal(t, model.Memory(30), workers[0].Running)

	require.NoError(t, e.RemoveWorker(ctx, "home"))
	workers, err = e.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pserv-0"}, []string{workers[0].ID})

	require.NoError(t, e.PutTarget(ctx, &model.Target{ID: "joesguns", MaxResource: 10}))
	got, err := e.GetTarget(ctx, "joesguns")
	require.NoError(t, err)
	assert.Positive(t, got.Seq)
	_, err = e.GetTarget(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEtcdDrainErrorsSeesEachReportOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEtcd(t, 1)
	require.NoError(t, e.ReportError(ctx, &model.ErrorReport{Type: model.ReportMissingTarget, WorkerID: "w1", At: time.Now()}))

	reports, err := e.DrainErrors(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.ReportMissingTarget, reports[0].Type)

	reports, err = e.DrainErrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestEtcdKillReachesWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEtcd(t, 1)
	kills := e.WatchKills(ctx)

	// the watch registers asynchronously; keep writing until it is live
	var got *model.Kill
	require.Eventually(t, func() bool {
		if err := e.WriteKill(ctx, &model.Kill{WorkerIDs: []string{"w1"}}); err != nil {
			return false
		}
		select {
		case got = <-kills:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, got.Addresses("w1"))
	assert.False(t, got.Addresses("w2"))
}
