package feeder

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/storage/memtree"
	"github.com/Blackdeer1524/ReplicaDB/src/storage/wal"
	"github.com/Blackdeer1524/ReplicaDB/src/transport"
	"github.com/Blackdeer1524/ReplicaDB/src/txns"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

const waitFor = 2 * time.Second

type primary struct {
	log  *wal.Log
	txns *txns.Manager
	m    *Manager
}

func newPrimary(t *testing.T, cfg Config, opts ...Option) *primary {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	log, err := wal.Open(afero.NewMemMapFs(), "/primary/primary.wal", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	mgr := txns.NewManager(log, memtree.New(), logger)
	mgr.SetClock(vlsn.NewClock(vlsn.Null))

	m := NewManager(cfg, log, logger, opts...)
	require.NoError(t, m.Init())
	t.Cleanup(m.Shutdown)

	return &primary{log: log, txns: mgr, m: m}
}

// commit writes key in its own transaction: the write gets one sequence and
// the commit the next.
func (p *primary) commit(t *testing.T, key string) {
	t.Helper()

	txn := p.txns.Begin()
	_, err := txn.Write(context.Background(), txns.WriteOp{
		Type:   common.TypeInsert,
		Record: common.RecordID{Container: 1, Key: key},
		Data:   []byte(key),
	})
	require.NoError(t, err)
	_, err = txn.Commit(common.CommitAck)
	require.NoError(t, err)
}

func (p *primary) connect(t *testing.T, replicaID string, from vlsn.VLSN) (transport.Channel, Handle) {
	t.Helper()

	feederEnd, replicaEnd := transport.Pipe(16)
	h, err := p.m.OnReplicaConnect(replicaID, feederEnd, from)
	require.NoError(t, err)

	return replicaEnd, h
}

func recvEntry(t *testing.T, ch transport.Channel) *wire.Entry {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	m, err := ch.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TypeEntry, m.Type)
	require.NotNil(t, m.Entry)

	return m.Entry
}

func recvSequences(t *testing.T, ch transport.Channel, n int) []vlsn.VLSN {
	t.Helper()

	res := make([]vlsn.VLSN, 0, n)
	for range n {
		res = append(res, recvEntry(t, ch).VLSN)
	}

	return res
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(waitFor):
		require.FailNow(t, "feeder did not stop")
	}
}

func TestFeederStreamsInOrder(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	p.commit(t, "a")
	p.commit(t, "b")

	replica, _ := p.connect(t, "r1", vlsn.Null)
	assert.Equal(t, []vlsn.VLSN{1, 2, 3, 4}, recvSequences(t, replica, 4))

	// entries appended after the connection follow
	p.commit(t, "c")
	first := recvEntry(t, replica)
	assert.Equal(t, vlsn.VLSN(5), first.VLSN)
	assert.Equal(t, common.TypeInsert, first.Type)
	assert.Equal(t, []byte("c"), first.Data)

	second := recvEntry(t, replica)
	assert.Equal(t, common.TypeCommit, second.Type)
	assert.Equal(t, common.CommitAck, second.Policy)
	assert.False(t, second.CommitTime.IsZero())
}

func TestFeederStartsAtRequestedSequence(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	p.commit(t, "a")
	p.commit(t, "b")

	replica, _ := p.connect(t, "r1", 3)
	assert.Equal(t, []vlsn.VLSN{3, 4}, recvSequences(t, replica, 2))
}

func TestDuplicateReplicaIsRejected(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	p.connect(t, "r1", vlsn.Null)

	ch, _ := transport.Pipe(1)
	_, err := p.m.OnReplicaConnect("r1", ch, vlsn.Null)
	require.ErrorIs(t, err, ErrDuplicateReplica)
	assert.ErrorIs(t, err, transport.ErrDuplicateStream)
	assert.Equal(t, []string{"r1"}, p.m.Replicas())
}

func TestManagerOutsidePrimaryRole(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	log, err := wal.Open(afero.NewMemMapFs(), "/primary/primary.wal", logger)
	require.NoError(t, err)
	defer log.Close()

	m := NewManager(DefaultConfig(), log, logger)

	ch, _ := transport.Pipe(1)
	_, err = m.OnReplicaConnect("r1", ch, vlsn.Null)
	assert.ErrorIs(t, err, ErrNotPrimary)
	assert.Empty(t, m.Report())
	assert.False(t, m.IsPrimary())

	// shutdown of an uninitialized manager is a no-op
	m.Shutdown()
}

func TestDisconnectIsIdempotent(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	_, h := p.connect(t, "r1", vlsn.Null)

	p.m.OnReplicaDisconnect("r1")
	waitClosed(t, h.Done)
	p.m.OnReplicaDisconnect("r1")
	p.m.OnReplicaDisconnect("unknown")

	st := p.m.Stats()
	assert.Equal(t, uint64(1), st.NFeedersCreated)
	assert.Equal(t, uint64(1), st.NFeedersShutdown)
	assert.Empty(t, p.m.Replicas())

	// the replica may come back once its feeder is gone
	_, h2 := p.connect(t, "r1", vlsn.Null)
	assert.NotEqual(t, h.Session, h2.Session)
	assert.Equal(t, uint64(2), p.m.Stats().NFeedersCreated)
}

func TestBrokenChannelRetiresFeeder(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	replica, h := p.connect(t, "r1", vlsn.Null)

	require.NoError(t, replica.Close())
	waitClosed(t, h.Done)

	assert.Empty(t, p.m.Replicas())
	assert.Equal(t, uint64(1), p.m.Stats().NFeedersShutdown)
	// the last statistics of the replica are kept
	assert.Contains(t, p.m.Report(), "r1")
}

func TestAckUpdatesDelayStatistics(t *testing.T) {
	var mu sync.Mutex
	var acks []wire.Ack
	p := newPrimary(t, DefaultConfig(), WithAckListener(func(replicaID string, ack wire.Ack) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "r1", replicaID)
		acks = append(acks, ack)
	}))
	p.commit(t, "a")

	replica, _ := p.connect(t, "r1", vlsn.Null)
	recvSequences(t, replica, 2)

	err := replica.Send(context.Background(), &wire.Message{
		Type: wire.TypeAck,
		Ack:  &wire.Ack{VLSN: 2, TxnID: 1, Policy: common.CommitAck, CommitTime: time.Now()},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.m.Report()["r1"].Acks == 1
	}, waitFor, time.Millisecond)

	delay := p.m.Report()["r1"]
	assert.GreaterOrEqual(t, delay.AvgMs, 0.0)
	assert.Equal(t, delay.MaxMs, delay.P99Ms)

	st := p.m.Stats()
	assert.Equal(t, uint64(2), st.ReplicaLastCommitVLSNMap["r1"])
	assert.Equal(t, int64(0), st.ReplicaVLSNLagMap["r1"])
	assert.Contains(t, st.ReplicaLastCommitTimestampMap, "r1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acks, 1)
	assert.Equal(t, vlsn.VLSN(2), acks[0].VLSN)
}

func TestRetransmitRewindsFeeder(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	p.commit(t, "a")
	p.commit(t, "b")

	replica, _ := p.connect(t, "r1", vlsn.Null)
	recvSequences(t, replica, 4)

	err := replica.Send(context.Background(), &wire.Message{
		Type:       wire.TypeRetransmit,
		Retransmit: &wire.Retransmit{From: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, []vlsn.VLSN{2, 3, 4}, recvSequences(t, replica, 3))
}

func TestReplicaLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReplicas = 1
	p := newPrimary(t, cfg)
	p.connect(t, "r1", vlsn.Null)

	ch, _ := transport.Pipe(1)
	_, err := p.m.OnReplicaConnect("r2", ch, vlsn.Null)
	assert.ErrorIs(t, err, ErrTooManyReplicas)
}

func TestShutdownStopsEveryFeeder(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	_, h1 := p.connect(t, "r1", vlsn.Null)
	_, h2 := p.connect(t, "r2", vlsn.Null)

	p.m.Shutdown()

	waitClosed(t, h1.Done)
	waitClosed(t, h2.Done)
	assert.Empty(t, p.m.Report())
	assert.Equal(t, uint64(2), p.m.Stats().NFeedersShutdown)

	// a later Init makes the node primary again
	require.NoError(t, p.m.Init())
	p.connect(t, "r1", vlsn.Null)
}

func TestFeederOverGRPC(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	p.commit(t, "a")

	lis := bufconn.Listen(1 << 20)
	srv := transport.NewServer(p.m, zaptest.NewLogger(t).Sugar())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := transport.Dial(
		ctx,
		"passthrough:///bufnet",
		"r1",
		vlsn.Null,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, []vlsn.VLSN{1, 2}, recvSequences(t, ch, 2))
	require.Eventually(t, func() bool {
		return len(p.m.Replicas()) == 1
	}, waitFor, time.Millisecond)
}

func TestFeederLogsCarryReplicaAndSession(t *testing.T) {
	p := newPrimary(t, DefaultConfig())
	p.commit(t, "a")

	core, logs := observer.New(zap.InfoLevel)
	m := NewManager(DefaultConfig(), p.log, zap.New(core).Sugar())
	require.NoError(t, m.Init())
	defer m.Shutdown()

	feederEnd, replicaEnd := transport.Pipe(16)
	h, err := m.OnReplicaConnect("r1", feederEnd, 1)
	require.NoError(t, err)
	assert.Equal(t, []vlsn.VLSN{1, 2}, recvSequences(t, replicaEnd, 2))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("feeder started").Len() == 1
	}, waitFor, time.Millisecond)

	fields := logs.FilterMessage("feeder started").All()[0].ContextMap()
	assert.Equal(t, "r1", fields["replica"])
	assert.Equal(t, h.Session.String(), fields["session"])
	assert.Equal(t, vlsn.VLSN(1).String(), fields["from"])
}
