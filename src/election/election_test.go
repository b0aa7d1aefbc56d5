package election

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

const waitFor = 5 * time.Second

type roles struct {
	mu       sync.Mutex
	promoted []vlsn.VLSN
	demoted  int
}

func (r *roles) Promote(seed vlsn.VLSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.promoted = append(r.promoted, seed)
	return nil
}

func (r *roles) Demote() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.demoted++
}

func (r *roles) seeds() []vlsn.VLSN {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]vlsn.VLSN(nil), r.promoted...)
}

func testRaftConfig(id string) *hraft.Config {
	cfg := hraft.DefaultConfig()
	cfg.LocalID = hraft.ServerID(id)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond
	cfg.LogOutput = io.Discard

	return cfg
}

// newGroup starts size nodes over connected in-memory transports.
func newGroup(t *testing.T, size int) []*Node {
	t.Helper()

	ids := make([]string, size)
	addrs := make([]hraft.ServerAddress, size)
	transports := make([]*hraft.InmemTransport, size)
	for i := range size {
		ids[i] = string(rune('a' + i))
		addrs[i], transports[i] = hraft.NewInmemTransport("")
	}
	for i := range size {
		for j := range size {
			if i != j {
				transports[i].Connect(addrs[j], transports[j])
			}
		}
	}

	servers := make([]hraft.Server, size)
	for i := range size {
		servers[i] = hraft.Server{Suffrage: hraft.Voter, ID: hraft.ServerID(ids[i]), Address: addrs[i]}
	}

	nodes := make([]*Node, size)
	for i := range size {
		n, err := newNode(testRaftConfig(ids[i]), transports[i], time.Second, zap.NewNop().Sugar())
		require.NoError(t, err)
		require.NoError(t, n.raft.BootstrapCluster(hraft.Configuration{Servers: servers}).Error())
		nodes[i] = n
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.Close()
		}
	})

	return nodes
}

func waitLeader(t *testing.T, nodes []*Node) *Node {
	t.Helper()

	var leader *Node
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.IsPrimary() {
				leader = n
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	return leader
}

func TestSingleNodePromotesItself(t *testing.T) {
	nodes := newGroup(t, 1)
	n := nodes[0]

	h := &roles{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watch(ctx, h) }()

	require.Eventually(t, func() bool {
		return len(h.seeds()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []vlsn.VLSN{1}, h.seeds())
	assert.Equal(t, n.ID(), n.Leader())

	require.NoError(t, n.ProposeWatermark(10))
	assert.Equal(t, vlsn.VLSN(10), n.Watermark())

	// watermarks never move back
	require.NoError(t, n.ProposeWatermark(4))
	assert.Equal(t, vlsn.VLSN(10), n.Watermark())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.demoted)
}

func TestWatermarkReplicatesAndSeedsNewLeader(t *testing.T) {
	nodes := newGroup(t, 3)
	leader := waitLeader(t, nodes)

	require.NoError(t, leader.ProposeWatermark(42))
	for _, n := range nodes {
		require.Eventually(t, func() bool {
			return n.Watermark() == 42
		}, waitFor, 10*time.Millisecond, n.ID())
	}

	var followers []*Node
	for _, n := range nodes {
		if n != leader {
			followers = append(followers, n)
			assert.ErrorIs(t, n.ProposeWatermark(50), ErrNotLeader)
		}
	}

	handlers := make([]*roles, len(followers))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i, n := range followers {
		handlers[i] = &roles{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Watch(ctx, handlers[i])
		}()
	}

	require.NoError(t, leader.raft.Shutdown().Error())

	next := waitLeader(t, followers)
	for i, n := range followers {
		if n != next {
			continue
		}
		require.Eventually(t, func() bool {
			return len(handlers[i].seeds()) == 1
		}, waitFor, 10*time.Millisecond)
		assert.Equal(t, []vlsn.VLSN{43}, handlers[i].seeds())
	}

	cancel()
	wg.Wait()
}

func TestFSMSnapshotRestore(t *testing.T) {
	src := &fsm{nodeID: "a", logger: zap.NewNop().Sugar()}
	src.watermark.Store(17)

	snap, err := src.Snapshot()
	require.NoError(t, err)

	store := hraft.NewInmemSnapshotStore()
	_, trans := hraft.NewInmemTransport("")
	sink, err := store.Create(hraft.SnapshotVersionMax, 1, 1, hraft.Configuration{}, 1, trans)
	require.NoError(t, err)
	require.NoError(t, snap.Persist(sink))

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	_, rc, err := store.Open(metas[0].ID)
	require.NoError(t, err)

	dst := &fsm{nodeID: "b", logger: zap.NewNop().Sugar()}
	require.NoError(t, dst.Restore(rc))
	assert.Equal(t, uint64(17), dst.watermark.Load())
}

func TestParsePeers(t *testing.T) {
	servers, err := ParsePeers([]string{"a=127.0.0.1:7000", "b=127.0.0.1:7001"})
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, hraft.ServerID("b"), servers[1].ID)
	assert.Equal(t, hraft.ServerAddress("127.0.0.1:7001"), servers[1].Address)

	_, err = ParsePeers([]string{"missing-address"})
	assert.Error(t, err)
}
