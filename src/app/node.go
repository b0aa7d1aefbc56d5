package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/delivery"
	"github.com/Blackdeer1524/ReplicaDB/src/election"
	"github.com/Blackdeer1524/ReplicaDB/src/feeder"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/stats"
	"github.com/Blackdeer1524/ReplicaDB/src/recovery"
	"github.com/Blackdeer1524/ReplicaDB/src/replay"
	"github.com/Blackdeer1524/ReplicaDB/src/storage/memtree"
	"github.com/Blackdeer1524/ReplicaDB/src/storage/wal"
	"github.com/Blackdeer1524/ReplicaDB/src/transport"
	"github.com/Blackdeer1524/ReplicaDB/src/txns"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

const walFileName = "replicadb.wal"

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// node is the storage stack of one process plus the replication side its
// role needs: feeders on a primary, Replay on a replica. An elected primary
// candidate has both and replays the leader's stream until it is promoted.
type node struct {
	role   Role
	cfg    Config
	logger src.Logger

	wal     *wal.Log
	store   *memtree.Tree
	txns    *txns.Manager
	info    recovery.Info
	primary atomic.Bool

	feeders  *feeder.Manager
	replay   *replay.Replay
	registry *prometheus.Registry

	followGuard sync.Mutex
	dial        replay.Dialer
	newBackOff  func() backoff.BackOff
	stopFollow  context.CancelFunc
	followDone  chan struct{}
}

var _ election.RoleHandler = &node{}

// openNode recovers the log under cfg.DataDir and builds the role's
// replication components. A primary does not serve writes until Promote.
func openNode(fs afero.Fs, cfg Config, role Role, logger src.Logger) (*node, error) {
	if err := fs.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	log, err := wal.Open(fs, filepath.Join(cfg.DataDir, walFileName), logger)
	if err != nil {
		return nil, err
	}

	n := &node{
		role:     role,
		cfg:      cfg,
		logger:   logger,
		wal:      log,
		store:    memtree.New(),
		registry: prometheus.NewRegistry(),
	}

	n.info, err = recovery.Recover(log, n.store, logger)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	n.txns = txns.NewManager(log, n.store, logger)
	n.txns.ObserveTxnID(n.info.MaxTxnID)

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch role {
	case RolePrimary:
		n.feeders = feeder.NewManager(cfg.Feeder, log, logger, feeder.WithAckListener(n.onAck))
		err = stats.Register(n.registry, n.feeders.Collector())
		if err == nil && cfg.Election.Enabled {
			err = n.openReplay()
		}
	case RoleReplica:
		err = n.openReplay()
	default:
		err = fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	return n, nil
}

func (n *node) openReplay() error {
	n.replay = replay.New(n.cfg.Replay, n.txns, n.logger)
	n.replay.Restore(n.info.SyncPoint, n.info.Finished)

	return stats.Register(n.registry, n.replay.Collector())
}

func (n *node) onAck(replicaID string, ack wire.Ack) {
	n.logger.Debugw(
		"commit acknowledged",
		zap.String("replica", replicaID),
		zap.Stringer("vlsn", ack.VLSN),
		zap.Uint64("txn", uint64(ack.TxnID)),
	)
}

// standby makes a primary candidate replay the leader's stream until it is
// promoted, and again after it is demoted.
func (n *node) standby(dial replay.Dialer, newBackOff func() backoff.BackOff) {
	n.followGuard.Lock()
	defer n.followGuard.Unlock()

	n.dial, n.newBackOff = dial, newBackOff
	if !n.primary.Load() {
		n.startFollowingLocked()
	}
}

func (n *node) startFollowingLocked() {
	if n.replay == nil || n.dial == nil || n.stopFollow != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.replay.Follow(ctx, n.dial, n.newBackOff()); err != nil {
			n.logger.Errorw("stopped following the primary", zap.Error(err))
		}
	}()
	n.stopFollow, n.followDone = cancel, done
}

// stopFollowingLocked returns once the stream is torn down and whatever it
// left undurable is rolled back.
func (n *node) stopFollowingLocked() {
	if n.stopFollow == nil {
		return
	}

	n.stopFollow()
	<-n.followDone
	n.stopFollow, n.followDone = nil, nil
}

// Promote stops replaying, seeds the clock past both the elected watermark
// and the local log, then starts accepting replicas and client writes.
func (n *node) Promote(seed vlsn.VLSN) error {
	if n.role != RolePrimary {
		return fmt.Errorf("cannot promote a %s node", n.role)
	}

	n.followGuard.Lock()
	defer n.followGuard.Unlock()

	n.stopFollowingLocked()

	if local := n.wal.LastVLSN().Next(); vlsn.Compare(local, seed) > 0 {
		seed = local
	}
	clock := vlsn.NewClock(vlsn.Null)
	clock.Seed(seed)
	n.txns.SetClock(clock)

	if err := n.sequenceRollbacks(); err != nil {
		n.txns.SetClock(nil)
		n.startFollowingLocked()
		return err
	}

	if err := n.feeders.Init(); err != nil {
		n.txns.SetClock(nil)
		n.startFollowingLocked()
		return err
	}
	n.primary.Store(true)

	n.logger.Infow("serving as primary", zap.Stringer("seed", seed))
	return nil
}

// sequenceRollbacks logs a sequenced abort for every replayed transaction
// the stream teardown rolled back, so replicas fed from this log end them.
func (n *node) sequenceRollbacks() error {
	if n.replay == nil {
		return nil
	}

	for _, id := range n.replay.RolledBack() {
		t, err := n.txns.BeginWithID(id)
		if err != nil {
			return err
		}
		if err := t.Abort(vlsn.Null); err != nil {
			return fmt.Errorf("failed to log abort of txn %d: %w", id, err)
		}
	}

	return nil
}

func (n *node) Demote() {
	n.followGuard.Lock()
	defer n.followGuard.Unlock()

	n.primary.Store(false)
	n.feeders.Shutdown()
	n.txns.SetClock(nil)

	last := n.wal.LastVLSN()
	if n.replay != nil {
		n.replay.Restore(last, nil)
		n.startFollowingLocked()
	}

	n.logger.Infow("primary role released", zap.Stringer("last_vlsn", last))
}

func (n *node) handler() http.Handler {
	h := &delivery.APIHandler{
		Node: &records{
			txns:    n.txns,
			store:   n.store,
			primary: &n.primary,
		},
		Metrics: n.registry,
		Logger:  n.logger,
	}
	if n.replay != nil {
		h.Replay = n.replay
	}
	if n.feeders != nil {
		h.Feeders = n.feeders
	}

	return h.Router()
}

// dialer connects to the configured primaries in turn.
func (n *node) dialer(targets []string) replay.Dialer {
	i := 0
	return func(ctx context.Context, from vlsn.VLSN) (transport.Channel, error) {
		target := targets[i%len(targets)]
		i++

		return transport.Dial(ctx, target, n.cfg.ReplicaID, from)
	}
}

// proposeWatermarks publishes the synced end of the log to the election
// group while this node is the primary.
func (n *node) proposeWatermarks(ctx context.Context, el *election.Node, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	var proposed vlsn.VLSN
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		if !n.primary.Load() {
			continue
		}
		if err := n.txns.Sync(); err != nil {
			n.logger.Warnw("failed to sync the log", zap.Error(err))
			continue
		}

		last := n.wal.LastVLSN()
		if last == proposed {
			continue
		}
		if err := el.ProposeWatermark(last); err != nil {
			if !errors.Is(err, election.ErrNotLeader) {
				n.logger.Warnw("failed to propose watermark", zap.Stringer("vlsn", last), zap.Error(err))
			}
			continue
		}
		proposed = last
	}
}

func (n *node) close() error {
	n.followGuard.Lock()
	n.dial = nil
	n.stopFollowingLocked()
	n.followGuard.Unlock()

	if n.feeders != nil && n.primary.Load() {
		n.Demote()
	}

	return n.wal.Close()
}
