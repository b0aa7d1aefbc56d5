// Package election decides which node is the primary. It runs a raft group
// whose replicated state is the durable sequence watermark of the primary.
package election

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	transport "github.com/Jille/raft-grpc-transport"
	hraft "github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

var ErrNotLeader = errors.New("election: this node is not the leader")

type Config struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	NodeID  string `yaml:"node_id" envconfig:"NODE_ID"`
	Addr    string `yaml:"addr" envconfig:"ADDR"`
	// Peers lists the whole group as id=host:port entries, this node
	// included. The group is bootstrapped from it.
	Peers        []string      `yaml:"peers" envconfig:"PEERS"`
	ApplyTimeout time.Duration `yaml:"apply_timeout" envconfig:"APPLY_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		NodeID:       "node-1",
		Addr:         "127.0.0.1:7000",
		ApplyTimeout: 5 * time.Second,
	}
}

// ParsePeers turns id=addr entries into a raft configuration.
func ParsePeers(peers []string) ([]hraft.Server, error) {
	res := make([]hraft.Server, 0, len(peers))
	for _, p := range peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("election: malformed peer %q, expected id=addr", p)
		}
		res = append(res, hraft.Server{
			Suffrage: hraft.Voter,
			ID:       hraft.ServerID(id),
			Address:  hraft.ServerAddress(addr),
		})
	}

	return res, nil
}

// RoleHandler reacts to leadership changes. Promote gets the first sequence
// the new primary may hand out.
type RoleHandler interface {
	Promote(seed vlsn.VLSN) error
	Demote()
}

type Node struct {
	id   string
	addr string
	raft *hraft.Raft
	fsm  *fsm
	grpc *grpc.Server

	applyTimeout time.Duration
	logger       src.Logger
}

func StartNode(cfg Config, logger src.Logger) (*Node, error) {
	peers, err := ParsePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	tr := transport.New(hraft.ServerAddress(cfg.Addr), []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	})

	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.LogOutput = io.Discard

	n, err := newNode(rcfg, tr.Transport(), cfg.ApplyTimeout, logger)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}
	n.addr = cfg.Addr

	if len(peers) > 0 {
		err := n.raft.BootstrapCluster(hraft.Configuration{Servers: peers}).Error()
		if err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
			_ = lis.Close()
			return nil, fmt.Errorf("failed to bootstrap raft group: %w", err)
		}
	}

	s := grpc.NewServer()
	tr.Register(s)
	leaderhealth.Setup(n.raft, s, []string{"replicadb"})
	n.grpc = s

	go func() {
		if err := s.Serve(lis); err != nil {
			n.logger.Errorw("raft node failed to serve", zap.Error(err))
		}
	}()

	return n, nil
}

func newNode(
	cfg *hraft.Config,
	trans hraft.Transport,
	applyTimeout time.Duration,
	logger src.Logger,
) (*Node, error) {
	f := &fsm{nodeID: string(cfg.LocalID), logger: logger}

	r, err := hraft.NewRaft(
		cfg,
		f,
		hraft.NewInmemStore(),
		hraft.NewInmemStore(),
		hraft.NewInmemSnapshotStore(),
		trans,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	return &Node{
		id:           string(cfg.LocalID),
		raft:         r,
		fsm:          f,
		applyTimeout: applyTimeout,
		logger:       logger,
	}, nil
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) IsPrimary() bool {
	return n.raft.State() == hraft.Leader
}

// Leader returns the id of the current leader, empty when there is none.
func (n *Node) Leader() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// Watermark is the highest durable sequence any primary has announced.
func (n *Node) Watermark() vlsn.VLSN {
	return vlsn.VLSN(n.fsm.watermark.Load())
}

// ProposeWatermark replicates v as the durable watermark. Only the leader
// may propose.
func (n *Node) ProposeWatermark(v vlsn.VLSN) error {
	if !n.IsPrimary() {
		return ErrNotLeader
	}

	data, err := msgpack.Marshal(command{Watermark: v, Primary: n.id})
	if err != nil {
		return err
	}

	if err := n.raft.Apply(data, n.applyTimeout).Error(); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) {
			return ErrNotLeader
		}
		return fmt.Errorf("raft apply failed: %w", err)
	}

	return nil
}

// Watch drives h until ctx is cancelled. A node that is leading when ctx
// ends is demoted.
func (n *Node) Watch(ctx context.Context, h RoleHandler) error {
	leading := false
	transition := func(leader bool) {
		switch {
		case leader && !leading:
			// every watermark of the previous term must be applied first
			if err := n.raft.Barrier(n.applyTimeout).Error(); err != nil {
				n.logger.Warnw("barrier failed after election", zap.String("node_id", n.id), zap.Error(err))
				return
			}
			seed := n.Watermark().Next()
			if err := h.Promote(seed); err != nil {
				n.logger.Errorw("promotion failed", zap.String("node_id", n.id), zap.Error(err))
				return
			}
			leading = true
			n.logger.Infow("promoted to primary", zap.String("node_id", n.id), zap.Stringer("seed", seed))
		case !leader && leading:
			h.Demote()
			leading = false
			n.logger.Infow("demoted", zap.String("node_id", n.id))
		}
	}

	transition(n.IsPrimary())
	for {
		select {
		case <-ctx.Done():
			transition(false)
			return nil
		case leader := <-n.raft.LeaderCh():
			transition(leader)
		}
	}
}

func (n *Node) Close() {
	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Errorw("raft node failed to close raft", zap.Error(err))
	}
	if n.grpc != nil {
		n.grpc.GracefulStop()
	}
	n.logger.Infow("raft node gracefully stopped", zap.String("node_id", n.id), zap.String("address", n.addr))
}
