package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/stats"
	"github.com/Blackdeer1524/ReplicaDB/src/transport"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

var (
	ErrDuplicateReplica = fmt.Errorf("feeder: %w", transport.ErrDuplicateStream)
	ErrNotPrimary       = errors.New("feeder: this node is not the primary")
	ErrTooManyReplicas  = errors.New("feeder: replica limit reached")
)

// Handle identifies a running feeder.
type Handle struct {
	Session   uuid.UUID
	ReplicaID string
	// Done is closed when the feeder stops.
	Done <-chan struct{}
}

type Option func(*Manager)

func WithAckListener(l AckListener) Option {
	return func(m *Manager) {
		m.onAck = l
	}
}

// Manager keeps exactly one feeder per connected replica while this node
// is the primary. It exists between Init and Shutdown; outside of that
// window every connection is refused.
type Manager struct {
	cfg    Config
	log    Log
	logger src.Logger
	onAck  AckListener

	feedersGuard sync.Mutex
	primary      bool
	pool         *ants.Pool
	active       map[string]*Feeder
	// retired keeps the final statistics of disconnected replicas.
	retired map[string]ReplicaStats
	running sync.WaitGroup

	nFeedersCreated  atomic.Uint64
	nFeedersShutdown atomic.Uint64
}

var _ transport.Acceptor = &Manager{}

func NewManager(cfg Config, log Log, logger src.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     log,
		logger:  logger,
		active:  map[string]*Feeder{},
		retired: map[string]ReplicaStats{},
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Init activates the manager when this node becomes the primary.
func (m *Manager) Init() error {
	m.feedersGuard.Lock()
	defer m.feedersGuard.Unlock()

	if m.primary {
		return nil
	}

	pool, err := ants.NewPool(m.cfg.MaxReplicas)
	if err != nil {
		return fmt.Errorf("feeder: worker pool: %w", err)
	}
	m.pool = pool
	m.primary = true

	m.logger.Infow("feeder manager initialized", zap.Int("maxReplicas", m.cfg.MaxReplicas))
	return nil
}

// Shutdown stops every feeder and waits for them. It is called on role
// loss and on process exit.
func (m *Manager) Shutdown() {
	m.feedersGuard.Lock()
	if !m.primary {
		m.feedersGuard.Unlock()
		return
	}
	m.primary = false

	feeders := make([]*Feeder, 0, len(m.active))
	for _, f := range m.active {
		feeders = append(feeders, f)
	}
	pool := m.pool
	m.pool = nil
	m.feedersGuard.Unlock()

	for _, f := range feeders {
		f.stop()
	}
	m.running.Wait()
	pool.Release()

	m.logger.Infow("feeder manager shut down", zap.Int("stopped", len(feeders)))
}

func (m *Manager) IsPrimary() bool {
	m.feedersGuard.Lock()
	defer m.feedersGuard.Unlock()

	return m.primary
}

// OnReplicaConnect starts a feeder streaming to replicaID from the given
// sequence. Only one feeder per replica may run at a time.
func (m *Manager) OnReplicaConnect(replicaID string, ch transport.Channel, from vlsn.VLSN) (Handle, error) {
	m.feedersGuard.Lock()
	if !m.primary {
		m.feedersGuard.Unlock()
		return Handle{}, ErrNotPrimary
	}
	if _, ok := m.active[replicaID]; ok {
		m.feedersGuard.Unlock()
		return Handle{}, fmt.Errorf("%w: %q", ErrDuplicateReplica, replicaID)
	}
	if len(m.active) >= m.cfg.MaxReplicas {
		m.feedersGuard.Unlock()
		return Handle{}, ErrTooManyReplicas
	}

	f := newFeeder(replicaID, from, ch, m.log, m.cfg.StatsWindow, m.logger, m.onAck)
	m.active[replicaID] = f
	m.running.Add(1)
	pool := m.pool
	m.feedersGuard.Unlock()

	m.nFeedersCreated.Add(1)

	err := pool.Submit(func() {
		defer m.running.Done()
		m.runFeeder(f)
	})
	if err != nil {
		m.running.Done()
		f.stop()
		_ = ch.Close()
		m.retire(f)
		return Handle{}, fmt.Errorf("feeder: submit: %w", err)
	}

	return Handle{Session: f.session, ReplicaID: replicaID, Done: f.done}, nil
}

func (m *Manager) runFeeder(f *Feeder) {
	err := f.run()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, transport.ErrChannelClosed):
		f.logger.Infow("feeder stopped", zap.Stringer("lastSent", vlsn.VLSN(f.lastSent.Load())))
	default:
		f.logger.Warnw("feeder failed", zap.Stringer("lastSent", vlsn.VLSN(f.lastSent.Load())), zap.Error(err))
	}

	m.retire(f)
}

func (m *Manager) retire(f *Feeder) {
	m.feedersGuard.Lock()
	if m.active[f.replicaID] == f {
		delete(m.active, f.replicaID)
		m.retired[f.replicaID] = f.Snapshot()
		m.nFeedersShutdown.Add(1)
	}
	m.feedersGuard.Unlock()

	close(f.done)
}

// OnReplicaDisconnect stops the replica's feeder and waits until its
// statistics are final. Unknown replicas are ignored.
func (m *Manager) OnReplicaDisconnect(replicaID string) {
	m.feedersGuard.Lock()
	f, ok := m.active[replicaID]
	m.feedersGuard.Unlock()
	if !ok {
		return
	}

	f.stop()
	<-f.done
}

// Accept hands a gRPC replica stream over to a new feeder.
func (m *Manager) Accept(
	_ context.Context,
	replicaID string,
	from vlsn.VLSN,
	ch transport.Channel,
) (<-chan struct{}, error) {
	h, err := m.OnReplicaConnect(replicaID, ch, from)
	if err != nil {
		return nil, err
	}

	return h.Done, nil
}

// Replicas returns the ids of the replicas currently being fed.
func (m *Manager) Replicas() []string {
	m.feedersGuard.Lock()
	defer m.feedersGuard.Unlock()

	res := make([]string, 0, len(m.active))
	for id := range m.active {
		res = append(res, id)
	}

	return res
}

// replicaStats snapshots every replica ever fed, the active ones winning.
func (m *Manager) replicaStats() (map[string]ReplicaStats, bool) {
	m.feedersGuard.Lock()
	defer m.feedersGuard.Unlock()

	res := make(map[string]ReplicaStats, len(m.active)+len(m.retired))
	for id, s := range m.retired {
		res[id] = s
	}
	for id, f := range m.active {
		res[id] = f.Snapshot()
	}

	return res, m.primary
}

// Report maps every replica to its delay statistics. It is empty unless
// this node is the primary.
func (m *Manager) Report() map[string]DelayStats {
	replicas, primary := m.replicaStats()
	res := map[string]DelayStats{}
	if !primary {
		return res
	}

	for id, s := range replicas {
		res[id] = s.Delay
	}

	return res
}

func (m *Manager) Stats() Stats {
	replicas, _ := m.replicaStats()

	return newStats(
		m.nFeedersCreated.Load(),
		m.nFeedersShutdown.Load(),
		replicas,
		m.log.LastVLSN(),
	)
}

func (m *Manager) Collector() *stats.Collector {
	return stats.NewCollector("replicadb", "feeder", func() []stats.Metric {
		return m.Stats().Metrics()
	})
}
