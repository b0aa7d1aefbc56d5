// Package feeder streams the primary's log to connected replicas and keeps
// per-replica acknowledgment statistics.
package feeder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/stats"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/utils"
	"github.com/Blackdeer1524/ReplicaDB/src/transport"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

// maxTrackedCommits bounds the commit-time index of a replica that never
// acknowledges.
const maxTrackedCommits = 1 << 16

// Log is the part of the write-ahead log a feeder reads.
type Log interface {
	WaitVLSN(ctx context.Context, v vlsn.VLSN) (common.LogRecord, error)
	LastVLSN() vlsn.VLSN
}

// AckListener observes every acknowledgment received from any replica.
type AckListener func(replicaID string, ack wire.Ack)

// Feeder streams the log to one replica. Its send loop owns lastSent and
// the commit-time index; its ack loop owns everything else.
type Feeder struct {
	replicaID string
	session   uuid.UUID
	from      vlsn.VLSN

	ch     transport.Channel
	log    Log
	logger src.Logger
	onAck  AckListener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	commitTimes *skipmap.FuncMap[vlsn.VLSN, time.Time]

	waitGuard  sync.Mutex
	waitCancel context.CancelFunc
	rewindTo   atomic.Uint64

	lastSent       atomic.Uint64
	lastAcked      atomic.Uint64
	lastCommitVLSN atomic.Uint64
	lastCommitTime atomic.Int64
	lastDelayMs    atomic.Int64
	nRewinds       atomic.Uint64

	delays *stats.Window
	rate   *stats.Rate
}

func newFeeder(
	replicaID string,
	from vlsn.VLSN,
	ch transport.Channel,
	log Log,
	window time.Duration,
	logger src.Logger,
	onAck AckListener,
) *Feeder {
	ctx, cancel := context.WithCancel(context.Background())
	if from.IsNull() {
		from = vlsn.VLSN(1)
	}

	f := &Feeder{
		replicaID: replicaID,
		session:   uuid.New(),
		from:      from,
		ch:        ch,
		log:       log,
		onAck:     onAck,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		commitTimes: skipmap.NewFunc[vlsn.VLSN, time.Time](func(a, b vlsn.VLSN) bool {
			return a < b
		}),
		delays: stats.NewWindow(window),
		rate:   stats.NewRate(window),
	}
	f.logger = logger.With(zap.String("replica", replicaID), zap.Stringer("session", f.session))
	f.lastSent.Store(uint64(from - 1))

	return f
}

func (f *Feeder) ReplicaID() string {
	return f.replicaID
}

func (f *Feeder) Session() uuid.UUID {
	return f.session
}

// Done is closed once the feeder has stopped and its statistics are final.
func (f *Feeder) Done() <-chan struct{} {
	return f.done
}

func (f *Feeder) stop() {
	f.cancel()
}

// run streams until the replica goes away or the feeder is stopped. The
// channel is closed on the way out.
func (f *Feeder) run() error {
	f.logger.Infow("feeder started", zap.Stringer("from", f.from))

	g, gctx := errgroup.WithContext(f.ctx)
	g.Go(func() error {
		<-gctx.Done()
		return f.ch.Close()
	})
	g.Go(func() error {
		return f.sendLoop(gctx)
	})
	g.Go(func() error {
		return f.ackLoop(gctx)
	})

	return g.Wait()
}

// Rewind makes the send loop continue from v, as requested by a replica
// that had to drop entries.
func (f *Feeder) Rewind(v vlsn.VLSN) {
	if v.IsNull() {
		return
	}

	f.rewindTo.Store(uint64(v))
	f.nRewinds.Add(1)

	f.waitGuard.Lock()
	defer f.waitGuard.Unlock()
	if f.waitCancel != nil {
		f.waitCancel()
	}
}

func (f *Feeder) nextRecord(ctx context.Context, v vlsn.VLSN) (common.LogRecord, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.waitGuard.Lock()
	f.waitCancel = cancel
	f.waitGuard.Unlock()

	if f.rewindTo.Load() != 0 {
		cancel()
	}

	return f.log.WaitVLSN(waitCtx, v)
}

func (f *Feeder) sendLoop(ctx context.Context) error {
	next := f.from
	for {
		if to := vlsn.VLSN(f.rewindTo.Swap(0)); !to.IsNull() {
			f.logger.Infow("rewinding", zap.Stringer("from", next), zap.Stringer("to", to))
			next = to
		}

		rec, err := f.nextRecord(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}

		if rec.Type == common.TypeCommit {
			f.trackCommit(rec.VLSN, rec.Timestamp)
		}

		e := wire.NewEntry(rec)
		if err := f.ch.Send(ctx, &wire.Message{Type: wire.TypeEntry, Entry: &e}); err != nil {
			return err
		}
		f.lastSent.Store(uint64(next))
		next = next.Next()
	}
}

func (f *Feeder) trackCommit(v vlsn.VLSN, at time.Time) {
	f.commitTimes.Store(v, at)

	for f.commitTimes.Len() > maxTrackedCommits {
		f.commitTimes.Range(func(oldest vlsn.VLSN, _ time.Time) bool {
			f.commitTimes.Delete(oldest)
			return false
		})
	}
}

func (f *Feeder) ackLoop(ctx context.Context) error {
	for {
		m, err := f.ch.Recv(ctx)
		if err != nil {
			return err
		}

		switch {
		case m.Type == wire.TypeAck && m.Ack != nil:
			f.ack(*m.Ack, time.Now())
		case m.Type == wire.TypeRetransmit && m.Retransmit != nil:
			f.logger.Warnw("replica requested retransmission", zap.Stringer("from", m.Retransmit.From))
			f.Rewind(m.Retransmit.From)
		default:
			f.logger.Warnw("unexpected message from the replica", zap.Stringer("type", m.Type))
		}
	}
}

func (f *Feeder) ack(a wire.Ack, now time.Time) {
	if commitTime, ok := f.commitTimes.Load(a.VLSN); ok {
		delay := now.Sub(commitTime)
		f.delays.Add(now, utils.Millis(delay))
		f.lastDelayMs.Store(delay.Milliseconds())
		f.lastCommitTime.Store(commitTime.UnixNano())
		f.lastCommitVLSN.Store(uint64(a.VLSN))
	}

	f.commitTimes.Range(func(v vlsn.VLSN, _ time.Time) bool {
		if v > a.VLSN {
			return false
		}
		f.commitTimes.Delete(v)
		return true
	})

	if uint64(a.VLSN) > f.lastAcked.Load() {
		f.lastAcked.Store(uint64(a.VLSN))
		f.rate.Add(now, uint64(a.VLSN))
	}

	if f.onAck != nil {
		f.onAck(f.replicaID, a)
	}
}

// Snapshot copies the replica's statistics.
func (f *Feeder) Snapshot() ReplicaStats {
	s := ReplicaStats{
		ReplicaID:      f.replicaID,
		Session:        f.session.String(),
		LastSentVLSN:   vlsn.VLSN(f.lastSent.Load()),
		LastAckedVLSN:  vlsn.VLSN(f.lastAcked.Load()),
		LastCommitVLSN: vlsn.VLSN(f.lastCommitVLSN.Load()),
		LastDelayMs:    f.lastDelayMs.Load(),
		Delay:          newDelayStats(f.delays.Summary(time.Now()), f.rate.PerMinute()),
		Rewinds:        f.nRewinds.Load(),
	}
	if nanos := f.lastCommitTime.Load(); nanos != 0 {
		s.LastCommitTime = time.Unix(0, nanos)
	}

	return s
}
