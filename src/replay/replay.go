// Package replay applies the primary's replication stream on a replica and
// group-commits what it applied.
package replay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/assert"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/utils"
	"github.com/Blackdeer1524/ReplicaDB/src/transport"
	"github.com/Blackdeer1524/ReplicaDB/src/txns"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

var (
	ErrSequenceGap    = errors.New("replay: sequence gap")
	ErrQueueOverflow  = errors.New("replay: queue overflow")
	ErrAlreadyRunning = errors.New("replay: already running")
)

type State uint32

const (
	StateIdle State = iota
	StateStreaming
	StateApplying
	StateGroupCommitPending
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateApplying:
		return "applying"
	case StateGroupCommitPending:
		return "group-commit-pending"
	case StateDisconnected:
		return "disconnected"
	}
	panic("invalid replay state")
}

type QueueEntry struct {
	Entry   wire.Entry
	Arrival time.Time
}

type outputItem struct {
	msg      *wire.Message
	enqueued time.Time
}

// CompletedCommit describes a replayed commit once it is complete locally.
type CompletedCommit struct {
	TxnID  common.TxnID
	VLSN   vlsn.VLSN
	Policy common.CommitPolicy
	// Acked is set when an acknowledgment went to the output queue.
	Acked bool
}

type CommitListener func(CompletedCommit)

type Option func(*Replay)

func WithCommitListener(l CommitListener) Option {
	return func(r *Replay) {
		r.listener = l
	}
}

type replayTxn struct {
	txn       *txns.Txn
	firstVLSN vlsn.VLSN
	arrival   time.Time
}

type terminatedTxn struct {
	id   common.TxnID
	vlsn vlsn.VLSN
}

type Replay struct {
	cfg    Config
	txns   *txns.Manager
	logger src.Logger

	replayQ *Queue[QueueEntry]
	outputQ *Queue[outputItem]

	state       atomic.Uint32
	lastApplied atomic.Uint64

	// Owned by the replay goroutine.
	active   map[common.TxnID]*replayTxn
	batch    *groupCommitBatch
	finished map[common.TxnID]struct{}
	recent   []terminatedTxn

	// Transactions rolled back by the last teardown.
	rolledBack []common.TxnID

	// Owned by the receive goroutine. A non-null gapFrom means entries after
	// it are dropped until the primary resends it.
	gapFrom           vlsn.VLSN
	retransmitPending bool

	counters
	latencyWindows

	listener CommitListener
}

func New(cfg Config, mgr *txns.Manager, logger src.Logger, opts ...Option) *Replay {
	r := &Replay{
		cfg:            cfg,
		txns:           mgr,
		logger:         logger,
		active:         map[common.TxnID]*replayTxn{},
		batch:          newGroupCommitBatch(cfg.GroupCommitInterval),
		finished:       map[common.TxnID]struct{}{},
		latencyWindows: newLatencyWindows(cfg.StatsWindow),
	}
	r.counters.init()
	r.replayQ = NewQueue[QueueEntry](cfg.ReplayQueueCapacity, &r.nMessageQueueOverflows)
	r.outputQ = NewQueue[outputItem](cfg.OutputQueueCapacity, &r.nMessageQueueOverflows)

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Replay) State() State {
	return State(r.state.Load())
}

// LastApplied is the highest sequence applied to the local store.
func (r *Replay) LastApplied() vlsn.VLSN {
	return vlsn.VLSN(r.lastApplied.Load())
}

// StartVLSN is the first sequence to request from the primary.
func (r *Replay) StartVLSN() vlsn.VLSN {
	return r.LastApplied().Next()
}

// Restore positions an idle replay after local recovery: streaming resumes
// after syncPoint and the finished transactions are not applied twice.
func (r *Replay) Restore(syncPoint vlsn.VLSN, finished []common.TxnID) {
	assert.Assert(r.State() == StateIdle, "restore of a %v replay", r.State())

	r.lastApplied.Store(uint64(syncPoint))
	r.rolledBack = nil
	clear(r.finished)
	for _, id := range finished {
		r.finished[id] = struct{}{}
	}
}

// RolledBack lists the transactions the last stream teardown rolled back
// locally. Their writes are in the log but no sequenced commit or abort is.
func (r *Replay) RolledBack() []common.TxnID {
	assert.Assert(r.State() == StateIdle, "rolled back txns of a %v replay", r.State())

	return slices.Clone(r.rolledBack)
}

// Enqueue puts e on the replay queue. A full queue rejects e and counts an
// overflow.
func (r *Replay) Enqueue(e wire.Entry) bool {
	return r.replayQ.Offer(QueueEntry{Entry: e, Arrival: time.Now()})
}

// Run streams from ch until the channel closes, ctx is cancelled or the
// stream turns out to be unusable. An orderly disconnect returns nil.
// Whatever was not made durable is rolled back and will be requested again
// on the next Run.
func (r *Replay) Run(ctx context.Context, ch transport.Channel) error {
	if !r.state.CompareAndSwap(uint32(StateIdle), uint32(StateStreaming)) {
		return ErrAlreadyRunning
	}
	r.gapFrom = vlsn.Null
	r.retransmitPending = false

	r.logger.Infow("replica stream started", zap.Stringer("from", r.StartVLSN()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ch.Close()
	})
	g.Go(func() error {
		return r.receiveLoop(gctx, ch)
	})
	g.Go(func() error {
		return r.replayLoop(gctx)
	})
	g.Go(func() error {
		return r.outputLoop(gctx, ch)
	})

	err := g.Wait()
	r.state.Store(uint32(StateDisconnected))

	dropped := r.replayQ.Drain() + r.outputQ.Drain()
	r.state.Store(uint32(StateIdle))

	switch {
	case err == nil,
		errors.Is(err, transport.ErrChannelClosed),
		errors.Is(err, context.Canceled):
		r.logger.Infow(
			"replica stream stopped",
			zap.Stringer("lastApplied", r.LastApplied()),
			zap.Int("dropped", dropped),
		)
		return nil
	default:
		r.logger.Errorw(
			"replica stream failed",
			zap.Stringer("lastApplied", r.LastApplied()),
			zap.Int("dropped", dropped),
			zap.Error(err),
		)
		return err
	}
}

func (r *Replay) receiveLoop(ctx context.Context, ch transport.Channel) error {
	for {
		m, err := ch.Recv(ctx)
		if err != nil {
			return err
		}

		if m.Type != wire.TypeEntry || m.Entry == nil {
			r.logger.Warnw("unexpected message from the primary", zap.Stringer("type", m.Type))
			continue
		}
		r.receive(*m.Entry)
	}
}

func (r *Replay) receive(e wire.Entry) {
	if !r.gapFrom.IsNull() {
		if e.VLSN > r.gapFrom {
			if r.retransmitPending {
				r.requestRetransmit(r.outputQ.TryOffer)
			}
			return
		}
		if e.VLSN == r.gapFrom {
			r.gapFrom = vlsn.Null
			r.retransmitPending = false
		}
	}

	if r.Enqueue(e) {
		return
	}

	r.logger.Warnw(
		"requesting retransmission",
		zap.Stringer("vlsn", e.VLSN),
		zap.Error(ErrQueueOverflow),
	)
	r.gapFrom = e.VLSN
	r.retransmitPending = true
	r.requestRetransmit(r.outputQ.Offer)
}

// requestRetransmit queues a request to resend from gapFrom. A full output
// queue is counted once per gap, retries go through TryOffer.
func (r *Replay) requestRetransmit(offer func(outputItem) bool) {
	m := &wire.Message{
		Type:       wire.TypeRetransmit,
		Retransmit: &wire.Retransmit{From: r.gapFrom},
	}
	if offer(outputItem{msg: m, enqueued: time.Now()}) {
		r.retransmitPending = false
	}
}

func (r *Replay) outputLoop(ctx context.Context, ch transport.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-r.outputQ.Items():
			if item.msg.Type == wire.TypeAck {
				now := time.Now()
				r.outputQueueDelay.Add(now, utils.Millis(now.Sub(item.enqueued)))
			}
			if err := ch.Send(ctx, item.msg); err != nil {
				return err
			}
		}
	}
}

func (r *Replay) replayLoop(ctx context.Context) error {
	defer r.discardPending()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-r.batch.expired():
			if err := r.flush(flushTimeout); err != nil {
				return err
			}
		case qe := <-r.replayQ.Items():
			now := time.Now()
			r.replayQueueDelay.Add(now, utils.Millis(now.Sub(qe.Arrival)))
			if err := r.apply(ctx, qe); err != nil {
				return err
			}
		}
	}

	return ctx.Err()
}

func (r *Replay) settle() {
	if r.batch.len() > 0 {
		r.state.Store(uint32(StateGroupCommitPending))
	} else {
		r.state.Store(uint32(StateStreaming))
	}
}

func (r *Replay) apply(ctx context.Context, qe QueueEntry) error {
	e := qe.Entry
	last := r.LastApplied()
	if !last.IsNull() && e.VLSN <= last {
		r.logger.Debugw(
			"discarding an applied entry",
			zap.Stringer("vlsn", e.VLSN),
			zap.Stringer("lastApplied", last),
		)
		return nil
	}
	if !vlsn.Follows(last, e.VLSN) {
		return fmt.Errorf("%w: expected %v, received %v", ErrSequenceGap, last.Next(), e.VLSN)
	}

	r.state.Store(uint32(StateApplying))
	defer r.settle()

	if _, ok := r.finished[e.TxnID]; ok {
		if !e.Type.IsWrite() {
			delete(r.finished, e.TxnID)
			r.terminated(e.TxnID, e.VLSN)
		}
		r.lastApplied.Store(uint64(e.VLSN))
		return nil
	}

	var err error
	switch {
	case e.Type.IsWrite():
		err = r.applyWrite(ctx, qe)
	case e.Type == common.TypeCommit:
		err = r.applyCommit(qe)
	case e.Type == common.TypeAbort:
		err = r.applyAbort(qe)
	default:
		err = fmt.Errorf("unexpected entry type %v", e.Type)
	}
	if err != nil {
		return fmt.Errorf("replay: entry %v of txn %d: %w", e.VLSN, e.TxnID, err)
	}

	r.lastApplied.Store(uint64(e.VLSN))
	return nil
}

func (r *Replay) replayTxn(qe QueueEntry) (*replayTxn, error) {
	if rt, ok := r.active[qe.Entry.TxnID]; ok {
		return rt, nil
	}

	txn, err := r.txns.BeginWithID(qe.Entry.TxnID)
	if err != nil {
		return nil, err
	}

	rt := &replayTxn{txn: txn, firstVLSN: qe.Entry.VLSN, arrival: qe.Arrival}
	r.active[qe.Entry.TxnID] = rt

	return rt, nil
}

func (r *Replay) applyWrite(ctx context.Context, qe QueueEntry) error {
	e := qe.Entry
	rt, err := r.replayTxn(qe)
	if err != nil {
		return err
	}

	holder, locked := r.txns.LockHolder(e.Record)
	if locked && holder != e.TxnID && r.batch.holds(holder) {
		if err := r.flush(flushLockConflict); err != nil {
			return err
		}
	}

	_, err = rt.txn.Write(ctx, txns.WriteOp{
		Type:       e.Type,
		Record:     e.Record,
		Data:       e.Data,
		Expiration: e.Expiration,
		VLSN:       e.VLSN,
	})
	if err != nil {
		return err
	}
	r.nLNs.Add(1)

	return nil
}

func (r *Replay) applyCommit(qe QueueEntry) error {
	start := time.Now()
	e := qe.Entry

	rt, err := r.replayTxn(qe)
	if err != nil {
		return err
	}
	delete(r.active, e.TxnID)
	r.nCommits.Add(1)

	switch e.Policy {
	case common.CommitAck:
		r.nCommitAcks.Add(1)
	case common.CommitSync:
		r.nCommitSyncs.Add(1)
	case common.CommitNoSync:
		r.nCommitNoSyncs.Add(1)
	case common.CommitWriteNoSync:
		r.nCommitWriteNoSyncs.Add(1)
	default:
		return fmt.Errorf("unknown commit policy %v", e.Policy)
	}

	p := pendingCommit{rt: rt, entry: e, start: start}
	if !e.Policy.NeedsSync() {
		if _, err := rt.txn.LogCommit(e.Policy, e.VLSN, e.CommitTime); err != nil {
			return err
		}
		rt.txn.Release()
		r.complete(p, time.Now(), false)
		return nil
	}

	r.batch.add(p)
	if r.batch.len() >= r.cfg.GroupCommitMaxSize {
		return r.flush(flushMaxSize)
	}

	return nil
}

func (r *Replay) applyAbort(qe QueueEntry) error {
	rt, err := r.replayTxn(qe)
	if err != nil {
		return err
	}
	delete(r.active, qe.Entry.TxnID)

	if err := rt.txn.Abort(qe.Entry.VLSN); err != nil {
		return err
	}
	r.nAborts.Add(1)
	r.terminated(qe.Entry.TxnID, qe.Entry.VLSN)

	return nil
}

// flush makes the whole batch durable with one sync, then releases it in
// arrival order. The batch is only reset on success, so a failed flush is
// still rolled back on teardown.
func (r *Replay) flush(reason flushReason) error {
	r.batch.stopTimer()
	pending := r.batch.pending
	if len(pending) == 0 {
		return nil
	}

	for _, p := range pending {
		if p.rt.txn.State() != txns.TxnActive {
			continue
		}
		_, err := p.rt.txn.LogCommit(p.entry.Policy, p.entry.VLSN, p.entry.CommitTime)
		if err != nil {
			return fmt.Errorf("replay: group commit of txn %d: %w", p.entry.TxnID, err)
		}
	}
	if err := r.txns.Sync(); err != nil {
		return fmt.Errorf("replay: group commit sync: %w", err)
	}

	now := time.Now()
	for _, p := range pending {
		p.rt.txn.Release()

		acked := false
		if p.entry.Policy.NeedsAck() {
			acked = r.enqueueAck(p.entry, now)
		}
		r.complete(p, now, acked)
	}
	r.batch.reset()

	r.nGroupCommits.Add(1)
	r.nGroupCommitTxns.Add(uint64(len(pending)))
	switch reason {
	case flushTimeout:
		r.nGroupCommitTimeouts.Add(1)
	case flushMaxSize:
		r.nGroupCommitMaxExceeded.Add(1)
	}

	r.logger.Debugw(
		"group commit",
		zap.Int("txns", len(pending)),
		zap.Stringer("reason", reason),
		zap.Stringer("lastVLSN", pending[len(pending)-1].entry.VLSN),
	)

	return nil
}

func (r *Replay) enqueueAck(e wire.Entry, now time.Time) bool {
	m := &wire.Message{
		Type: wire.TypeAck,
		Ack: &wire.Ack{
			VLSN:       e.VLSN,
			TxnID:      e.TxnID,
			Policy:     e.Policy,
			CommitTime: now,
		},
	}
	if r.outputQ.Offer(outputItem{msg: m, enqueued: now}) {
		return true
	}

	r.logger.Warnw(
		"acknowledgment dropped",
		zap.Stringer("vlsn", e.VLSN),
		zap.Uint64("txn", uint64(e.TxnID)),
		zap.Error(ErrQueueOverflow),
	)
	return false
}

func (r *Replay) complete(p pendingCommit, now time.Time, acked bool) {
	r.elapsedTxn.Add(now, utils.Millis(now.Sub(p.rt.arrival)))
	r.recordCommitNanos(now.Sub(p.start).Nanoseconds())
	if !p.entry.CommitTime.IsZero() {
		r.latestCommitLagMs.Store(now.Sub(p.entry.CommitTime).Milliseconds())
	}
	r.terminated(p.entry.TxnID, p.entry.VLSN)

	if r.listener != nil {
		r.listener(CompletedCommit{
			TxnID:  p.entry.TxnID,
			VLSN:   p.entry.VLSN,
			Policy: p.entry.Policy,
			Acked:  acked,
		})
	}
}

// terminated remembers a finished transaction for as long as some open
// transaction started before its terminal entry.
func (r *Replay) terminated(id common.TxnID, v vlsn.VLSN) {
	r.recent = append(r.recent, terminatedTxn{id: id, vlsn: v})

	oldest, ok := r.oldestOpen()
	if !ok {
		r.recent = r.recent[:0]
		return
	}

	kept := r.recent[:0]
	for _, t := range r.recent {
		if t.vlsn >= oldest {
			kept = append(kept, t)
		}
	}
	r.recent = kept
}

func (r *Replay) oldestOpen() (vlsn.VLSN, bool) {
	oldest, found := vlsn.Null, false
	visit := func(rt *replayTxn) {
		if rt.txn.State() == txns.TxnTerminated {
			return
		}
		if !found || rt.firstVLSN < oldest {
			oldest, found = rt.firstVLSN, true
		}
	}

	for _, rt := range r.active {
		visit(rt)
	}
	for _, p := range r.batch.pending {
		visit(p.rt)
	}

	return oldest, found
}

// discardPending rolls back every transaction that is not durable yet and
// rewinds the applied watermark to the point the primary must resend from.
func (r *Replay) discardPending() {
	r.batch.stopTimer()

	var open []*replayTxn
	for _, rt := range r.active {
		open = append(open, rt)
	}
	for _, p := range r.batch.pending {
		if p.rt.txn.State() == txns.TxnCommitting {
			p.rt.txn.Release()
			r.terminated(p.entry.TxnID, p.entry.VLSN)
			continue
		}
		open = append(open, p.rt)
	}

	syncPoint := r.LastApplied()
	for _, rt := range open {
		if rt.firstVLSN <= syncPoint {
			syncPoint = rt.firstVLSN - 1
		}
	}

	r.rolledBack = r.rolledBack[:0]
	for _, rt := range open {
		r.rolledBack = append(r.rolledBack, rt.txn.ID())
		if err := rt.txn.Abort(vlsn.Null); err != nil {
			r.logger.Errorw(
				"failed to roll back a replayed transaction",
				zap.Uint64("txn", uint64(rt.txn.ID())),
				zap.Error(err),
			)
		}
	}

	for _, t := range r.recent {
		if t.vlsn > syncPoint {
			r.finished[t.id] = struct{}{}
		}
	}

	if len(open) > 0 {
		r.logger.Infow(
			"rolled back undurable transactions",
			zap.Int("txns", len(open)),
			zap.Stringer("syncPoint", syncPoint),
		)
	}

	clear(r.active)
	r.batch.reset()
	r.recent = nil
	r.lastApplied.Store(uint64(syncPoint))
}
