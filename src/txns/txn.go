package txns

import (
	"context"
	"fmt"
	"time"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/assert"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitting
	TxnAborting
	TxnTerminated
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnCommitting:
		return "committing"
	case TxnAborting:
		return "aborting"
	case TxnTerminated:
		return "terminated"
	}
	panic("invalid txn state")
}

type writtenVersion struct {
	lsn  common.LSN
	size uint32
}

// Txn is a write transaction. It is not safe for concurrent use: all of its
// operations must come from one goroutine.
type Txn struct {
	id    common.TxnID
	m     *Manager
	state TxnState

	// latest holds the newest version this transaction wrote per record;
	// superseded ones become obsolete on commit.
	latest     map[common.RecordID]writtenVersion
	superseded []writtenVersion

	lastVLSN vlsn.VLSN
}

func newTxn(id common.TxnID, m *Manager) *Txn {
	return &Txn{
		id:     id,
		m:      m,
		state:  TxnActive,
		latest: make(map[common.RecordID]writtenVersion),
	}
}

func (t *Txn) ID() common.TxnID {
	return t.id
}

func (t *Txn) State() TxnState {
	return t.state
}

// LastVLSN is the sequence of the newest log record written by t.
func (t *Txn) LastVLSN() vlsn.VLSN {
	return t.lastVLSN
}

type WriteOp struct {
	Type       common.LogRecordType
	Record     common.RecordID
	Data       []byte
	Expiration common.Expiration
	// VLSN is set when the write arrives through the replication stream.
	VLSN vlsn.VLSN
}

// Write locks the record, captures its abort version on the first write
// and installs the new version.
func (t *Txn) Write(ctx context.Context, op WriteOp) (common.LSN, error) {
	assert.Assert(op.Type.IsWrite(), "unexpected write type %v", op.Type)
	if t.state != TxnActive {
		return common.NilLSN, ErrTxnNotActive
	}

	if err := t.lock(ctx, op.Record); err != nil {
		return common.NilLSN, err
	}

	entry := t.m.ledger.Acquire(t.id, op.Record)
	if entry.NeverLocked() {
		prior, ok := t.m.store.Get(op.Record)
		if !ok {
			prior = common.Version{LSN: common.NilLSN}
		}
		entry.RecordFirstWrite(op.Record.Container, prior)
	}

	rec := &common.LogRecord{
		Type:       op.Type,
		TxnID:      t.id,
		VLSN:       op.VLSN,
		Record:     op.Record,
		Data:       op.Data,
		Expiration: op.Expiration,
		Abort:      entry.AbortInfo(),
	}

	lsn, size, err := t.m.appendRecord(rec)
	if err != nil {
		return common.NilLSN, err
	}
	t.lastVLSN = rec.VLSN

	if prev, ok := t.latest[op.Record]; ok {
		t.superseded = append(t.superseded, prev)
	}
	t.latest[op.Record] = writtenVersion{lsn: lsn, size: size}

	t.m.store.Put(op.Record, common.Version{
		LSN:        lsn,
		VLSN:       rec.VLSN,
		Key:        []byte(op.Record.Key),
		Data:       op.Data,
		Size:       size,
		Deleted:    op.Type == common.TypeDelete,
		Expiration: op.Expiration,
	})

	return lsn, nil
}

func (t *Txn) lock(ctx context.Context, rec common.RecordID) error {
	n := t.m.locker.Lock(t.id, rec)
	if n == nil {
		return fmt.Errorf("%w: txn %d on %v", ErrLockConflict, t.id, rec)
	}

	select {
	case <-n:
		return nil
	case <-ctx.Done():
		t.m.locker.Unlock(t.id, rec)
		return ctx.Err()
	}
}

// LogCommit appends the commit record and charges the versions replaced by
// this transaction as obsolete. Locks stay held until Release, which lets a
// group commit make the whole batch durable first.
func (t *Txn) LogCommit(
	policy common.CommitPolicy,
	seq vlsn.VLSN,
	commitTime time.Time,
) (vlsn.VLSN, error) {
	if t.state != TxnActive {
		return vlsn.Null, ErrTxnNotActive
	}
	t.state = TxnCommitting

	rec := &common.LogRecord{
		Type:      common.TypeCommit,
		TxnID:     t.id,
		VLSN:      seq,
		Policy:    policy,
		Timestamp: commitTime,
	}
	if _, _, err := t.m.appendRecord(rec); err != nil {
		return vlsn.Null, err
	}
	t.lastVLSN = rec.VLSN

	for _, e := range t.m.ledger.Entries(t.id) {
		if lsn, size, ok := e.ObsoleteSize(); ok {
			t.m.log.Obsolete(lsn, size)
		}
	}
	for _, v := range t.superseded {
		t.m.log.Obsolete(v.lsn, v.size)
	}

	return rec.VLSN, nil
}

// Release ends a committing transaction: its locks and abort entries go away.
func (t *Txn) Release() {
	assert.Assert(t.state == TxnCommitting, "release of a %v transaction", t.state)
	t.terminate()
}

// Commit is LogCommit followed by a sync, when the policy asks for one, and
// Release.
func (t *Txn) Commit(policy common.CommitPolicy) (vlsn.VLSN, error) {
	seq, err := t.LogCommit(policy, vlsn.Null, time.Now())
	if err != nil {
		return vlsn.Null, err
	}

	if policy.NeedsSync() {
		if err := t.m.Sync(); err != nil {
			return vlsn.Null, err
		}
	}
	t.Release()

	return seq, nil
}

// Abort rolls every record written by t back to its abort version and
// appends an abort record carrying seq (or a fresh sequence on the primary).
func (t *Txn) Abort(seq vlsn.VLSN) error {
	if t.state != TxnActive {
		return ErrTxnNotActive
	}
	t.state = TxnAborting

	for rec, e := range t.m.ledger.Entries(t.id) {
		if e.NeverLocked() {
			if _, exists := t.m.store.Get(rec); exists {
				panic(fmt.Errorf(
					"%w: txn %d has no abort version for existing record %v",
					ErrUndoInconsistency, t.id, rec,
				))
			}
			continue
		}

		e.Undo().Apply(t.m.store, rec)
	}

	rec := &common.LogRecord{
		Type:      common.TypeAbort,
		TxnID:     t.id,
		VLSN:      seq,
		Timestamp: time.Now(),
	}
	_, _, err := t.m.appendRecord(rec)
	if err == nil {
		t.lastVLSN = rec.VLSN
	}

	t.terminate()

	return err
}

func (t *Txn) terminate() {
	t.m.locker.UnlockAll(t.id)
	t.m.ledger.Release(t.id)
	t.m.forget(t.id)
	t.state = TxnTerminated
}
