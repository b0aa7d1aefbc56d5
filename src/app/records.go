package app

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/Blackdeer1524/ReplicaDB/src/delivery"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/storage/memtree"
	"github.com/Blackdeer1524/ReplicaDB/src/txns"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

// records runs every client write as a single-record transaction. Writes
// are refused while the node does not hold the primary role.
type records struct {
	txns    *txns.Manager
	store   *memtree.Tree
	primary *atomic.Bool
}

var _ delivery.Node = &records{}

func (r *records) Put(
	ctx context.Context,
	rec common.RecordID,
	data []byte,
	policy common.CommitPolicy,
) (vlsn.VLSN, error) {
	op := txns.WriteOp{Type: common.TypeInsert, Record: rec, Data: data}
	if _, ok := r.store.Lookup(rec); ok {
		op.Type = common.TypeUpdate
	}

	return r.write(ctx, op, policy)
}

func (r *records) Delete(ctx context.Context, rec common.RecordID, policy common.CommitPolicy) (vlsn.VLSN, error) {
	if !r.primary.Load() {
		return vlsn.Null, delivery.ErrNotPrimary
	}
	if _, ok := r.store.Lookup(rec); !ok {
		return vlsn.Null, delivery.ErrNotFound
	}

	return r.write(ctx, txns.WriteOp{Type: common.TypeDelete, Record: rec}, policy)
}

func (r *records) Get(rec common.RecordID) (common.Version, bool) {
	return r.store.Lookup(rec)
}

func (r *records) write(ctx context.Context, op txns.WriteOp, policy common.CommitPolicy) (vlsn.VLSN, error) {
	if !r.primary.Load() {
		return vlsn.Null, delivery.ErrNotPrimary
	}

	t := r.txns.Begin()
	if _, err := t.Write(ctx, op); err != nil {
		if abortErr := t.Abort(vlsn.Null); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		return vlsn.Null, err
	}

	return t.Commit(policy)
}
