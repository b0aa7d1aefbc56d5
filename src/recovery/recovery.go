// Package recovery rebuilds the record store from the log after a restart
// and rolls back the transactions that never finished.
package recovery

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/assert"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/txns"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

// Log is what recovery needs from the write-ahead log.
type Log interface {
	Scan(fn func(lsn common.LSN, size uint32, rec common.LogRecord) error) error
	Append(rec *common.LogRecord) (common.LSN, uint32, error)
	Sync() error
}

type Info struct {
	// LastVLSN is the highest sequence found in the log.
	LastVLSN vlsn.VLSN
	// SyncPoint is the highest sequence below which every transaction is
	// complete. A replica resumes streaming right after it.
	SyncPoint vlsn.VLSN
	// Finished lists the transactions that completed after SyncPoint; their
	// entries must not be applied again.
	Finished []common.TxnID
	// Losers were open when the log ended and have been rolled back.
	Losers []common.TxnID
	// MaxTxnID is the largest transaction id in the log.
	MaxTxnID common.TxnID
	Records  int
}

type openTxn struct {
	firstVLSN vlsn.VLSN
}

type finishedTxn struct {
	id   common.TxnID
	vlsn vlsn.VLSN
}

// Recover replays log into store. Writes are redone in log order; an abort
// record rolls its transaction back with the abort versions persisted in
// the transaction's write records. Transactions still open at the end of
// the log get a local abort record.
func Recover(log Log, store common.RecordStore, logger src.Logger) (Info, error) {
	var info Info

	ledger := txns.NewLedger()
	open := map[common.TxnID]*openTxn{}
	var finished []finishedTxn
	// abort versions are logged without their size
	sizes := map[common.LSN]uint32{}

	undo := func(id common.TxnID) {
		for rec, e := range ledger.Entries(id) {
			e.Undo().Apply(store, rec)
		}
		ledger.Release(id)
		delete(open, id)
	}

	err := log.Scan(func(lsn common.LSN, size uint32, rec common.LogRecord) error {
		info.Records++
		if rec.VLSN > info.LastVLSN {
			info.LastVLSN = rec.VLSN
		}
		if rec.TxnID > info.MaxTxnID {
			info.MaxTxnID = rec.TxnID
		}

		switch {
		case rec.Type.IsWrite():
			if _, ok := open[rec.TxnID]; !ok {
				open[rec.TxnID] = &openTxn{firstVLSN: rec.VLSN}
			}

			sizes[lsn] = size

			prior := common.Version{LSN: common.NilLSN}
			if rec.Abort != nil {
				prior = rec.Abort.Version()
				prior.Size = sizes[prior.LSN]
			}
			ledger.Acquire(rec.TxnID, rec.Record).RecordFirstWrite(rec.Record.Container, prior)

			store.Put(rec.Record, common.Version{
				LSN:        lsn,
				VLSN:       rec.VLSN,
				Key:        []byte(rec.Record.Key),
				Data:       rec.Data,
				Size:       size,
				Deleted:    rec.Type == common.TypeDelete,
				Expiration: rec.Expiration,
			})
		case rec.Type == common.TypeCommit:
			ledger.Release(rec.TxnID)
			delete(open, rec.TxnID)
			finished = append(finished, finishedTxn{id: rec.TxnID, vlsn: rec.VLSN})
		case rec.Type == common.TypeAbort:
			undo(rec.TxnID)
			// a local abort is not part of the stream
			if !rec.VLSN.IsNull() {
				finished = append(finished, finishedTxn{id: rec.TxnID, vlsn: rec.VLSN})
			}
		default:
			assert.Assert(false, "unexpected log record type %v at %d", rec.Type, lsn)
		}

		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("recovery: scan: %w", err)
	}

	info.SyncPoint = info.LastVLSN
	for id, t := range open {
		info.Losers = append(info.Losers, id)
		if !t.firstVLSN.IsNull() && t.firstVLSN <= info.SyncPoint {
			info.SyncPoint = t.firstVLSN - 1
		}
	}
	slices.Sort(info.Losers)

	for _, id := range info.Losers {
		undo(id)
		_, _, err := log.Append(&common.LogRecord{
			Type:      common.TypeAbort,
			TxnID:     id,
			Timestamp: time.Now(),
		})
		if err != nil {
			return Info{}, fmt.Errorf("recovery: abort of txn %d: %w", id, err)
		}
	}
	if len(info.Losers) > 0 {
		if err := log.Sync(); err != nil {
			return Info{}, fmt.Errorf("recovery: sync: %w", err)
		}
	}

	for _, f := range finished {
		if f.vlsn > info.SyncPoint {
			info.Finished = append(info.Finished, f.id)
		}
	}

	logger.Infow(
		"recovery finished",
		zap.Int("records", info.Records),
		zap.Stringer("lastVLSN", info.LastVLSN),
		zap.Stringer("syncPoint", info.SyncPoint),
		zap.Int("losers", len(info.Losers)),
		zap.Int("finished", len(info.Finished)),
	)

	return info, nil
}
