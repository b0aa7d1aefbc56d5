package txns

import (
	"sync"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

// AbortEntry remembers the version a record had before its owning
// transaction first wrote it. It is the undo target on abort and the
// version charged as obsolete on commit.
//
// An entry is mutated only by the goroutine running its transaction.
type AbortEntry struct {
	abortLSN          common.LSN
	abortKnownDeleted bool
	abortKey          []byte
	abortData         []byte
	abortVLSN         vlsn.VLSN
	abortLogSize      uint32
	abortExpiration   common.Expiration
	container         common.ContainerID
	neverLocked       bool
}

func newAbortEntry() *AbortEntry {
	return &AbortEntry{
		abortLSN:    common.NilLSN,
		abortVLSN:   vlsn.Null,
		container:   common.NilContainerID,
		neverLocked: true,
	}
}

func (e *AbortEntry) AbortLSN() common.LSN               { return e.abortLSN }
func (e *AbortEntry) AbortKnownDeleted() bool            { return e.abortKnownDeleted }
func (e *AbortEntry) AbortKey() []byte                   { return e.abortKey }
func (e *AbortEntry) AbortData() []byte                  { return e.abortData }
func (e *AbortEntry) AbortVLSN() vlsn.VLSN               { return e.abortVLSN }
func (e *AbortEntry) AbortLogSize() uint32               { return e.abortLogSize }
func (e *AbortEntry) AbortExpiration() common.Expiration { return e.abortExpiration }
func (e *AbortEntry) Container() common.ContainerID      { return e.container }
func (e *AbortEntry) NeverLocked() bool                  { return e.neverLocked }

// RecordFirstWrite captures prior as the abort version. A prior version
// with a nil LSN means the record did not exist. Only the first call on an
// entry has an effect; later writes by the same transaction keep the
// version captured here.
func (e *AbortEntry) RecordFirstWrite(container common.ContainerID, prior common.Version) bool {
	if !e.neverLocked {
		return false
	}
	e.neverLocked = false

	if prior.LSN.IsNil() {
		return true
	}

	e.abortLSN = prior.LSN
	e.abortKnownDeleted = prior.Deleted
	e.abortKey = prior.Key
	e.abortData = prior.Data
	e.abortVLSN = prior.VLSN
	e.abortLogSize = prior.Size
	e.abortExpiration = prior.Expiration
	e.container = container

	return true
}

// UndoPlan describes how to restore a record to its abort version.
type UndoPlan struct {
	// Remove is set when the record did not exist before the transaction.
	Remove  bool
	Version common.Version
}

// Undo computes the rollback of the record guarded by e.
func (e *AbortEntry) Undo() UndoPlan {
	if e.abortLSN.IsNil() {
		return UndoPlan{Remove: true}
	}

	return UndoPlan{
		Version: common.Version{
			LSN:        e.abortLSN,
			VLSN:       e.abortVLSN,
			Key:        e.abortKey,
			Data:       e.abortData,
			Size:       e.abortLogSize,
			Deleted:    e.abortKnownDeleted,
			Expiration: e.abortExpiration,
		},
	}
}

// Apply installs the plan into store. The abort key is authoritative for
// the restored version's key.
func (p UndoPlan) Apply(store common.RecordStore, rec common.RecordID) {
	if p.Remove {
		store.Delete(rec)
		return
	}

	store.Put(rec, p.Version)
}

// ObsoleteSize returns the position and size to charge as obsolete when
// the transaction commits. ok is false when there was no prior version.
func (e *AbortEntry) ObsoleteSize() (lsn common.LSN, size uint32, ok bool) {
	if e.abortLSN.IsNil() {
		return common.NilLSN, 0, false
	}

	return e.abortLSN, e.abortLogSize, true
}

// AbortInfo returns the persisted form of the abort version.
func (e *AbortEntry) AbortInfo() *common.AbortInfo {
	return &common.AbortInfo{
		LSN:          e.abortLSN,
		KnownDeleted: e.abortKnownDeleted,
		Key:          e.abortKey,
		Data:         e.abortData,
		VLSN:         e.abortVLSN,
		Expiration:   e.abortExpiration,
	}
}

// CloneInto copies every field of src into dst.
func CloneInto(dst, src *AbortEntry) {
	*dst = *src
}

type ledgerKey struct {
	txnID  common.TxnID
	record common.RecordID
}

// Ledger is the arena of abort entries, indexed by transaction and record.
type Ledger struct {
	entriesGuard sync.Mutex
	entries      map[ledgerKey]*AbortEntry
	byTxn        map[common.TxnID]map[common.RecordID]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[ledgerKey]*AbortEntry),
		byTxn:   make(map[common.TxnID]map[common.RecordID]struct{}),
	}
}

// Acquire returns the entry of (txnID, rec), creating a never-locked one if
// absent.
func (l *Ledger) Acquire(txnID common.TxnID, rec common.RecordID) *AbortEntry {
	l.entriesGuard.Lock()
	defer l.entriesGuard.Unlock()

	key := ledgerKey{txnID: txnID, record: rec}
	if e, ok := l.entries[key]; ok {
		return e
	}

	e := newAbortEntry()
	l.entries[key] = e
	if _, ok := l.byTxn[txnID]; !ok {
		l.byTxn[txnID] = make(map[common.RecordID]struct{})
	}
	l.byTxn[txnID][rec] = struct{}{}

	return e
}

func (l *Ledger) Get(txnID common.TxnID, rec common.RecordID) (*AbortEntry, bool) {
	l.entriesGuard.Lock()
	defer l.entriesGuard.Unlock()

	e, ok := l.entries[ledgerKey{txnID: txnID, record: rec}]
	return e, ok
}

// Entries returns a snapshot of the transaction's entries by record.
func (l *Ledger) Entries(txnID common.TxnID) map[common.RecordID]*AbortEntry {
	l.entriesGuard.Lock()
	defer l.entriesGuard.Unlock()

	res := make(map[common.RecordID]*AbortEntry, len(l.byTxn[txnID]))
	for rec := range l.byTxn[txnID] {
		res[rec] = l.entries[ledgerKey{txnID: txnID, record: rec}]
	}

	return res
}

// Release destroys all entries of a terminated transaction.
func (l *Ledger) Release(txnID common.TxnID) {
	l.entriesGuard.Lock()
	defer l.entriesGuard.Unlock()

	for rec := range l.byTxn[txnID] {
		delete(l.entries, ledgerKey{txnID: txnID, record: rec})
	}
	delete(l.byTxn, txnID)
}

func (l *Ledger) Len() int {
	l.entriesGuard.Lock()
	defer l.entriesGuard.Unlock()

	return len(l.entries)
}
