package txns

import (
	"slices"
	"sync"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/assert"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
)

type lockWaiter struct {
	txnID    common.TxnID
	notifier chan struct{}
}

// recordQueue is the exclusive lock of a single record: the current holder
// followed by waiters in FIFO order.
type recordQueue struct {
	holder   common.TxnID
	notifier chan struct{}
	waiters  []lockWaiter
}

func (q *recordQueue) isEmpty() bool {
	return q.holder == common.NilTxnID && len(q.waiters) == 0
}

// LockManager hands out exclusive record write locks.
type LockManager struct {
	qsGuard sync.Mutex
	qs      map[common.RecordID]*recordQueue

	lockedRecordsGuard sync.Mutex
	lockedRecords      map[common.TxnID]map[common.RecordID]struct{}
}

func NewLockManager() *LockManager {
	return &LockManager{
		qs:            make(map[common.RecordID]*recordQueue),
		lockedRecords: make(map[common.TxnID]map[common.RecordID]struct{}),
	}
}

func checkDeadlockCondition(
	enqueuedTxnID common.TxnID,
	requestingTxnID common.TxnID,
) bool {
	// Deadlock prevention policy
	// Only older transactions can wait for younger ones.
	// Otherwise, a younger transaction is aborted
	return enqueuedTxnID < requestingTxnID
}

// Lock requests the write lock on recordID for txnID.
//
// The returned channel is closed once the lock is granted. Re-requesting a
// held lock returns a closed channel. If waiting would violate the deadlock
// prevention policy (a younger transaction waiting for an older one) the
// request is rejected and nil is returned; the caller must abort.
func (m *LockManager) Lock(
	txnID common.TxnID,
	recordID common.RecordID,
) <-chan struct{} {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	q, ok := m.qs[recordID]
	if !ok {
		q = &recordQueue{}
		m.qs[recordID] = q
	}

	if q.holder == txnID {
		return q.notifier
	}

	for _, w := range q.waiters {
		if w.txnID == txnID {
			return w.notifier
		}
	}

	if q.isEmpty() {
		q.holder = txnID
		q.notifier = make(chan struct{})
		close(q.notifier)
		m.markLocked(txnID, recordID)

		return q.notifier
	}

	if checkDeadlockCondition(q.holder, txnID) {
		return nil
	}
	for _, w := range q.waiters {
		if checkDeadlockCondition(w.txnID, txnID) {
			return nil
		}
	}

	w := lockWaiter{txnID: txnID, notifier: make(chan struct{})}
	q.waiters = append(q.waiters, w)

	return w.notifier
}

// Unlock releases the lock on recordID held by txnID, or withdraws a
// pending request. The next waiter, if any, is granted the lock.
func (m *LockManager) Unlock(txnID common.TxnID, recordID common.RecordID) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	m.unlock(txnID, recordID)
}

func (m *LockManager) unlock(txnID common.TxnID, recordID common.RecordID) {
	q, ok := m.qs[recordID]
	assert.Assert(ok, "no lock queue for record %v", recordID)

	if q.holder != txnID {
		i := slices.IndexFunc(q.waiters, func(w lockWaiter) bool {
			return w.txnID == txnID
		})
		assert.Assert(i >= 0, "txn %d neither holds nor waits for %v", txnID, recordID)
		q.waiters = slices.Delete(q.waiters, i, i+1)
	} else {
		m.markUnlocked(txnID, recordID)
		q.holder = common.NilTxnID
		q.notifier = nil

		if len(q.waiters) > 0 {
			next := q.waiters[0]
			q.waiters = q.waiters[1:]

			q.holder = next.txnID
			q.notifier = next.notifier
			m.markLocked(next.txnID, recordID)
			close(next.notifier) // grants the lock to the transaction
		}
	}

	if q.isEmpty() {
		delete(m.qs, recordID)
	}
}

// UnlockAll releases every lock held by txnID.
func (m *LockManager) UnlockAll(txnID common.TxnID) {
	m.lockedRecordsGuard.Lock()
	records := make([]common.RecordID, 0, len(m.lockedRecords[txnID]))
	for r := range m.lockedRecords[txnID] {
		records = append(records, r)
	}
	m.lockedRecordsGuard.Unlock()

	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	for _, r := range records {
		m.unlock(txnID, r)
	}
}

// Holder returns the transaction currently holding the lock on recordID.
func (m *LockManager) Holder(recordID common.RecordID) (common.TxnID, bool) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	q, ok := m.qs[recordID]
	if !ok || q.holder == common.NilTxnID {
		return common.NilTxnID, false
	}

	return q.holder, true
}

func (m *LockManager) markLocked(txnID common.TxnID, recordID common.RecordID) {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	if _, ok := m.lockedRecords[txnID]; !ok {
		m.lockedRecords[txnID] = make(map[common.RecordID]struct{})
	}
	m.lockedRecords[txnID][recordID] = struct{}{}
}

func (m *LockManager) markUnlocked(txnID common.TxnID, recordID common.RecordID) {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	delete(m.lockedRecords[txnID], recordID)
	if len(m.lockedRecords[txnID]) == 0 {
		delete(m.lockedRecords, txnID)
	}
}
