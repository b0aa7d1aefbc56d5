package txns

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

var (
	ErrLockConflict      = errors.New("txns: lock request rejected by deadlock prevention")
	ErrTxnNotActive      = errors.New("txns: transaction is not active")
	ErrTxnAlreadyActive  = errors.New("txns: transaction id is already active")
	ErrUndoInconsistency = errors.New("txns: undo inconsistency")
)

// Manager runs transactions over a log and a record store. On the primary
// it is given a clock and stamps every replicated log record with a
// sequence value; on a replica sequences come from the stream.
type Manager struct {
	locker *LockManager
	ledger *Ledger
	log    common.LogStore
	store  common.RecordStore
	logger src.Logger

	// appendGuard keeps sequence assignment in log order.
	appendGuard sync.Mutex
	clock       atomic.Pointer[vlsn.Clock]

	ticker atomic.Uint64

	activeGuard sync.Mutex
	active      map[common.TxnID]*Txn
}

func NewManager(log common.LogStore, store common.RecordStore, logger src.Logger) *Manager {
	return &Manager{
		locker: NewLockManager(),
		ledger: NewLedger(),
		log:    log,
		store:  store,
		logger: logger,
		active: make(map[common.TxnID]*Txn),
	}
}

// SetClock switches sequence assignment on (primary) or off (nil, replica).
func (m *Manager) SetClock(c *vlsn.Clock) {
	m.clock.Store(c)
}

// Begin starts a transaction with a fresh id. Ids grow monotonically, so a
// smaller id means an older transaction.
func (m *Manager) Begin() *Txn {
	for {
		id := common.TxnID(m.ticker.Add(1))
		if t, err := m.BeginWithID(id); err == nil {
			return t
		}
	}
}

// BeginWithID starts a transaction with an externally assigned id, as the
// replay pipeline does with ids received from the primary.
func (m *Manager) BeginWithID(id common.TxnID) (*Txn, error) {
	m.activeGuard.Lock()
	defer m.activeGuard.Unlock()

	if _, ok := m.active[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrTxnAlreadyActive, id)
	}

	m.ObserveTxnID(id)

	t := newTxn(id, m)
	m.active[id] = t

	return t, nil
}

// ObserveTxnID makes sure Begin never hands out id or anything below it.
func (m *Manager) ObserveTxnID(id common.TxnID) {
	for {
		cur := m.ticker.Load()
		if uint64(id) <= cur || m.ticker.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

func (m *Manager) ActiveTxns() []common.TxnID {
	m.activeGuard.Lock()
	defer m.activeGuard.Unlock()

	res := make([]common.TxnID, 0, len(m.active))
	for id := range m.active {
		res = append(res, id)
	}

	return res
}

func (m *Manager) LockHolder(rec common.RecordID) (common.TxnID, bool) {
	return m.locker.Holder(rec)
}

// Sync flushes the log to stable storage.
func (m *Manager) Sync() error {
	return m.log.Sync()
}

func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

func (m *Manager) Store() common.RecordStore {
	return m.store
}

func (m *Manager) forget(id common.TxnID) {
	m.activeGuard.Lock()
	defer m.activeGuard.Unlock()

	delete(m.active, id)
}

// appendRecord writes rec to the log. A record without a sequence is given
// one from the clock, if the manager has one.
func (m *Manager) appendRecord(rec *common.LogRecord) (common.LSN, uint32, error) {
	m.appendGuard.Lock()
	defer m.appendGuard.Unlock()

	if rec.VLSN.IsNull() {
		if c := m.clock.Load(); c != nil {
			rec.VLSN = c.Next()
		}
	}

	lsn, size, err := m.log.Append(rec)
	if err != nil {
		m.logger.Errorw(
			"failed to append a log record",
			zap.Uint64("txn", uint64(rec.TxnID)),
			zap.Stringer("type", rec.Type),
			zap.Stringer("vlsn", rec.VLSN),
			zap.Error(err),
		)
		return common.NilLSN, 0, err
	}

	return lsn, size, nil
}
