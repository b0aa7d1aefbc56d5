package txns

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
)

func (m *LockManager) GetActiveTransactions() []common.TxnID {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	res := make([]common.TxnID, 0, len(m.lockedRecords))
	for txnID := range m.lockedRecords {
		res = append(res, txnID)
	}

	return res
}

func (m *LockManager) AreAllQueuesEmpty() bool {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	return len(m.qs) == 0
}

// TxnDependencyGraph maps a waiting transaction to the transactions it waits for.
type TxnDependencyGraph map[common.TxnID][]common.TxnID

// GetGraphSnapshot returns the current waits-for graph.
func (m *LockManager) GetGraphSnapshot() TxnDependencyGraph {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	g := make(TxnDependencyGraph)
	for _, q := range m.qs {
		ahead := []common.TxnID{q.holder}
		for _, w := range q.waiters {
			g[w.txnID] = append(g[w.txnID], ahead...)
			ahead = append(ahead, w.txnID)
		}
	}

	return g
}

func (g TxnDependencyGraph) IsCyclic() bool {
	visited := make(map[common.TxnID]bool)
	recStack := make(map[common.TxnID]bool)

	var dfs func(txnID common.TxnID) bool
	dfs = func(txnID common.TxnID) bool {
		if recStack[txnID] {
			return true
		}

		if visited[txnID] {
			return false
		}

		visited[txnID] = true
		recStack[txnID] = true

		for _, dst := range g[txnID] {
			if dfs(dst) {
				return true
			}
		}

		recStack[txnID] = false
		return false
	}

	for txnID := range g {
		if !visited[txnID] && dfs(txnID) {
			return true
		}
	}

	return false
}

func expectClosedChannel(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func expectOpenChannel(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func rid(key string) common.RecordID {
	return common.RecordID{Container: 1, Key: key}
}

func TestLockManagerBasicOperation(t *testing.T) {
	m := NewLockManager()

	notifier := m.Lock(1, rid("a"))
	expectClosedChannel(t, notifier, "Initial lock should be granted")

	holder, ok := m.Holder(rid("a"))
	require.True(t, ok)
	assert.Equal(t, common.TxnID(1), holder)

	again := m.Lock(1, rid("a"))
	expectClosedChannel(t, again, "Re-locking a held record should not block")

	m.Unlock(1, rid("a"))
	assert.True(t, m.AreAllQueuesEmpty())

	_, ok = m.Holder(rid("a"))
	assert.False(t, ok)
}

func TestLockManagerUnlockPanicScenarios(t *testing.T) {
	m := NewLockManager()

	assert.Panics(t, func() { m.Unlock(1, rid("missing")) })

	expectClosedChannel(t, m.Lock(1, rid("a")), "lock should be granted")
	assert.Panics(t, func() { m.Unlock(2, rid("a")) })
}

func TestLockManagerLockContention(t *testing.T) {
	m := NewLockManager()
	record := rid("contended")

	notifier1 := m.Lock(5, record)
	expectClosedChannel(t, notifier1, "First lock should be granted")

	notifier2 := m.Lock(4, record)
	expectOpenChannel(t, notifier2, "Second lock should block")

	notifier3 := m.Lock(3, record)
	expectOpenChannel(t, notifier3, "Third lock should block behind the second")

	m.Unlock(5, record)
	expectClosedChannel(t, notifier2, "Second lock should be granted after unlock")
	expectOpenChannel(t, notifier3, "Third lock should still wait")

	m.Unlock(4, record)
	expectClosedChannel(t, notifier3, "Third lock should be granted last")
}

func TestLockManagerWaitDie(t *testing.T) {
	m := NewLockManager()
	record := rid("a")

	expectClosedChannel(t, m.Lock(2, record), "lock should be granted")
	assert.Nil(t, m.Lock(3, record), "younger transaction must not wait for an older one")

	older := m.Lock(1, record)
	require.NotNil(t, older)
	expectOpenChannel(t, older, "older transaction should wait")
}

func TestLockManagerWithdrawWaiter(t *testing.T) {
	m := NewLockManager()
	record := rid("a")

	expectClosedChannel(t, m.Lock(5, record), "lock should be granted")
	waiting := m.Lock(4, record)
	expectOpenChannel(t, waiting, "should wait")

	m.Unlock(4, record)
	m.Unlock(5, record)
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestLockManagerUnlockAll(t *testing.T) {
	m := NewLockManager()

	waitingTxn := common.TxnID(1)
	runningTxn := common.TxnID(2)

	expectClosedChannel(t, m.Lock(runningTxn, rid("a")), "Txn 2 should hold a")
	expectClosedChannel(t, m.Lock(runningTxn, rid("b")), "Txn 2 should hold b")

	notifier := m.Lock(waitingTxn, rid("a"))
	expectOpenChannel(t, notifier, "Txn 1 should be enqueued on a")

	assert.ElementsMatch(t, []common.TxnID{runningTxn}, m.GetActiveTransactions())

	m.UnlockAll(runningTxn)
	expectClosedChannel(
		t,
		notifier,
		"Txn 1 should have been granted the lock after the running transaction has finished",
	)
	assert.ElementsMatch(t, []common.TxnID{waitingTxn}, m.GetActiveTransactions())

	m.UnlockAll(waitingTxn)
	assert.True(t, m.AreAllQueuesEmpty())
}

func TestLockManagerGraphSnapshot(t *testing.T) {
	m := NewLockManager()

	expectClosedChannel(t, m.Lock(3, rid("a")), "lock should be granted")
	require.NotNil(t, m.Lock(2, rid("a")))
	require.NotNil(t, m.Lock(1, rid("a")))

	g := m.GetGraphSnapshot()
	assert.Equal(t, []common.TxnID{3}, g[2])
	assert.Equal(t, []common.TxnID{3, 2}, g[1])
	assert.False(t, g.IsCyclic())

	assert.True(t, TxnDependencyGraph{1: {2}, 2: {1}}.IsCyclic())
}

func TestLockManagerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping slow test in short mode")
	}

	m := NewLockManager()

	const (
		numTxns    = 100
		numRecords = 10
		opsPerTxn  = 10
	)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		failedTxns = make(map[common.TxnID]bool)
	)

	for i := range numTxns {
		wg.Add(1)

		go func() {
			defer wg.Done()

			txn := common.TxnID(i + 1)
			defer m.UnlockAll(txn)

			for range opsPerTxn {
				record := rid(string(rune('a' + rand.Intn(numRecords))))

				notifier := m.Lock(txn, record)
				if notifier == nil {
					mu.Lock()
					failedTxns[txn] = true
					mu.Unlock()
					return
				}

				select {
				case <-notifier:
				case <-time.After(5 * time.Second):
					graph := m.GetGraphSnapshot()
					t.Errorf("waiting for too long. Graph: %v", graph)
					return
				}

				time.Sleep(time.Millisecond * time.Duration(i%3))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	t.Logf("Concurrency test completed. Failed transactions: %d/%d", len(failedTxns), numTxns)
	mu.Unlock()

	assert.True(t, m.AreAllQueuesEmpty(), "Some queues are not empty after all transactions completed")
	assert.Empty(t, m.GetActiveTransactions())
}
