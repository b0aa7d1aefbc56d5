package replay

import (
	"time"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

type flushReason uint8

const (
	flushTimeout flushReason = iota
	flushMaxSize
	// flushLockConflict: a later write needs a lock still held by the batch.
	flushLockConflict
)

func (r flushReason) String() string {
	switch r {
	case flushTimeout:
		return "timeout"
	case flushMaxSize:
		return "max-size"
	case flushLockConflict:
		return "lock-conflict"
	}
	panic("invalid flush reason")
}

type pendingCommit struct {
	rt    *replayTxn
	entry wire.Entry
	start time.Time
}

// groupCommitBatch buffers commits that wait for one shared log sync. The
// timer starts with the oldest buffered commit.
type groupCommitBatch struct {
	interval time.Duration
	pending  []pendingCommit
	timer    *time.Timer
}

func newGroupCommitBatch(interval time.Duration) *groupCommitBatch {
	return &groupCommitBatch{interval: interval}
}

func (b *groupCommitBatch) add(p pendingCommit) {
	if len(b.pending) == 0 {
		b.timer = time.NewTimer(b.interval)
	}
	b.pending = append(b.pending, p)
}

func (b *groupCommitBatch) len() int {
	return len(b.pending)
}

// expired fires when the oldest commit has waited for the whole interval.
// It is nil while the batch is empty.
func (b *groupCommitBatch) expired() <-chan time.Time {
	if b.timer == nil {
		return nil
	}

	return b.timer.C
}

func (b *groupCommitBatch) holds(txnID common.TxnID) bool {
	for _, p := range b.pending {
		if p.entry.TxnID == txnID {
			return true
		}
	}

	return false
}

func (b *groupCommitBatch) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *groupCommitBatch) reset() {
	b.stopTimer()
	b.pending = nil
}
