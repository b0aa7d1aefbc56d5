package common

import (
	"errors"
	"sync"
)

var ErrNoLogs = errors.New("log records are discarded")

// DummyLog assigns increasing positions to appended records and keeps
// nothing else. Obsolete charges are summed so callers can be checked.
type DummyLog struct {
	mu        sync.Mutex
	next      LSN
	syncs     int
	obsoleted map[LSN]uint32
}

var _ LogStore = &DummyLog{}

func NoLogs() *DummyLog {
	return &DummyLog{obsoleted: make(map[LSN]uint32)}
}

func (l *DummyLog) Append(*LogRecord) (LSN, uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.next
	l.next += 64

	return lsn, 64, nil
}

func (l *DummyLog) Read(LSN) (LogRecord, error) {
	return LogRecord{}, ErrNoLogs
}

func (l *DummyLog) Obsolete(lsn LSN, size uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.obsoleted[lsn] += size
}

func (l *DummyLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.syncs++

	return nil
}

func (l *DummyLog) Syncs() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.syncs
}

// Obsoleted returns a copy of the charged positions and sizes.
func (l *DummyLog) Obsoleted() map[LSN]uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make(map[LSN]uint32, len(l.obsoleted))
	for k, v := range l.obsoleted {
		res[k] = v
	}

	return res
}
