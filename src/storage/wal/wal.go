// Package wal is an append-only log of msgpack-encoded records, stored in a
// single file on an afero filesystem.
//
// Each frame is laid out as:
//
//	| length uint32 | crc32 uint32 | payload ... |
//
// A record's LSN is the offset of its frame.
package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

const (
	headerSize = 8
	maxPayload = 64 << 20
)

var (
	ErrCorruptedFrame = errors.New("wal: corrupted frame")
	ErrClosed         = errors.New("wal: log is closed")
)

type Stats struct {
	Appends       uint64 `json:"nAppends"`
	Syncs         uint64 `json:"nSyncs"`
	Bytes         uint64 `json:"nBytes"`
	ObsoleteBytes uint64 `json:"nObsoleteBytes"`
	ObsoleteLNs   uint64 `json:"nObsoleteLNs"`
}

type Log struct {
	fs     afero.Fs
	path   string
	logger src.Logger

	mu       sync.Mutex
	f        afero.File
	tail     int64
	index    map[vlsn.VLSN]common.LSN
	lastVLSN vlsn.VLSN
	appended chan struct{}
	closed   bool
	stats    Stats

	syncGuard sync.Mutex
}

var _ common.LogStore = &Log{}

// Open opens or creates the log at path. A torn frame at the end of the
// file, left by a crash in the middle of an append, is truncated away.
func Open(fs afero.Fs, path string, logger src.Logger) (*Log, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	l := &Log{
		fs:       fs,
		path:     path,
		logger:   logger,
		f:        f,
		index:    make(map[vlsn.VLSN]common.LSN),
		appended: make(chan struct{}),
	}

	end, err := l.scan(func(lsn common.LSN, _ uint32, rec common.LogRecord) error {
		l.indexRecord(lsn, &rec)
		return nil
	})
	if err != nil && !errors.Is(err, ErrCorruptedFrame) {
		_ = f.Close()
		return nil, err
	}

	info, statErr := f.Stat()
	if statErr != nil {
		_ = f.Close()
		return nil, statErr
	}

	if info.Size() != end {
		logger.Warnw(
			"truncating torn log tail",
			zap.String("path", path),
			zap.Int64("size", info.Size()),
			zap.Int64("validUpTo", end),
		)
		if err := f.Truncate(end); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	l.tail = end

	return l, nil
}

func (l *Log) indexRecord(lsn common.LSN, rec *common.LogRecord) {
	if rec.VLSN.IsNull() {
		return
	}

	l.index[rec.VLSN] = lsn
	if rec.VLSN > l.lastVLSN {
		l.lastVLSN = rec.VLSN
	}
}

// Append writes rec at the end of the log. It returns the record's LSN and
// the size of its frame.
func (l *Log) Append(rec *common.LogRecord) (common.LSN, uint32, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return common.NilLSN, 0, fmt.Errorf("wal: encode record: %w", err)
	}

	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[headerSize:], payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return common.NilLSN, 0, ErrClosed
	}

	lsn := common.LSN(l.tail)
	if _, err := l.f.WriteAt(frame, l.tail); err != nil {
		return common.NilLSN, 0, fmt.Errorf("wal: write frame at %d: %w", l.tail, err)
	}
	l.tail += int64(len(frame))

	l.indexRecord(lsn, rec)
	l.stats.Appends++
	l.stats.Bytes += uint64(len(frame))

	close(l.appended)
	l.appended = make(chan struct{})

	return lsn, uint32(len(frame)), nil
}

func (l *Log) Read(lsn common.LSN) (common.LogRecord, error) {
	rec, _, err := l.readAt(int64(lsn))
	return rec, err
}

func (l *Log) readAt(off int64) (common.LogRecord, uint32, error) {
	var header [headerSize]byte
	if _, err := l.f.ReadAt(header[:], off); err != nil {
		if isShortRead(err) {
			return common.LogRecord{}, 0, fmt.Errorf("%w: short header at %d", ErrCorruptedFrame, off)
		}
		return common.LogRecord{}, 0, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if length > maxPayload {
		return common.LogRecord{}, 0, fmt.Errorf("%w: frame length %d at %d", ErrCorruptedFrame, length, off)
	}

	payload := make([]byte, length)
	if _, err := l.f.ReadAt(payload, off+headerSize); err != nil {
		if isShortRead(err) {
			return common.LogRecord{}, 0, fmt.Errorf("%w: short payload at %d", ErrCorruptedFrame, off)
		}
		return common.LogRecord{}, 0, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return common.LogRecord{}, 0, fmt.Errorf("%w: checksum mismatch at %d", ErrCorruptedFrame, off)
	}

	var rec common.LogRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return common.LogRecord{}, 0, fmt.Errorf("%w: decode at %d: %v", ErrCorruptedFrame, off, err)
	}

	return rec, headerSize + length, nil
}

// Obsolete charges the frame at lsn as reclaimable.
func (l *Log) Obsolete(_ common.LSN, size uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.ObsoleteBytes += uint64(size)
	l.stats.ObsoleteLNs++
}

func (l *Log) Sync() error {
	l.syncGuard.Lock()
	defer l.syncGuard.Unlock()

	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}

	l.mu.Lock()
	l.stats.Syncs++
	l.mu.Unlock()

	return nil
}

// Scan calls fn for every record in log order.
func (l *Log) Scan(fn func(lsn common.LSN, size uint32, rec common.LogRecord) error) error {
	_, err := l.scan(fn)
	return err
}

func (l *Log) scan(fn func(lsn common.LSN, size uint32, rec common.LogRecord) error) (int64, error) {
	l.mu.Lock()
	end := l.tail
	l.mu.Unlock()

	if end == 0 {
		info, err := l.f.Stat()
		if err != nil {
			return 0, err
		}
		end = info.Size()
	}

	var off int64
	for off < end {
		rec, size, err := l.readAt(off)
		if err != nil {
			return off, err
		}
		if err := fn(common.LSN(off), size, rec); err != nil {
			return off, err
		}
		off += int64(size)
	}

	return off, nil
}

// LastVLSN is the highest sequence present in the log.
func (l *Log) LastVLSN() vlsn.VLSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastVLSN
}

// WaitVLSN blocks until the record with sequence v has been appended.
func (l *Log) WaitVLSN(ctx context.Context, v vlsn.VLSN) (common.LogRecord, error) {
	for {
		l.mu.Lock()
		lsn, ok := l.index[v]
		appended := l.appended
		closed := l.closed
		l.mu.Unlock()

		if ok {
			return l.Read(lsn)
		}
		if closed {
			return common.LogRecord{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return common.LogRecord{}, ctx.Err()
		case <-appended:
		}
	}
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stats
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.appended)
	l.appended = make(chan struct{})

	return l.f.Close()
}

func isShortRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
