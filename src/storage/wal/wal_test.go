package wal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

const testPath = "/data/replica.wal"

func openLog(t *testing.T, fs afero.Fs) *Log {
	t.Helper()

	l, err := Open(fs, testPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	return l
}

func writeRecord(seq vlsn.VLSN, key string) *common.LogRecord {
	return &common.LogRecord{
		Type:   common.TypeInsert,
		TxnID:  1,
		VLSN:   seq,
		Record: common.RecordID{Container: 1, Key: key},
		Data:   []byte("value of " + key),
		Abort:  &common.AbortInfo{LSN: common.NilLSN},
	}
}

func TestAppendAndRead(t *testing.T) {
	l := openLog(t, afero.NewMemMapFs())
	defer l.Close()

	commitTime := time.UnixMilli(1_700_000_000_000).UTC()

	lsn1, size1, err := l.Append(writeRecord(1, "a"))
	require.NoError(t, err)
	lsn2, _, err := l.Append(&common.LogRecord{
		Type:      common.TypeCommit,
		TxnID:     1,
		VLSN:      2,
		Policy:    common.CommitAck,
		Timestamp: commitTime,
	})
	require.NoError(t, err)

	assert.Equal(t, common.LSN(0), lsn1)
	assert.Equal(t, common.LSN(size1), lsn2)

	rec, err := l.Read(lsn1)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Record.Key)
	assert.Equal(t, []byte("value of a"), rec.Data)
	require.NotNil(t, rec.Abort)
	assert.True(t, rec.Abort.LSN.IsNil())

	rec, err = l.Read(lsn2)
	require.NoError(t, err)
	assert.Equal(t, common.TypeCommit, rec.Type)
	assert.Equal(t, common.CommitAck, rec.Policy)
	assert.True(t, commitTime.Equal(rec.Timestamp))

	assert.Equal(t, vlsn.VLSN(2), l.LastVLSN())
	assert.Equal(t, uint64(2), l.Stats().Appends)
}

func TestReopenRebuildsIndex(t *testing.T) {
	fs := afero.NewMemMapFs()

	l := openLog(t, fs)
	for i := 1; i <= 3; i++ {
		_, _, err := l.Append(writeRecord(vlsn.VLSN(i), string(rune('a'+i))))
		require.NoError(t, err)
	}
	_, _, err := l.Append(&common.LogRecord{Type: common.TypeAbort, TxnID: 9})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openLog(t, fs)
	defer l.Close()

	assert.Equal(t, vlsn.VLSN(3), l.LastVLSN())

	rec, err := l.WaitVLSN(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, vlsn.VLSN(2), rec.VLSN)

	var types []common.LogRecordType
	require.NoError(t, l.Scan(func(_ common.LSN, _ uint32, rec common.LogRecord) error {
		types = append(types, rec.Type)
		return nil
	}))
	assert.Equal(t, []common.LogRecordType{
		common.TypeInsert, common.TypeInsert, common.TypeInsert, common.TypeAbort,
	}, types)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	fs := afero.NewMemMapFs()

	l := openLog(t, fs)
	_, size, err := l.Append(writeRecord(1, "a"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := fs.OpenFile(testPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0x00, 0x00, 0x00, 0x01}, int64(size))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openLog(t, fs)
	defer l.Close()

	info, err := fs.Stat(testPath)
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size())

	lsn, _, err := l.Append(writeRecord(2, "b"))
	require.NoError(t, err)
	assert.Equal(t, common.LSN(size), lsn)
}

func TestWaitVLSNBlocksUntilAppend(t *testing.T) {
	l := openLog(t, afero.NewMemMapFs())
	defer l.Close()

	got := make(chan common.LogRecord, 1)
	go func() {
		rec, err := l.WaitVLSN(context.Background(), 1)
		if err == nil {
			got <- rec
		}
	}()

	select {
	case <-got:
		t.Fatal("record delivered before it was appended")
	case <-time.After(20 * time.Millisecond):
	}

	_, _, err := l.Append(writeRecord(1, "a"))
	require.NoError(t, err)

	select {
	case rec := <-got:
		assert.Equal(t, "a", rec.Record.Key)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken up")
	}
}

func TestWaitVLSNHonorsContext(t *testing.T) {
	l := openLog(t, afero.NewMemMapFs())
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.WaitVLSN(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncAndObsoleteStats(t *testing.T) {
	l := openLog(t, afero.NewMemMapFs())
	defer l.Close()

	require.NoError(t, l.Sync())
	require.NoError(t, l.Sync())
	l.Obsolete(0, 100)
	l.Obsolete(100, 20)

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Syncs)
	assert.Equal(t, uint64(120), stats.ObsoleteBytes)
	assert.Equal(t, uint64(2), stats.ObsoleteLNs)
}

func TestAppendAfterClose(t *testing.T) {
	l := openLog(t, afero.NewMemMapFs())
	require.NoError(t, l.Close())

	_, _, err := l.Append(writeRecord(1, "a"))
	require.ErrorIs(t, err, ErrClosed)

	_, err = l.WaitVLSN(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
}
