package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
)

func TestNewEntryCarriesCommitMetadata(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)

	e := NewEntry(common.LogRecord{
		Type:      common.TypeCommit,
		TxnID:     4,
		VLSN:      17,
		Policy:    common.CommitWriteNoSync,
		Timestamp: ts,
	})

	assert.Equal(t, common.TypeCommit, e.Type)
	assert.Equal(t, common.CommitWriteNoSync, e.Policy)
	assert.True(t, ts.Equal(e.CommitTime))

	data, err := Marshal(&Message{Type: TypeEntry, Entry: &e})
	require.NoError(t, err)

	m, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, m.Entry)
	assert.Nil(t, m.Ack)
	assert.Equal(t, e.VLSN, m.Entry.VLSN)
	assert.True(t, ts.Equal(m.Entry.CommitTime))
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xc1})
	require.Error(t, err)
}
