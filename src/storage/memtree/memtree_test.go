package memtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
)

func TestTreeTombstones(t *testing.T) {
	tree := New()
	id := common.RecordID{Container: 1, Key: "a"}

	tree.Put(id, common.Version{LSN: 10, Data: []byte("v1")})
	v, ok := tree.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v.Data)

	tree.Put(id, common.Version{LSN: 20, Deleted: true})
	_, ok = tree.Lookup(id)
	assert.False(t, ok)

	v, ok = tree.Get(id)
	require.True(t, ok)
	assert.True(t, v.Deleted)

	tree.Delete(id)
	_, ok = tree.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, tree.Len())
}

func TestTreeRangeIsOrdered(t *testing.T) {
	tree := New()
	ids := []common.RecordID{
		{Container: 2, Key: "a"},
		{Container: 1, Key: "b"},
		{Container: 1, Key: "a"},
	}
	for i, id := range ids {
		tree.Put(id, common.Version{LSN: common.LSN(i)})
	}

	var got []common.RecordID
	tree.Range(func(id common.RecordID, _ common.Version) bool {
		got = append(got, id)
		return true
	})

	assert.Equal(t, []common.RecordID{
		{Container: 1, Key: "a"},
		{Container: 1, Key: "b"},
		{Container: 2, Key: "a"},
	}, got)
}
