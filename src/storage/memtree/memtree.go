// Package memtree is an ordered in-memory record store.
package memtree

import (
	"github.com/zhangyunhao116/skipmap"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
)

type Tree struct {
	records *skipmap.FuncMap[common.RecordID, common.Version]
}

var _ common.RecordStore = &Tree{}

func New() *Tree {
	return &Tree{
		records: skipmap.NewFunc[common.RecordID, common.Version](
			func(a, b common.RecordID) bool {
				return common.CompareRecordIDs(a, b) < 0
			},
		),
	}
}

// Get returns the current version of id, tombstones included.
func (t *Tree) Get(id common.RecordID) (common.Version, bool) {
	return t.records.Load(id)
}

func (t *Tree) Put(id common.RecordID, v common.Version) {
	t.records.Store(id, v)
}

func (t *Tree) Delete(id common.RecordID) {
	t.records.Delete(id)
}

// Lookup returns the live version of id, hiding tombstones.
func (t *Tree) Lookup(id common.RecordID) (common.Version, bool) {
	v, ok := t.records.Load(id)
	if !ok || v.Deleted {
		return common.Version{}, false
	}

	return v, true
}

// Range visits versions in record order until fn returns false.
func (t *Tree) Range(fn func(id common.RecordID, v common.Version) bool) {
	t.records.Range(fn)
}

func (t *Tree) Len() int {
	return t.records.Len()
}
