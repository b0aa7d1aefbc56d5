package common

import (
	"time"

	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

type LogRecordType uint8

const (
	TypeInsert LogRecordType = iota + 1
	TypeUpdate
	TypeDelete
	TypeCommit
	TypeAbort
)

func (t LogRecordType) IsWrite() bool {
	return t == TypeInsert || t == TypeUpdate || t == TypeDelete
}

func (t LogRecordType) String() string {
	switch t {
	case TypeInsert:
		return "insert"
	case TypeUpdate:
		return "update"
	case TypeDelete:
		return "delete"
	case TypeCommit:
		return "commit"
	case TypeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// AbortInfo is the persisted part of a record's pre-transaction version.
// It travels with every write so recovery can roll the write back.
type AbortInfo struct {
	LSN          LSN        `msgpack:"lsn"`
	KnownDeleted bool       `msgpack:"deleted,omitempty"`
	Key          []byte     `msgpack:"key,omitempty"`
	Data         []byte     `msgpack:"data,omitempty"`
	VLSN         vlsn.VLSN  `msgpack:"vlsn,omitempty"`
	Expiration   Expiration `msgpack:"exp,omitempty"`
}

// Version rebuilds the pre-transaction version described by a.
func (a AbortInfo) Version() Version {
	return Version{
		LSN:        a.LSN,
		VLSN:       a.VLSN,
		Key:        a.Key,
		Data:       a.Data,
		Deleted:    a.KnownDeleted,
		Expiration: a.Expiration,
	}
}

type LogRecord struct {
	Type       LogRecordType `msgpack:"t"`
	TxnID      TxnID         `msgpack:"txn"`
	VLSN       vlsn.VLSN     `msgpack:"v,omitempty"`
	Record     RecordID      `msgpack:"r,omitempty"`
	Data       []byte        `msgpack:"d,omitempty"`
	Expiration Expiration    `msgpack:"e,omitempty"`
	Abort      *AbortInfo    `msgpack:"a,omitempty"`
	Policy     CommitPolicy  `msgpack:"p,omitempty"`
	Timestamp  time.Time     `msgpack:"ts,omitempty"`
}
