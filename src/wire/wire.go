// Package wire defines the messages exchanged between a feeder and a
// replica.
package wire

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

type MessageType uint8

const (
	// TypeStart opens a stream: the replica names itself and the first
	// sequence it needs.
	TypeStart MessageType = iota + 1
	TypeEntry
	TypeAck
	// TypeRetransmit asks the feeder to resend from a given sequence.
	TypeRetransmit
)

func (t MessageType) String() string {
	switch t {
	case TypeStart:
		return "start"
	case TypeEntry:
		return "entry"
	case TypeAck:
		return "ack"
	case TypeRetransmit:
		return "retransmit"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

type Message struct {
	Type       MessageType `msgpack:"t"`
	Start      *Start      `msgpack:"s,omitempty"`
	Entry      *Entry      `msgpack:"e,omitempty"`
	Ack        *Ack        `msgpack:"a,omitempty"`
	Retransmit *Retransmit `msgpack:"r,omitempty"`
}

type Start struct {
	ReplicaID string    `msgpack:"id"`
	From      vlsn.VLSN `msgpack:"from"`
}

// Entry is one replicated log record.
type Entry struct {
	VLSN       vlsn.VLSN            `msgpack:"v"`
	Type       common.LogRecordType `msgpack:"t"`
	TxnID      common.TxnID         `msgpack:"txn"`
	Record     common.RecordID      `msgpack:"r,omitempty"`
	Data       []byte               `msgpack:"d,omitempty"`
	Expiration common.Expiration    `msgpack:"e,omitempty"`
	Policy     common.CommitPolicy  `msgpack:"p,omitempty"`
	// CommitTime is the primary's commit timestamp of a commit entry.
	CommitTime time.Time `msgpack:"ct,omitempty"`
}

type Ack struct {
	VLSN   vlsn.VLSN           `msgpack:"v"`
	TxnID  common.TxnID        `msgpack:"txn"`
	Policy common.CommitPolicy `msgpack:"p"`
	// CommitTime is when the replica made the commit durable.
	CommitTime time.Time `msgpack:"ct"`
}

type Retransmit struct {
	From vlsn.VLSN `msgpack:"from"`
}

func NewEntry(rec common.LogRecord) Entry {
	return Entry{
		VLSN:       rec.VLSN,
		Type:       rec.Type,
		TxnID:      rec.TxnID,
		Record:     rec.Record,
		Data:       rec.Data,
		Expiration: rec.Expiration,
		Policy:     rec.Policy,
		CommitTime: rec.Timestamp,
	}
}

func Marshal(m *Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}

	return &m, nil
}
