package common

import (
	"cmp"
	"fmt"
	"math"
	"strings"

	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

type TxnID uint64

const NilTxnID TxnID = 0

type ContainerID uint64

const NilContainerID ContainerID = 0

// LSN is an opaque log handle: the position of a record in the log.
type LSN uint64

const NilLSN LSN = math.MaxUint64

func (l LSN) IsNil() bool {
	return l == NilLSN
}

// RecordID identifies a record by its owning container and key.
type RecordID struct {
	Container ContainerID `msgpack:"c"`
	Key       string      `msgpack:"k"`
}

func (r RecordID) String() string {
	return fmt.Sprintf("%d/%s", r.Container, r.Key)
}

func CompareRecordIDs(a, b RecordID) int {
	if c := cmp.Compare(a.Container, b.Container); c != 0 {
		return c
	}

	return strings.Compare(a.Key, b.Key)
}

// Expiration is a record TTL. Negative values are expressed in hours,
// positive values in days, zero means no expiration.
type Expiration int32

func NewExpiration(value int32, inHours bool) Expiration {
	if value < 0 {
		value = -value
	}
	if inHours {
		return Expiration(-value)
	}

	return Expiration(value)
}

func (e Expiration) InHours() bool {
	return e < 0
}

func (e Expiration) Value() int32 {
	if e < 0 {
		return int32(-e)
	}

	return int32(e)
}

// Version is a physical version of a record as seen by the record store.
type Version struct {
	LSN        LSN
	VLSN       vlsn.VLSN
	Key        []byte
	Data       []byte
	Size       uint32
	Deleted    bool
	Expiration Expiration
}

// Exists reports whether the version denotes a live record.
func (v Version) Exists() bool {
	return !v.LSN.IsNil() && !v.Deleted
}

// CommitPolicy is the durability requested for a replicated commit.
type CommitPolicy uint8

const (
	// CommitAck asks the replica to make the commit durable and acknowledge it.
	CommitAck CommitPolicy = iota + 1
	CommitSync
	CommitNoSync
	CommitWriteNoSync
)

func (p CommitPolicy) NeedsAck() bool {
	return p == CommitAck
}

// NeedsSync reports whether the commit must reach stable storage before it
// completes.
func (p CommitPolicy) NeedsSync() bool {
	return p == CommitAck || p == CommitSync
}

func (p CommitPolicy) String() string {
	switch p {
	case CommitAck:
		return "ack"
	case CommitSync:
		return "sync"
	case CommitNoSync:
		return "nosync"
	case CommitWriteNoSync:
		return "wns"
	default:
		return fmt.Sprintf("CommitPolicy(%d)", p)
	}
}

func ParseCommitPolicy(s string) (CommitPolicy, error) {
	switch s {
	case "ack":
		return CommitAck, nil
	case "sync", "":
		return CommitSync, nil
	case "nosync":
		return CommitNoSync, nil
	case "wns":
		return CommitWriteNoSync, nil
	default:
		return 0, fmt.Errorf("unknown commit policy %q", s)
	}
}
