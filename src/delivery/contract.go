package delivery

import (
	"context"
	"errors"

	"github.com/Blackdeer1524/ReplicaDB/src/feeder"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/common"
	"github.com/Blackdeer1524/ReplicaDB/src/replay"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

var (
	ErrNotPrimary = errors.New("node is not the primary")
	ErrNotFound   = errors.New("record not found")
)

// Node serves record reads everywhere and record writes on the primary.
// Writes return ErrNotPrimary on a replica.
type Node interface {
	Put(ctx context.Context, rec common.RecordID, data []byte, policy common.CommitPolicy) (vlsn.VLSN, error)
	Delete(ctx context.Context, rec common.RecordID, policy common.CommitPolicy) (vlsn.VLSN, error)
	Get(rec common.RecordID) (common.Version, bool)
}

type ReplayStats interface {
	Stats() replay.Stats
}

type FeederStats interface {
	Stats() feeder.Stats
}
