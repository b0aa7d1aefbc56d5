// Package transport carries wire messages between a primary and its
// replicas.
package transport

import (
	"context"
	"errors"

	"github.com/Blackdeer1524/ReplicaDB/src/wire"
)

var (
	ErrChannelClosed   = errors.New("transport: channel closed")
	ErrDuplicateStream = errors.New("transport: replica is already streaming")
)

// Channel is one replication stream. Send and Recv may be used from two
// different goroutines, but each of them from only one at a time.
type Channel interface {
	Send(ctx context.Context, m *wire.Message) error
	Recv(ctx context.Context) (*wire.Message, error)
	Close() error
}
