package election

import (
	"fmt"
	"io"
	"sync/atomic"

	hraft "github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

var _ hraft.FSM = &fsm{}

// command is the only entry of the election log: a primary announcing the
// sequence its log is durable up to.
type command struct {
	Watermark vlsn.VLSN `msgpack:"w"`
	Primary   string    `msgpack:"p"`
}

type fsmState struct {
	Watermark vlsn.VLSN `msgpack:"w"`
}

// fsm keeps the highest watermark ever announced. Watermarks never move
// back, whoever proposes them.
type fsm struct {
	nodeID    string
	watermark atomic.Uint64
	logger    src.Logger
}

func (f *fsm) Apply(l *hraft.Log) any {
	var cmd command
	if err := msgpack.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Errorw("can't decode election command",
			zap.String("node_id", f.nodeID),
			zap.Uint64("index", l.Index),
			zap.Error(err),
		)
		return fmt.Errorf("election: decode command: %w", err)
	}

	for {
		cur := f.watermark.Load()
		if uint64(cmd.Watermark) <= cur {
			return vlsn.VLSN(cur)
		}
		if f.watermark.CompareAndSwap(cur, uint64(cmd.Watermark)) {
			f.logger.Debugw(
				"watermark advanced",
				zap.String("node_id", f.nodeID),
				zap.Stringer("watermark", cmd.Watermark),
				zap.String("primary", cmd.Primary),
			)
			return cmd.Watermark
		}
	}
}

func (f *fsm) Snapshot() (hraft.FSMSnapshot, error) {
	return &fsmSnapshot{state: fsmState{Watermark: vlsn.VLSN(f.watermark.Load())}}, nil
}

func (f *fsm) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state fsmState
	if err := msgpack.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("election: restore snapshot: %w", err)
	}
	f.watermark.Store(uint64(state.Watermark))

	return nil
}

type fsmSnapshot struct {
	state fsmState
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	if err := msgpack.NewEncoder(sink).Encode(s.state); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("election: persist snapshot: %w", err)
	}

	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
