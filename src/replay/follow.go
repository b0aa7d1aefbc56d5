package replay

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/ReplicaDB/src/transport"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

var errStreamEnded = errors.New("replay: stream ended")

// Dialer opens a stream to the current primary starting at from.
type Dialer func(ctx context.Context, from vlsn.VLSN) (transport.Channel, error)

// Follow keeps the replica streaming until ctx is cancelled, reconnecting
// with b between attempts. Every new stream starts at StartVLSN, which is
// how a sequence gap or a torn-down batch gets repaired.
func (r *Replay) Follow(ctx context.Context, dial Dialer, b backoff.BackOff) error {
	op := func() error {
		ch, err := dial(ctx, r.StartVLSN())
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			r.logger.Warnw("failed to reach the primary", zap.Stringer("from", r.StartVLSN()), zap.Error(err))
			return err
		}
		b.Reset()

		err = r.Run(ctx, ch)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrAlreadyRunning) {
			return backoff.Permanent(err)
		}
		if err == nil {
			err = errStreamEnded
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
