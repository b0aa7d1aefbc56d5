package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/ReplicaDB/src"
	"github.com/Blackdeer1524/ReplicaDB/src/delivery"
	"github.com/Blackdeer1524/ReplicaDB/src/election"
	"github.com/Blackdeer1524/ReplicaDB/src/pkg/utils"
	"github.com/Blackdeer1524/ReplicaDB/src/transport"
)

const CloseTimeout = 15 * time.Second

type Entrypoint struct {
	ConfigPath string
	Role       Role
	Config     Config

	n        *node
	s        *delivery.Server
	repl     *transport.Server
	election *election.Node
	log      src.Logger
}

func (e *Entrypoint) Init(_ context.Context) error {
	cfg, err := LoadConfig(e.ConfigPath)
	if err != nil {
		return err
	}
	e.Config = cfg

	var log src.Logger
	if e.Config.Environment == EnvDev {
		log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		log = utils.Must(zap.NewProduction()).Sugar()
	}

	e.log = log

	e.n, err = openNode(afero.NewOsFs(), e.Config, e.Role, log)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}
	log.Infow("node opened",
		zap.String("role", string(e.Role)),
		zap.Stringer("last_vlsn", e.n.info.LastVLSN),
		zap.Stringer("sync_point", e.n.info.SyncPoint),
		zap.Int("losers", len(e.n.info.Losers)),
	)

	if e.Role == RolePrimary {
		e.repl = transport.NewServer(e.n.feeders, log)

		if e.Config.Election.Enabled {
			e.election, err = election.StartNode(e.Config.Election, log)
			if err != nil {
				return fmt.Errorf("failed to start election node: %w", err)
			}
		}
	}

	e.s = delivery.NewServer(e.Config.ServerHost, e.Config.ServerPort, e.n.handler(), log)

	return nil
}

// Run serves until ctx is cancelled or a component fails.
func (e *Entrypoint) Run(ctx context.Context) error {
	var lis net.Listener
	if e.Role == RolePrimary {
		var err error
		lis, err = net.Listen("tcp", e.Config.ReplicationAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", e.Config.ReplicationAddr, err)
		}

		if e.election == nil {
			if err := e.n.Promote(e.n.wal.LastVLSN().Next()); err != nil {
				_ = lis.Close()
				return err
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(e.s.Run)
	g.Go(func() error {
		<-ctx.Done()

		closeCtx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
		defer cancel()

		if e.repl != nil {
			e.repl.Stop()
		}
		return e.s.Close(closeCtx)
	})

	switch e.Role {
	case RolePrimary:
		g.Go(func() error { return e.repl.Serve(lis) })

		if e.election != nil {
			e.n.standby(e.n.dialer(e.Config.PrimaryAddrs), e.Config.Backoff.newBackOff)
			g.Go(func() error { return e.election.Watch(ctx, e.n) })
			g.Go(func() error {
				return e.n.proposeWatermarks(ctx, e.election, e.Config.WatermarkInterval)
			})
		}
	case RoleReplica:
		g.Go(func() error {
			return e.n.replay.Follow(ctx, e.n.dialer(e.Config.PrimaryAddrs), e.Config.Backoff.newBackOff())
		})
	}

	return g.Wait()
}

func (e *Entrypoint) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()

	if e.s != nil {
		err = e.s.Close(ctx)
	}
	if e.repl != nil {
		e.repl.Stop()
	}
	if e.election != nil {
		e.election.Close()
	}
	if e.n != nil {
		if closeErr := e.n.close(); closeErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, closeErr)
		} else if closeErr != nil {
			err = closeErr
		}
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to close node", zap.Error(err))
		}

		logErr := e.log.Sync()
		if logErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, logErr)
		} else if logErr != nil {
			err = logErr
		}
	}

	return
}
