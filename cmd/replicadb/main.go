package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/ReplicaDB/src/app"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "replicadb",
		Short:        "Replicated transactional record store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		roleCommand(app.RolePrimary, "Run a primary: accept writes and feed replicas"),
		roleCommand(app.RoleReplica, "Run a replica: follow the primary and replay its log"),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func roleCommand(role app.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &app.Entrypoint{ConfigPath: configPath, Role: role})
		},
	}
}

func run(ctx context.Context, e *app.Entrypoint) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Init(ctx); err != nil {
		return errors.Join(fmt.Errorf("init: %w", err), e.Close())
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- e.Run(ctx)
	}()

	var err error
	select {
	case err = <-runErr:
	case <-ctx.Done():
		err = <-runErr
	}

	return errors.Join(err, e.Close())
}
