package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/idflow"
)

func newResponderCmd(root *rootOptions) *cobra.Command {
	var createTables bool
	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Answer identity checks from a SQL directory",
		Long: `Run a responder that answers identity checks from the tables configured
through IDFLOW_DIRECTORY_DRIVER and IDFLOW_DIRECTORY_DSN. Responders sharing
IDFLOW_CONSUMER_GROUP split the requests between them.

Example:
  IDFLOW_DIRECTORY_DSN=file:users.db idflow responder --create-tables`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runResponder(ctx, cmd, root, createTables)
		},
	}
	cmd.Flags().BoolVar(&createTables, "create-tables", false, "create the directory tables when missing")
	return cmd
}

func runResponder(ctx context.Context, cmd *cobra.Command, root *rootOptions, createTables bool) error {
	conf, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger, err := root.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	dir, closeDir, err := openDirectory(ctx, conf, createTables)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDir(); err != nil {
			logger.Error("Failed to close directory", err, nil)
		}
	}()

	svc, err := idflow.TryNewService(ctx, conf, logger, idflow.ServiceDependencies{Directory: dir})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", err, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openDirectory opens the configured SQL directory, wrapped in a cache when
// a cache TTL is set.
func openDirectory(ctx context.Context, conf *idflow.Config, createTables bool) (idflow.Directory, func() error, error) {
	sqlDir, err := openSQLDirectory(ctx, conf, createTables)
	if err != nil {
		return nil, nil, err
	}
	var dir idflow.Directory = sqlDir
	if conf.DirectoryCacheTTL > 0 {
		dir = idflow.NewCachedDirectory(sqlDir, conf.DirectoryCacheTTL)
	}
	return dir, sqlDir.Close, nil
}

func openSQLDirectory(ctx context.Context, conf *idflow.Config, createTables bool) (*idflow.SQLDirectory, error) {
	if conf.DirectoryDSN == "" {
		return nil, errors.New("directory: IDFLOW_DIRECTORY_DSN is required")
	}
	dir, err := idflow.OpenSQLDirectory(ctx, conf.DirectoryDriver, conf.DirectoryDSN)
	if err != nil {
		return nil, err
	}
	if createTables {
		if err := dir.CreateTables(ctx); err != nil {
			_ = dir.Close()
			return nil, err
		}
	}
	return dir, nil
}
