package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/signon/internal/config"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/server"
	"github.com/neboloop/signon/internal/svc"
)

func ServeCmd() *cobra.Command {
	var (
		port     int
		poolSize int
		executor string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, control plane and profile pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *ServerConfig
			// Flags win over --config, which is applied after parsing.
			if cmd.Flags().Changed("port") {
				c.Server.Port = port
			}
			if cmd.Flags().Changed("pool-size") {
				c.Pool.Size = poolSize
			}
			if cmd.Flags().Changed("executor") {
				c.Pool.Executor = executor
			}
			return runServe(cmd.Context(), c)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "number of browser profiles")
	cmd.Flags().StringVar(&executor, "executor", "", "local or agent")
	return cmd
}

func runServe(parent context.Context, c config.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}

	// Two servers on one profile directory would fight over the browsers'
	// user-data dirs.
	if err := os.MkdirAll(c.Pool.DataDir, 0o700); err != nil {
		return fmt.Errorf("create pool data dir: %w", err)
	}
	lock, err := acquireLock(c.Pool.DataDir)
	if err != nil {
		return fmt.Errorf("%w: another signon server owns %s", err, c.Pool.DataDir)
	}
	defer releaseLock(lock)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcCtx, err := svc.NewServiceContext(c, svc.WithVersion(Version))
	if err != nil {
		return err
	}
	defer svcCtx.Close()

	if err := svcCtx.Start(ctx); err != nil {
		return err
	}
	logging.Infof("signon %s: %d profiles, executor %s", Version, c.Pool.Size, c.Pool.Executor)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, svcCtx) })
	g.Go(func() error { return svcCtx.WatchSites(ctx) })
	err = g.Wait()
	logging.Infof("signon stopped")
	return err
}
