package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ecity-hub/ecity"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serve: run the portal or admin gateway until interrupted.
func serveCmd() *cobra.Command {
	var app string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway for the portal or the admin app",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository()
			if err != nil {
				return err
			}

			options := []func(*ecity.Gateway) error{
				ecity.WithConfig(cfg),
				ecity.WithLogger(logger),
				ecity.WithRepo(repo),
				ecity.WithTLS(),
			}
			if app != "" {
				options = append(options, ecity.WithApp(ecity.App(app)))
			}
			gateway, err := ecity.New(options...)
			if err != nil {
				repo.Close()
				return err
			}

			listener, err := gateway.GetListener(cfg.ListenAddress, cfg.ListenPort)
			if err != nil {
				gateway.Close()
				return err
			}
			logger.Info("gateway listening", "app", gateway.App, "address", listener.Addr().String(), "backend", cfg.BackendURL, "tls", gateway.TLSConfig != nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return gateway.Serve(ctx, listener)
			})
			group.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				return gateway.Close()
			})
			if err := group.Wait(); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "portal or admin (default from config)")
	return cmd
}
